package virtqueue

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// ErrQueueIndexInUse is returned by [New] when another live queue with the
// same index registered its metrics in the same registry.
var ErrQueueIndexInUse = errors.New("queue index already in use")

type queueMetrics struct {
	registry metrics.Registry
	names    []string

	added           metrics.Counter
	kicks           metrics.Counter
	kicksSuppressed metrics.Counter
	notifyFailed    metrics.Counter
	full            metrics.Counter
	mappingFailed   metrics.Counter
	used            metrics.Counter
	unexpectedID    metrics.Counter
	free            metrics.Gauge
}

// newQueueMetrics registers the counters of queue index as
// virtqueue.<index>.<name>. A nil registry disables them. Every index can only
// be registered once per registry, the metrics of a queue are removed from
// the registry when it is destroyed.
func newQueueMetrics(r metrics.Registry, index int) (_ *queueMetrics, err error) {
	if r == nil {
		return &queueMetrics{
			added:           metrics.NilCounter{},
			kicks:           metrics.NilCounter{},
			kicksSuppressed: metrics.NilCounter{},
			notifyFailed:    metrics.NilCounter{},
			full:            metrics.NilCounter{},
			mappingFailed:   metrics.NilCounter{},
			used:            metrics.NilCounter{},
			unexpectedID:    metrics.NilCounter{},
			free:            metrics.NilGauge{},
		}, nil
	}

	m := &queueMetrics{registry: r}
	defer func() {
		if err != nil {
			m.unregister()
		}
	}()

	register := func(name string, metric any) error {
		name = fmt.Sprintf("virtqueue.%d.%s", index, name)
		if err := r.Register(name, metric); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrQueueIndexInUse, name, err)
		}
		m.names = append(m.names, name)
		return nil
	}

	counters := []struct {
		name string
		c    *metrics.Counter
	}{
		{"added", &m.added},
		{"kicks", &m.kicks},
		{"kicks_suppressed", &m.kicksSuppressed},
		{"notify_failed", &m.notifyFailed},
		{"full", &m.full},
		{"mapping_failed", &m.mappingFailed},
		{"used", &m.used},
		{"unexpected_id", &m.unexpectedID},
	}
	for _, c := range counters {
		*c.c = metrics.NewCounter()
		if err := register(c.name, *c.c); err != nil {
			return nil, err
		}
	}

	m.free = metrics.NewGauge()
	if err := register("free", m.free); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *queueMetrics) unregister() {
	if m.registry == nil {
		return
	}
	for _, name := range m.names {
		m.registry.Unregister(name)
	}
}

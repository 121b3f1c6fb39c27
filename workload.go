package vring

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/internal/loopback"
	"github.com/slackhq/vring/virtqueue"
)

var errWorkloadFailed = errors.New("workload failed")

type workload struct {
	iterations  int
	outSegments int
	inSegments  int
	segmentSize int
	timeout     time.Duration
}

func newWorkloadFromConfig(c *config.C, queueSize int) (workload, error) {
	w := workload{
		iterations:  c.GetInt("workload.iterations", 1024),
		outSegments: c.GetInt("workload.out_segments", 2),
		inSegments:  c.GetInt("workload.in_segments", 1),
		segmentSize: c.GetInt("workload.segment_size", 512),
		timeout:     c.GetDuration("workload.timeout", 5*time.Second),
	}

	switch {
	case w.iterations < 0:
		return w, fmt.Errorf("workload.iterations must not be negative: %d", w.iterations)
	case w.outSegments < 0 || w.inSegments < 0:
		return w, fmt.Errorf("workload segments must not be negative: %d out, %d in", w.outSegments, w.inSegments)
	case w.outSegments+w.inSegments == 0:
		return w, errors.New("workload needs at least one segment per request")
	case w.outSegments+w.inSegments > queueSize:
		return w, fmt.Errorf("a request of %d segments never fits into queues of size %d",
			w.outSegments+w.inSegments, queueSize)
	case w.segmentSize <= 0:
		return w, fmt.Errorf("workload.segment_size must be positive: %d", w.segmentSize)
	case w.timeout <= 0:
		return w, fmt.Errorf("workload.timeout must be positive: %s", w.timeout)
	}
	return w, nil
}

// request is the token of one chain.
type request struct {
	seq int
	out [][]byte
	in  [][]byte
}

func (w workload) newRequest(seq int) *request {
	r := &request{seq: seq}
	for i := range w.outSegments {
		b := make([]byte, w.segmentSize)
		for j := range b {
			b[j] = byte(seq + i + j)
		}
		r.out = append(r.out, b)
	}
	for range w.inSegments {
		r.in = append(r.in, make([]byte, w.segmentSize))
	}
	return r
}

// verify checks that the loopback echoed the readable buffers into the
// writable ones.
func (r *request) verify(written uint32) error {
	want := bytes.Join(r.out, nil)
	got := bytes.Join(r.in, nil)
	n := min(len(want), len(got))
	if int(written) != n {
		return fmt.Errorf("request %d: device reported %d bytes, expected %d", r.seq, written, n)
	}
	if !bytes.Equal(want[:n], got[:n]) {
		return fmt.Errorf("request %d: echoed data does not match", r.seq)
	}
	return nil
}

// queueRunner drives the workload through one queue and its loopback device.
type queueRunner struct {
	l      *logrus.Entry
	vq     *virtqueue.Virtqueue
	remote *loopback.Queue
	w      workload

	eventIndex bool
	// waitKick blocks until the driver kicked the queue. When it is nil the
	// loopback is stepped by the driver instead.
	waitKick func() error
}

// step lets the loopback serve everything that is pending.
func (r *queueRunner) step() error {
	for {
		if _, err := r.remote.Echo(); err != nil {
			return err
		}
		if !r.eventIndex {
			return nil
		}
		r.remote.ArmAvailEvent()
		// Anything published before the event was armed would not be kicked.
		if r.remote.Pending() == 0 {
			return nil
		}
	}
}

// serve runs the loopback until ctx is done.
func (r *queueRunner) serve(ctx context.Context) error {
	if r.eventIndex {
		r.remote.ArmAvailEvent()
	}
	for {
		if err := r.waitKick(); err != nil {
			return fmt.Errorf("wait for kick: %w", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := r.step(); err != nil {
			return fmt.Errorf("loopback: %w", err)
		}
	}
}

// run pushes the configured number of requests through the queue, as many at
// a time as fit, and checks every completion.
func (r *queueRunner) run(ctx context.Context) error {
	start := time.Now()
	done := 0
	for done < r.w.iterations {
		added := 0
		for done+added < r.w.iterations {
			req := r.w.newRequest(done + added)
			err := r.vq.AddWithToken(req.out, req.in, req)
			if errors.Is(err, virtqueue.ErrNotEnoughFreeDescriptors) {
				break
			}
			if err != nil {
				return fmt.Errorf("add request %d: %w", done+added, err)
			}
			added++
		}

		if err := r.vq.Kick(); err != nil {
			return err
		}
		if r.waitKick == nil {
			if err := r.step(); err != nil {
				return fmt.Errorf("loopback: %w", err)
			}
		}

		for range added {
			if err := r.reap(ctx); err != nil {
				return err
			}
		}
		done += added
	}

	if r.vq.NumFree() != r.vq.Size() {
		return fmt.Errorf("%w: %d of %d descriptors free after draining", errWorkloadFailed, r.vq.NumFree(), r.vq.Size())
	}

	r.l.WithField("requests", done).
		WithField("duration", time.Since(start)).
		Info("Workload finished")
	return nil
}

func (r *queueRunner) reap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.w.timeout)
	defer cancel()

	completion, err := r.vq.WaitBuf(ctx)
	if err != nil {
		return fmt.Errorf("wait for completion: %w", err)
	}

	req, ok := completion.Token.(*request)
	if !ok {
		return fmt.Errorf("%w: completion without request", errWorkloadFailed)
	}
	if err := req.verify(completion.Len); err != nil {
		return fmt.Errorf("%w: %w", errWorkloadFailed, err)
	}
	return nil
}

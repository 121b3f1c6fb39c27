package doorbell

import (
	"fmt"
	"sync/atomic"

	"github.com/slackhq/vring/util/virtio"
)

// Poll is for devices that poll the available ring and need no kick at all.
// Notifications are only counted.
type Poll struct {
	features virtio.Feature
	kicks    []atomic.Uint64
}

// NewPoll returns the doorbell of queues queues for a device that negotiated
// features.
func NewPoll(queues int, features virtio.Feature) (*Poll, error) {
	if queues <= 0 {
		return nil, fmt.Errorf("invalid number of queues %d", queues)
	}
	return &Poll{
		features: features,
		kicks:    make([]atomic.Uint64, queues),
	}, nil
}

func (d *Poll) Notify(queueIndex int) error {
	if queueIndex < 0 || queueIndex >= len(d.kicks) {
		return fmt.Errorf("no doorbell for queue %d", queueIndex)
	}
	d.kicks[queueIndex].Add(1)
	return nil
}

func (d *Poll) HasFeature(f virtio.Feature) bool {
	return d.features.Has(f)
}

// Kicks returns how often the queue was notified.
func (d *Poll) Kicks(queueIndex int) uint64 {
	if queueIndex < 0 || queueIndex >= len(d.kicks) {
		return 0
	}
	return d.kicks[queueIndex].Load()
}

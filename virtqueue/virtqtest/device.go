package virtqtest

import (
	"sync"

	"github.com/slackhq/vring/util/virtio"
)

// Device is a transport that records every notification.
type Device struct {
	features virtio.Feature

	mu        sync.Mutex
	notified  map[int]int
	notifyErr error
	kicks     chan int
}

// NewDevice returns a device that negotiated the given features.
func NewDevice(features virtio.Feature) *Device {
	return &Device{
		features: features,
		notified: make(map[int]int),
		kicks:    make(chan int, 1024),
	}
}

func (d *Device) HasFeature(f virtio.Feature) bool {
	return d.features.Has(f)
}

func (d *Device) Notify(queueIndex int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.notified[queueIndex]++
	if d.notifyErr != nil {
		return d.notifyErr
	}
	select {
	case d.kicks <- queueIndex:
	default:
	}
	return nil
}

// FailNotify makes every following notification fail with err. Passing nil
// makes them succeed again.
func (d *Device) FailNotify(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyErr = err
}

// Notifications returns how often the given queue was notified.
func (d *Device) Notifications(queueIndex int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notified[queueIndex]
}

// Kicks delivers the queue index of every successful notification. Kicks are
// dropped when nobody reads them.
func (d *Device) Kicks() <-chan int {
	return d.kicks
}

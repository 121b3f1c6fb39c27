package doorbell

import (
	"errors"
	"fmt"

	"github.com/slackhq/vring/util/virtio"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// EventFD signals one eventfd per queue, the way vhost and vhost-user devices
// are kicked.
type EventFD struct {
	features virtio.Feature
	kick     []eventfd.Eventfd
}

// NewEventFD creates the kick eventfds of queues queues for a device that
// negotiated features.
func NewEventFD(queues int, features virtio.Feature) (_ *EventFD, err error) {
	if queues <= 0 {
		return nil, fmt.Errorf("invalid number of queues %d", queues)
	}

	d := &EventFD{features: features}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	for i := range queues {
		efd, err := eventfd.Create()
		if err != nil {
			return nil, fmt.Errorf("create kick eventfd for queue %d: %w", i, err)
		}
		d.kick = append(d.kick, efd)
	}
	return d, nil
}

func (d *EventFD) queue(index int) (eventfd.Eventfd, error) {
	if index < 0 || index >= len(d.kick) {
		return eventfd.Eventfd{}, fmt.Errorf("no eventfd for queue %d", index)
	}
	return d.kick[index], nil
}

// Notify kicks the eventfd of the queue.
func (d *EventFD) Notify(queueIndex int) error {
	efd, err := d.queue(queueIndex)
	if err != nil {
		return err
	}
	return efd.Notify()
}

func (d *EventFD) HasFeature(f virtio.Feature) bool {
	return d.features.Has(f)
}

// Wait blocks until the queue was kicked at least once and consumes all
// kicks so far. This is what the device side does.
func (d *EventFD) Wait(queueIndex int) error {
	efd, err := d.queue(queueIndex)
	if err != nil {
		return err
	}
	return efd.Wait()
}

// FD returns the kick eventfd of the queue, e.g. to pass it to a vhost
// backend. The returned file descriptor should be used with great care to
// not interfere with this implementation.
func (d *EventFD) FD(queueIndex int) (int, error) {
	efd, err := d.queue(queueIndex)
	if err != nil {
		return -1, err
	}
	return efd.FD(), nil
}

// Close closes all eventfds. A goroutine blocked in [EventFD.Wait] must be
// woken up with [EventFD.Notify] first.
func (d *EventFD) Close() error {
	var errs []error
	for i, efd := range d.kick {
		if err := efd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kick eventfd of queue %d: %w", i, err))
		}
	}
	d.kick = nil
	return errors.Join(errs...)
}

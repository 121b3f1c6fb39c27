package vring

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/doorbell"
	"github.com/slackhq/vring/internal/loopback"
	"github.com/slackhq/vring/util"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	doorbellEventFD = "eventfd"
	doorbellPoll    = "poll"
	doorbellMMIO    = "mmio"
)

// dmaBase is where the made-up bus addresses of the emulated IOMMU start.
const dmaBase = 0x40_0000_0000

// Control owns the queues of a self-test run.
type Control struct {
	l          *logrus.Logger
	queues     []*virtqueue.Virtqueue
	runners    []*queueRunner
	statsStart func()

	kicks *doorbell.EventFD
	mmio  *doorbell.MMIO
	regs  []byte

	cancel   context.CancelFunc
	devices  *errgroup.Group
	done     chan struct{}
	err      error
	stopOnce sync.Once
	stopErr  error
}

func newControl(l *logrus.Logger, qc queueConfig, w workload) (_ *Control, err error) {
	ctrl := &Control{l: l}
	defer func() {
		if err != nil {
			_ = ctrl.release()
		}
	}()

	var dev virtqueue.Device
	switch qc.doorbell {
	case doorbellEventFD:
		ctrl.kicks, err = doorbell.NewEventFD(qc.count, qc.features)
		if err != nil {
			return nil, util.NewContextualError("Failed to create kick eventfds", nil, err)
		}
		dev = ctrl.kicks

	case doorbellMMIO:
		// Nobody emulates the registers, the window only records the writes.
		ctrl.regs, err = unix.Mmap(-1, 0, os.Getpagesize(),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, util.NewContextualError("Failed to map mmio register window", nil, err)
		}
		ctrl.mmio, err = doorbell.NewMMIO(ctrl.regs, qc.features)
		if err != nil {
			return nil, err
		}
		dev = ctrl.mmio

	default:
		dev, err = doorbell.NewPoll(qc.count, qc.features)
		if err != nil {
			return nil, err
		}
	}

	opts := []virtqueue.Option{virtqueue.WithLogger(l)}
	resolve := loopback.IdentityResolver
	if qc.features.Has(virtio.FeatureAccessPlatform) {
		iommu := loopback.NewIOMMU()
		resolve = iommu.Resolve
		opts = append(opts,
			virtqueue.WithMapper(iommu),
			virtqueue.WithDMAAllocator(&loopback.Arena{BusBase: dmaBase}),
		)
	}

	for i := range qc.count {
		vq, err := virtqueue.New(i, qc.size, qc.align, dev, opts...)
		if err != nil {
			return nil, util.NewContextualError("Failed to create virtqueue", m{"queue": i, "size": qc.size}, err)
		}
		ctrl.queues = append(ctrl.queues, vq)

		if ctrl.mmio != nil {
			if err := ctrl.mmio.Activate(vq); err != nil {
				return nil, util.NewContextualError("Failed to activate virtqueue", m{"queue": i}, err)
			}
		}

		r := &queueRunner{
			l:          l.WithField("queue", i),
			vq:         vq,
			remote:     loopback.Attach(vq, resolve),
			w:          w,
			eventIndex: qc.features.Has(virtio.FeatureEventIndex),
		}
		if ctrl.kicks != nil {
			kicks := ctrl.kicks
			r.waitKick = func() error { return kicks.Wait(i) }
		}
		ctrl.runners = append(ctrl.runners, r)
	}

	return ctrl, nil
}

// Queues returns the queues of the run.
func (c *Control) Queues() []*virtqueue.Virtqueue {
	return c.queues
}

// Start runs the workload on every queue, this is a nonblocking call. To block use Control.Wait or
// Control.ShutdownBlock
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.devices = &errgroup.Group{}
	workers, wctx := errgroup.WithContext(ctx)

	for _, r := range c.runners {
		if r.waitKick != nil {
			c.devices.Go(func() error { return r.serve(ctx) })
		}
		workers.Go(func() error { return r.run(wctx) })
	}

	c.done = make(chan struct{})
	go func() {
		c.err = workers.Wait()
		close(c.done)
	}()
}

// Wait blocks until the workload finished on every queue or one of them failed.
func (c *Control) Wait() error {
	<-c.done
	return c.err
}

// Stop cancels the workload, stops the loopback devices and releases all queues. It returns after the shutdown is
// complete.
func (c *Control) Stop() error {
	c.stopOnce.Do(func() {
		var errs []error
		if c.cancel != nil {
			c.cancel()
			<-c.done

			// Wake up the loopback devices so they notice the cancellation.
			if c.kicks != nil {
				for i := range c.queues {
					_ = c.kicks.Notify(i)
				}
			}
			if err := c.devices.Wait(); err != nil {
				errs = append(errs, fmt.Errorf("loopback device: %w", err))
			}
		}

		if err := c.release(); err != nil {
			errs = append(errs, err)
		}
		c.stopErr = errors.Join(errs...)
		c.l.Info("Goodbye")
	})
	return c.stopErr
}

// ShutdownBlock blocks until the workload finished or a term or interrupt signal arrived, then calls Control.Stop()
func (c *Control) ShutdownBlock() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	var err error
	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
		err = c.err
	}

	return errors.Join(err, c.Stop())
}

// Dump writes the state of every queue to w. The output is only consistent while the workload is not running.
func (c *Control) Dump(w io.Writer) {
	for _, vq := range c.queues {
		vq.Dump(w)
	}
}

func (c *Control) release() error {
	var errs []error
	for _, vq := range c.queues {
		if c.mmio != nil {
			c.mmio.Deactivate(vq.Index())
		}
		if err := vq.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy queue %d: %w", vq.Index(), err))
		}
	}
	c.queues = nil

	if c.kicks != nil {
		if err := c.kicks.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.regs != nil {
		if err := unix.Munmap(c.regs); err != nil {
			errs = append(errs, fmt.Errorf("unmap mmio register window: %w", err))
		}
		c.regs = nil
	}

	return errors.Join(errs...)
}

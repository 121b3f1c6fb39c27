package virtqueue

import (
	"errors"
	"os"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

type optionValues struct {
	mapper         Mapper
	plainAllocator Allocator
	dmaAllocator   Allocator
	pageSize       int
	logger         *logrus.Logger
	registry       metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.mapper == nil {
		return errors.New("mapper must not be nil")
	}
	if o.plainAllocator == nil {
		return errors.New("plain allocator must not be nil")
	}
	if err := checkPageSize(o.pageSize); err != nil {
		return err
	}
	if o.logger == nil {
		return errors.New("logger must not be nil")
	}
	return nil
}

func defaultOptions() optionValues {
	return optionValues{
		mapper:         IdentityMapper{},
		plainAllocator: PageAllocator{},
		// Optional, only needed for devices behind an IOMMU.
		dmaAllocator: nil,
		pageSize:     os.Getpagesize(),
		logger:       logrus.StandardLogger(),
		registry:     metrics.DefaultRegistry,
	}
}

// Option can be passed to [New] to influence queue creation.
type Option func(*optionValues)

// WithMapper returns an [Option] that sets the [Mapper] used to make buffers
// accessible to the device. Defaults to [IdentityMapper].
func WithMapper(m Mapper) Option {
	return func(o *optionValues) { o.mapper = m }
}

// WithPlainAllocator returns an [Option] that sets the [Allocator] used for
// the ring memory of devices that access driver memory directly. Defaults to
// [PageAllocator].
func WithPlainAllocator(a Allocator) Option {
	return func(o *optionValues) { o.plainAllocator = a }
}

// WithDMAAllocator returns an [Option] that sets the [Allocator] used for the
// ring memory of devices that negotiated [virtio.FeatureAccessPlatform].
// There is no default, creating such a queue without it fails with
// [ErrNoDMAAllocator].
func WithDMAAllocator(a Allocator) Option {
	return func(o *optionValues) { o.dmaAllocator = a }
}

// WithPageSize returns an [Option] that sets the allocation page budget used
// when sizing the ring. Defaults to [os.Getpagesize].
func WithPageSize(pageSize int) Option {
	return func(o *optionValues) { o.pageSize = pageSize }
}

// WithLogger returns an [Option] that sets the logger. Defaults to the logrus
// standard logger.
func WithLogger(l *logrus.Logger) Option {
	return func(o *optionValues) { o.logger = l }
}

// WithMetricsRegistry returns an [Option] that sets where the queue registers
// its counters. Defaults to [metrics.DefaultRegistry].
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}

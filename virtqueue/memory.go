package virtqueue

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrOutOfMemory is returned when no backing memory could be obtained for
	// a queue, not even at the smallest size that fits into one page.
	ErrOutOfMemory = errors.New("out of memory for virtqueue")

	// ErrNoDMAAllocator is returned when the device requires the DMA API but
	// no DMA allocator was configured.
	ErrNoDMAAllocator = errors.New("device requires platform DMA but no DMA allocator is configured")
)

// Allocator obtains the backing memory for a queue.
type Allocator interface {
	// Alloc returns size zeroed bytes whose first byte is aligned to align
	// bytes, and the bus address of that first byte.
	Alloc(size, align int) (mem []byte, busAddr uint64, err error)

	// Free releases memory that was returned by Alloc.
	Free(mem []byte, busAddr uint64) error
}

// memoryStrategy selects how the ring memory is obtained. It is chosen once
// when the queue is created and used again to release the memory.
type memoryStrategy uint8

const (
	// memoryPlain uses memory whose bus address equals its virtual address.
	memoryPlain memoryStrategy = iota
	// memoryDMA uses coherent memory from the platform DMA API. It is required
	// when the device negotiated [virtio.FeatureAccessPlatform].
	memoryDMA
)

func (s memoryStrategy) String() string {
	switch s {
	case memoryPlain:
		return "plain"
	case memoryDMA:
		return "dma"
	default:
		return fmt.Sprintf("memoryStrategy(%d)", uint8(s))
	}
}

// PageAllocator is the plain memory [Allocator]. It maps anonymous pages, so
// allocations are page aligned and never moved by the garbage collector. The
// bus address of an allocation is its virtual address.
type PageAllocator struct{}

func (PageAllocator) Alloc(size, align int) ([]byte, uint64, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("invalid allocation size %d", size)
	}
	if align > os.Getpagesize() {
		return nil, 0, fmt.Errorf("alignment %d exceeds the page size", align)
	}

	mem, err := unix.Mmap(-1, 0, alignUp(size, os.Getpagesize()),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap: %w", err)
	}
	return mem[:size], uint64(uintptr(unsafe.Pointer(&mem[0]))), nil
}

func (PageAllocator) Free(mem []byte, _ uint64) error {
	if err := unix.Munmap(mem[:cap(mem)]); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}

// allocateRing obtains the memory for a ring of at most num entries.
//
// Sizes whose ring does not fit into one page are tried from the largest
// down, halving after every failed allocation. Once the ring fits into a page
// a single last attempt is made at that size.
func allocateRing(a Allocator, num, align, pageSize int, l *logrus.Entry) ([]byte, uint64, int, error) {
	for ; num > 0 && RingSize(num, align) > pageSize; num /= 2 {
		mem, busAddr, err := a.Alloc(AllocationSize(num, align), align)
		if err == nil {
			return mem, busAddr, num, nil
		}
		l.WithError(err).WithField("size", num).Debug("Failed to allocate ring memory, retrying smaller")
	}
	if num == 0 {
		return nil, 0, 0, ErrOutOfMemory
	}

	size := AllocationSize(num, align)
	mem, busAddr, err := a.Alloc(size, align)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: %d bytes for %d entries: %w", ErrOutOfMemory, size, num, err)
	}
	return mem, busAddr, num, nil
}

package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// ErrMappingFailed is returned when a buffer could not be mapped for the
// device. No descriptors are consumed when this happens.
var ErrMappingFailed = errors.New("buffer mapping failed")

// Direction describes which side of the queue accesses a mapped buffer.
type Direction uint8

const (
	// ToDevice buffers are only read by the device.
	ToDevice Direction = iota
	// FromDevice buffers are only written by the device.
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Mapper translates driver buffers into bus addresses the device can access
// and performs whatever cache maintenance the platform needs for that.
type Mapper interface {
	// Map makes buf accessible to the device and returns its bus address.
	// A non-nil error means the buffer cannot be used.
	Map(buf []byte, dir Direction) (uint64, error)

	// Unmap releases a mapping created by Map.
	Unmap(addr uint64, length uint32, dir Direction)
}

// IdentityMapper is a [Mapper] for devices that see the same addresses as the
// driver, e.g. a hypervisor without an IOMMU in between. The bus address of a
// buffer is its virtual address.
//
// The caller must keep the memory of a mapped buffer in place until the buffer
// was returned by the device. The [Virtqueue] holds a reference to every
// published buffer until it is reclaimed, so Go heap buffers stay alive.
type IdentityMapper struct{}

// Map returns the address of the first byte of buf.
func (IdentityMapper) Map(buf []byte, _ Direction) (uint64, error) {
	if len(buf) == 0 {
		return 0, errors.New("cannot map an empty buffer")
	}
	if uint64(len(buf)) > math.MaxUint32 {
		return 0, fmt.Errorf("buffer of %d bytes exceeds the descriptor length limit", len(buf))
	}
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf)))), nil
}

// Unmap does nothing.
func (IdentityMapper) Unmap(uint64, uint32, Direction) {}

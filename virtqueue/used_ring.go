package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the device to advise the driver to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory, including the avail_event field.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the minimum alignment of a [UsedRing] in memory, as
// required by the VIRTIO standard.
const usedRingAlignment = 4

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the device
// and read by the driver.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type UsedRing struct {
	// header aliases flags and ringIndex, so both are read with a single
	// atomic load.
	header *uint32

	// flags that describe this ring.
	flags *usedRingFlag
	// ringIndex indicates where the device would put the next entry into the
	// ring (modulo the queue size).
	ringIndex *uint16
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is the word whose low half is the avail_event field. It
	// tells the driver after which available index the device wants to be
	// kicked. Only meaningful with the event index feature. The high half is
	// padding after the ring.
	availableEvent *uint32
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size, and its capacity must reach the
// next multiple of 4 bytes.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}
	if cap(mem) < alignUp(ringSize, usedRingAlignment) {
		panic("used ring memory has no room for the avail_event word")
	}
	if uintptr(unsafe.Pointer(&mem[0]))%usedRingAlignment != 0 {
		panic("used ring memory is not 4-byte aligned")
	}

	return &UsedRing{
		header:         (*uint32)(unsafe.Pointer(&mem[0])),
		flags:          (*usedRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex:      (*uint16)(unsafe.Pointer(&mem[2])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint32)(unsafe.Pointer(&mem[:ringSize+2][ringSize-2])),
	}
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this implementation.
func (r *UsedRing) Address() uintptr {
	return uintptr(unsafe.Pointer(r.header))
}

// Flags returns the flags set by the device. The load has acquire semantics.
func (r *UsedRing) Flags() uint16 {
	return uint16(atomic.LoadUint32(r.header))
}

// Index returns the ring index published by the device. The load has acquire
// semantics, so every entry below the returned index may be read afterwards.
func (r *UsedRing) Index() uint16 {
	return uint16(atomic.LoadUint32(r.header) >> 16)
}

// Entry returns the element stored for the given used index.
func (r *UsedRing) Entry(index uint16) UsedElement {
	return r.ring[index&uint16(len(r.ring)-1)]
}

// AvailableEvent returns the value of the avail_event field. The device
// stores it concurrently, so the whole word is loaded atomically.
func (r *UsedRing) AvailableEvent() uint16 {
	return uint16(atomic.LoadUint32(r.availableEvent))
}

// noNotify reports whether the device asked to not be kicked.
func (r *UsedRing) noNotify() bool {
	return usedRingFlag(r.Flags())&usedRingFlagNoNotify != 0
}

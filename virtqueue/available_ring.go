package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// availableRingFlag is a flag that describes an [AvailableRing].
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is used by the driver to advise the device
	// to not interrupt it when consuming a buffer. It's unreliable, so it's
	// simply an optimization.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory, including the used_event field.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment is the minimum alignment of an [AvailableRing]
// in memory, as the VIRTIO standard requires.
const availableRingAlignment = 2

// AvailableRing is used by the driver to offer descriptor chains to the device.
// Each ring entry refers to the head of a descriptor chain. It is only written
// to by the driver and read by the device.
//
// Because the size of the ring depends on the queue size, we cannot define a
// Go struct with a static size that maps to the memory of the ring. Instead,
// this struct only contains pointers to the corresponding memory areas.
type AvailableRing struct {
	// header aliases flags and ringIndex, so both can be published with a
	// single atomic store.
	header *uint32

	// flags that describe this ring.
	flags *availableRingFlag
	// ringIndex indicates where the driver would put the next entry into the
	// ring (modulo the queue size).
	ringIndex *uint16
	// ring references buffers using the index of the head of the descriptor
	// chain in the [DescriptorTable]. It wraps around at queue size.
	ring []uint16
	// usedEvent tells the device up to which used index the driver does not
	// need an interrupt. Only meaningful with the event index feature.
	usedEvent *uint16
}

// newAvailableRing creates an available ring that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// ring (see [availableRingSize]) for the given queue size, and the memory must
// be 4-byte aligned.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		panic("available ring memory is not 4-byte aligned")
	}

	return &AvailableRing{
		header:    (*uint32)(unsafe.Pointer(&mem[0])),
		flags:     (*availableRingFlag)(unsafe.Pointer(&mem[0])),
		ringIndex: (*uint16)(unsafe.Pointer(&mem[2])),
		ring:      unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// Address returns the pointer to the beginning of the ring in memory.
// Do not modify the memory directly to not interfere with this implementation.
func (r *AvailableRing) Address() uintptr {
	return uintptr(unsafe.Pointer(r.header))
}

// Flags returns the flags currently visible to the device.
func (r *AvailableRing) Flags() uint16 {
	return uint16(atomic.LoadUint32(r.header))
}

// Index returns the ring index currently visible to the device.
func (r *AvailableRing) Index() uint16 {
	return uint16(atomic.LoadUint32(r.header) >> 16)
}

// Entry returns the chain head stored in the given ring slot.
func (r *AvailableRing) Entry(slot int) uint16 {
	return r.ring[slot]
}

// UsedEvent returns the value of the used_event field.
func (r *AvailableRing) UsedEvent() uint16 {
	return *r.usedEvent
}

// place writes a chain head into the slot for the given (not yet published)
// ring index. The 16-bit index may overflow. This is expected and is not an
// issue because the ring size is always a power of 2.
func (r *AvailableRing) place(index uint16, head uint16) {
	r.ring[index&uint16(len(r.ring)-1)] = head
}

// publishIndex makes every entry placed below index visible to the device.
// The store has release semantics.
func (r *AvailableRing) publishIndex(index uint16) {
	flags := uint32(atomic.LoadUint32(r.header) & 0xffff)
	atomic.StoreUint32(r.header, flags|uint32(index)<<16)
}

// publishFlags updates the flags visible to the device and keeps the index.
func (r *AvailableRing) publishFlags(flags availableRingFlag) {
	index := atomic.LoadUint32(r.header) &^ 0xffff
	atomic.StoreUint32(r.header, index|uint32(flags))
}

// storeUsedEvent writes the used_event field. Callers follow it with a full
// barrier.
func (r *AvailableRing) storeUsedEvent(index uint16) {
	*r.usedEvent = index
}

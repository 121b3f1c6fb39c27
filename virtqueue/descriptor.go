package virtqueue

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a list of buffer
	// descriptors. This implementation never sets it.
	descriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor describes (a part of) a buffer which is either read-only for the
// device or write-only for the device (depending on [descriptorFlagWritable]).
// Multiple descriptors can be chained to produce a "descriptor chain" that can
// contain both device-readable and device-writable buffers. Device-readable
// descriptors always come first in a chain.
//
// While a descriptor is free, next links it to the following free descriptor
// instead.
type Descriptor struct {
	// address is the bus address of the buffer, as returned by the [Mapper].
	address uint64
	// length is the amount of bytes stored at address.
	length uint32
	// flags that describe this descriptor.
	flags descriptorFlag
	// next contains the index of the next descriptor continuing this descriptor
	// chain when the [descriptorFlagHasNext] flag is set.
	next uint16
}

// Address returns the bus address of the buffer.
func (d *Descriptor) Address() uint64 { return d.address }

// Length returns the length of the buffer in bytes.
func (d *Descriptor) Length() uint32 { return d.length }

// HasNext reports whether the chain continues after this descriptor.
func (d *Descriptor) HasNext() bool { return d.flags&descriptorFlagHasNext != 0 }

// Writable reports whether the device may write to the buffer.
func (d *Descriptor) Writable() bool { return d.flags&descriptorFlagWritable != 0 }

// Next returns the index of the following descriptor.
func (d *Descriptor) Next() uint16 { return d.next }

// direction returns the mapping direction the buffer was mapped with.
func (d *Descriptor) direction() Direction {
	if d.Writable() {
		return FromDevice
	}
	return ToDevice
}

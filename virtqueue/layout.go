package virtqueue

// layout describes where the parts of a split virtqueue live within its single
// backing allocation. The descriptor table starts at offset 0, the available
// ring follows it directly and the used ring starts at the next multiple of the
// ring alignment.
type layout struct {
	queueSize int
	align     int

	availableRingStart int
	usedRingStart      int
	size               int
	// allocSize extends size to the end of the 32-bit word holding
	// avail_event, the last field of the used ring.
	allocSize int
}

// newLayout computes the layout of a queue with the given size and used ring
// alignment. Both must have been validated before.
func newLayout(queueSize, align int) layout {
	descriptorTableEnd := descriptorTableSize(queueSize)
	availableRingStart := alignUp(descriptorTableEnd, availableRingAlignment)
	availableRingEnd := availableRingStart + availableRingSize(queueSize)
	usedRingStart := alignUp(availableRingEnd, align)
	size := usedRingStart + usedRingSize(queueSize)

	return layout{
		queueSize:          queueSize,
		align:              align,
		availableRingStart: availableRingStart,
		usedRingStart:      usedRingStart,
		size:               size,
		allocSize:          alignUp(size, usedRingAlignment),
	}
}

// descriptorTable returns the part of mem holding the descriptor table.
func (l layout) descriptorTable(mem []byte) []byte {
	return mem[:descriptorTableSize(l.queueSize)]
}

// availableRing returns the part of mem holding the available ring.
func (l layout) availableRing(mem []byte) []byte {
	return mem[l.availableRingStart : l.availableRingStart+availableRingSize(l.queueSize)]
}

// usedRing returns the part of mem holding the used ring. Its capacity covers
// the padding after avail_event, so mem must be allocSize bytes long.
func (l layout) usedRing(mem []byte) []byte {
	return mem[l.usedRingStart : l.usedRingStart+usedRingSize(l.queueSize) : l.allocSize]
}

// RingSize returns the number of bytes of one contiguous allocation that holds
// a split virtqueue with the given queue size whose used ring is aligned to
// align bytes. This is the vring_size formula of the virtio specification.
func RingSize(queueSize, align int) int {
	return newLayout(queueSize, align).size
}

// AllocationSize returns the number of bytes [New] requests from its
// [Allocator] for a queue of the given size. It is [RingSize] rounded up to a
// multiple of 4, so avail_event can be accessed as part of a whole 32-bit word.
func AllocationSize(queueSize, align int) int {
	return newLayout(queueSize, align).allocSize
}

func alignUp(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}

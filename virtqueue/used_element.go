package virtqueue

// usedElementSize is the number of bytes a [UsedElement] takes in the ring.
const usedElementSize = 8

// UsedElement is one entry of the [UsedRing]: the device returns a chain by
// naming its head and how much it wrote.
type UsedElement struct {
	// DescriptorIndex is the head of the returned chain. The field is 32 bits
	// wide on the wire although descriptor indexes only have 16.
	DescriptorIndex uint32
	// Length is the number of bytes the device wrote into the writable
	// buffers of the chain.
	Length uint32
}

// head returns the descriptor index the element names, or false when it lies
// outside a table of queueSize entries. Such an element can only come from a
// misbehaving device.
func (e UsedElement) head(queueSize int) (uint16, bool) {
	if e.DescriptorIndex >= uint32(queueSize) {
		return 0, false
	}
	return uint16(e.DescriptorIndex), true
}

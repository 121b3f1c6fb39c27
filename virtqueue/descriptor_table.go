package virtqueue

import (
	"errors"
	"fmt"
	"math"
	"unsafe"
)

var (
	// ErrDescriptorChainEmpty is returned when a descriptor chain would contain
	// no buffers, which is not allowed.
	ErrDescriptorChainEmpty = errors.New("empty descriptor chains are not allowed")

	// ErrNotEnoughFreeDescriptors is returned when the free descriptors are
	// exhausted, meaning that the queue is full. The caller may retry once
	// completed buffers were reclaimed.
	ErrNotEnoughFreeDescriptors = errors.New("not enough free descriptors, queue is full")

	// ErrInvalidDescriptorChain is returned when a descriptor chain is not
	// valid for a given operation.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// noFreeHead is used to mark when all descriptors are in use and we have no
// free chain. This value is impossible to occur as an index naturally, because
// it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as the VIRTIO standard requires.
const descriptorTableAlignment = 16

// DescriptorTable is a table that holds [Descriptor]s, addressed via their
// index in the slice.
//
// The unused descriptors form the free chain, threaded through their next
// fields and starting at freeHeadIndex. Descriptors are taken from the front of
// the free chain and returned chains are pushed back onto the front.
type DescriptorTable struct {
	descriptors []Descriptor

	// freeHeadIndex is the index of the head of the descriptor chain which
	// contains all currently unused descriptors. When all descriptors are in
	// use, this has the special value of noFreeHead.
	freeHeadIndex uint16
	// freeNum tracks the number of descriptors which are currently not in use.
	freeNum uint16
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// descriptor table (see [descriptorTableSize]) for the given queue size.
//
// All descriptors are put into the free chain in ascending order.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	dt := &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
	}
	dt.initializeFreeChain()
	return dt
}

// initializeFreeChain marks all descriptors as free: 0 -> 1 -> ... -> n-1.
func (dt *DescriptorTable) initializeFreeChain() {
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{next: uint16(i + 1)}
	}
	dt.descriptors[len(dt.descriptors)-1].next = noFreeHead

	dt.freeHeadIndex = 0
	dt.freeNum = uint16(len(dt.descriptors))
}

// Len returns the number of descriptors in the table.
func (dt *DescriptorTable) Len() int {
	return len(dt.descriptors)
}

// Descriptor returns the descriptor at the given index.
func (dt *DescriptorTable) Descriptor(index uint16) Descriptor {
	return dt.descriptors[index]
}

// FreeNum returns the number of descriptors which are currently not in use.
func (dt *DescriptorTable) FreeNum() int {
	return int(dt.freeNum)
}

// FreeHead returns the index of the first free descriptor, or 0xffff when the
// table is exhausted.
func (dt *DescriptorTable) FreeHead() uint16 {
	return dt.freeHeadIndex
}

// allocateChain takes n descriptors from the front of the free chain and
// returns the index of the first one. Because the free chain is threaded
// through the next fields, the taken descriptors are already linked to each
// other in the order they have to be filled. It returns false and changes
// nothing when fewer than n descriptors are free.
func (dt *DescriptorTable) allocateChain(n int) (head uint16, ok bool) {
	if n <= 0 || n > int(dt.freeNum) {
		return 0, false
	}

	// Above validation ensured that there is at least one free descriptor, so
	// the free descriptor chain head should be valid.
	if dt.freeHeadIndex == noFreeHead {
		panic("free descriptor chain head is unset but there should be free descriptors")
	}

	head = dt.freeHeadIndex
	next := head
	for range n {
		next = dt.descriptors[next].next
	}

	dt.freeNum -= uint16(n)
	if dt.freeNum == 0 {
		// When this new chain takes up all remaining descriptors, we no longer
		// have a free chain.
		dt.freeHeadIndex = noFreeHead
	} else {
		dt.freeHeadIndex = next
	}

	return head, true
}

// releaseChain puts the descriptor chain that starts with head back onto the
// front of the free chain. Each descriptor is passed to visit before it is
// relinked, so that the caller can undo its buffer mapping. It returns the
// number of descriptors that were released.
//
// The walk is limited to the queue size, so a corrupted chain cannot make it
// loop forever.
func (dt *DescriptorTable) releaseChain(head uint16, visit func(*Descriptor)) (int, error) {
	if int(head) >= len(dt.descriptors) {
		return 0, fmt.Errorf("%w: index %d out of range", ErrInvalidDescriptorChain, head)
	}

	var (
		tail     = head
		chainLen = 1
	)
	for dt.descriptors[tail].flags&descriptorFlagHasNext != 0 {
		if chainLen >= len(dt.descriptors) {
			return 0, fmt.Errorf("%w: chain starting at %d contains a loop", ErrInvalidDescriptorChain, head)
		}
		tail = dt.descriptors[tail].next
		if int(tail) >= len(dt.descriptors) {
			return 0, fmt.Errorf("%w: chain starting at %d links to %d", ErrInvalidDescriptorChain, head, tail)
		}
		chainLen++
	}

	i := head
	for range chainLen {
		desc := &dt.descriptors[i]
		if visit != nil {
			visit(desc)
		}
		i = desc.next
	}

	// Attach the returned chain at the beginning of the free chain.
	dt.descriptors[tail].next = dt.freeHeadIndex
	dt.freeHeadIndex = head
	dt.freeNum += uint16(chainLen)

	return chainLen, nil
}

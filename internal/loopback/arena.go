package loopback

import (
	"fmt"
	"sync"
	"unsafe"
)

// Arena is a [virtqueue.Allocator] on the Go heap. The Go garbage collector
// never moves heap objects, so the memory stays where the device expects it as
// long as the queue references it.
//
// When BusBase is zero the bus address of an allocation is its virtual
// address, otherwise addresses are handed out upwards from BusBase in page
// steps.
type Arena struct {
	// BusBase is the first bus address to hand out, zero for identity.
	BusBase uint64

	mu   sync.Mutex
	next uint64
	live map[uint64]int
}

func (a *Arena) Alloc(size, align int) ([]byte, uint64, error) {
	if size <= 0 {
		return nil, 0, fmt.Errorf("invalid allocation size %d", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, 0, fmt.Errorf("invalid alignment %d", align)
	}

	// Words give at least 8-byte alignment, the rest is done by offsetting.
	words := make([]uint64, (size+align)/8+1)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	offset := (align - int(uintptr(unsafe.Pointer(&raw[0]))%uintptr(align))) % align
	mem := raw[offset : offset+size : offset+size]

	a.mu.Lock()
	defer a.mu.Unlock()

	busAddr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	if a.BusBase != 0 {
		if a.next == 0 {
			a.next = a.BusBase
		}
		busAddr = a.next
		a.next += uint64(size+4095) &^ 4095
	}

	if a.live == nil {
		a.live = make(map[uint64]int)
	}
	a.live[busAddr] = size
	return mem, busAddr, nil
}

func (a *Arena) Free(mem []byte, busAddr uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.live[busAddr]
	if !ok {
		return fmt.Errorf("free of unknown allocation %#x", busAddr)
	}
	if len(mem) != size {
		return fmt.Errorf("free of %#x with %d bytes, allocated %d", busAddr, len(mem), size)
	}
	delete(a.live, busAddr)
	return nil
}

// Live returns the number of allocations that were not freed yet.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

package virtqtest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/slackhq/vring/internal/loopback"
)

// Allocator is a [loopback.Arena] that records every request and can be made
// to fail.
type Allocator struct {
	// BusBase is the first bus address to hand out, zero for identity.
	BusBase uint64
	// MaxSize makes every allocation larger than MaxSize bytes fail. Zero
	// means no limit.
	MaxSize int
	// FailAll makes every allocation fail.
	FailAll bool

	mu       sync.Mutex
	arena    *loopback.Arena
	requests []int
}

func (a *Allocator) Alloc(size, align int) ([]byte, uint64, error) {
	a.mu.Lock()
	a.requests = append(a.requests, size)
	if a.arena == nil {
		a.arena = &loopback.Arena{BusBase: a.BusBase}
	}
	arena := a.arena
	a.mu.Unlock()

	if a.FailAll || (a.MaxSize > 0 && size > a.MaxSize) {
		return nil, 0, fmt.Errorf("allocate %d bytes: %w", size, ErrInjectedFault)
	}
	return arena.Alloc(size, align)
}

func (a *Allocator) Free(mem []byte, busAddr uint64) error {
	a.mu.Lock()
	arena := a.arena
	a.mu.Unlock()

	if arena == nil {
		return fmt.Errorf("free of unknown allocation %#x", busAddr)
	}
	return arena.Free(mem, busAddr)
}

// Requests returns the sizes of all allocation attempts in order.
func (a *Allocator) Requests() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.requests)
}

// Live returns the number of allocations that were not freed yet.
func (a *Allocator) Live() int {
	a.mu.Lock()
	arena := a.arena
	a.mu.Unlock()

	if arena == nil {
		return 0
	}
	return arena.Live()
}

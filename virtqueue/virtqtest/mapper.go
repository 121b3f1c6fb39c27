package virtqtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/slackhq/vring/internal/loopback"
	"github.com/slackhq/vring/virtqueue"
)

// ErrInjectedFault is returned by a [Mapper] or [Allocator] when a failure was
// requested by the test.
var ErrInjectedFault = errors.New("injected fault")

// Mapper is a [loopback.IOMMU] whose mappings can be made to fail.
type Mapper struct {
	*loopback.IOMMU

	mu     sync.Mutex
	calls  int
	failAt map[int]bool
}

func NewMapper() *Mapper {
	return &Mapper{
		IOMMU:  loopback.NewIOMMU(),
		failAt: make(map[int]bool),
	}
}

// FailCall makes the n-th call to [Mapper.Map] fail, counting from 1 and
// including the calls made before.
func (m *Mapper) FailCall(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAt[n] = true
}

// Calls returns how often [Mapper.Map] was called.
func (m *Mapper) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Mapper) Map(buf []byte, dir virtqueue.Direction) (uint64, error) {
	m.mu.Lock()
	m.calls++
	fail := m.failAt[m.calls]
	calls := m.calls
	m.mu.Unlock()

	if fail {
		return 0, fmt.Errorf("map call %d: %w", calls, ErrInjectedFault)
	}
	return m.IOMMU.Map(buf, dir)
}

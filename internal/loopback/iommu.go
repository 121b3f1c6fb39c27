package loopback

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/slackhq/vring/virtqueue"
)

// IOVABase is the first bus address handed out by an [IOMMU]. It is far away
// from anything a Go pointer could look like.
const IOVABase = 0x7e_0000_0000

type mapping struct {
	buf []byte
	dir virtqueue.Direction
}

// IOMMU is a [virtqueue.Mapper] that hands out made-up bus addresses and
// remembers which buffer each of them belongs to. Misuse, like unmapping an
// unknown address or with a different length, is recorded and can be checked
// with [IOMMU.Errors].
type IOMMU struct {
	mu       sync.Mutex
	next     uint64
	mappings map[uint64]mapping
	errs     []error
}

func NewIOMMU() *IOMMU {
	return &IOMMU{
		next:     IOVABase,
		mappings: make(map[uint64]mapping),
	}
}

func (m *IOMMU) Map(buf []byte, dir virtqueue.Direction) (uint64, error) {
	if len(buf) == 0 {
		return 0, errors.New("cannot map an empty buffer")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	addr := m.next
	// Keep a gap behind every mapping so overruns do not hit the next one.
	m.next += uint64(len(buf)+4095)&^4095 + 4096
	m.mappings[addr] = mapping{buf: buf, dir: dir}
	return addr, nil
}

func (m *IOMMU) Unmap(addr uint64, length uint32, dir virtqueue.Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.mappings[addr]
	switch {
	case !ok:
		m.errs = append(m.errs, fmt.Errorf("unmap of unknown address %#x", addr))
		return
	case uint32(len(mp.buf)) != length:
		m.errs = append(m.errs, fmt.Errorf("unmap of %#x with length %d, mapped %d", addr, length, len(mp.buf)))
	case mp.dir != dir:
		m.errs = append(m.errs, fmt.Errorf("unmap of %#x as %s, mapped %s", addr, dir, mp.dir))
	}
	delete(m.mappings, addr)
}

// Live returns the number of buffers that are currently mapped.
func (m *IOMMU) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}

// Addresses returns the currently mapped bus addresses in ascending order.
func (m *IOMMU) Addresses() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	addrs := make([]uint64, 0, len(m.mappings))
	for addr := range m.mappings {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	return addrs
}

// Errors returns all misuse that was detected so far.
func (m *IOMMU) Errors() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.errs)
}

// Resolve returns the buffer behind a device access of length bytes at addr.
// The access must lie within one mapping made with the same direction. It can
// be used as a [Resolver].
func (m *IOMMU) Resolve(addr uint64, length uint32, dir virtqueue.Direction) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for start, mp := range m.mappings {
		if addr < start || addr-start >= uint64(len(mp.buf)) {
			continue
		}
		if mp.dir != dir {
			return nil, fmt.Errorf("access to %#x as %s, mapped %s", addr, dir, mp.dir)
		}
		offset := addr - start
		if offset+uint64(length) > uint64(len(mp.buf)) {
			return nil, fmt.Errorf("access of %d bytes at %#x overruns its mapping", length, addr)
		}
		return mp.buf[offset : offset+uint64(length)], nil
	}
	return nil, fmt.Errorf("access to unmapped address %#x", addr)
}

package doorbell

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/slackhq/vring/util/virtio"
)

// Registers of the virtio-mmio transport (version 2) used by the driver.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-1650002
const (
	RegQueueSel        = 0x030
	RegQueueNum        = 0x038
	RegQueueReady      = 0x044
	RegQueueNotify     = 0x050
	RegQueueDescLow    = 0x080
	RegQueueDescHigh   = 0x084
	RegQueueDriverLow  = 0x090
	RegQueueDriverHigh = 0x094
	RegQueueDeviceLow  = 0x0a0
	RegQueueDeviceHigh = 0x0a4

	// RegisterWindowSize is the size of the register window up to the device
	// specific configuration space.
	RegisterWindowSize = 0x100
)

// Queue is the information the transport needs to activate a queue.
type Queue interface {
	Index() int
	Size() int
	DescAddr() uint64
	AvailAddr() uint64
	UsedAddr() uint64
}

// MMIO drives the register window of a virtio-mmio device. The window is
// usually a mapping of the device's physical registers, every access is a
// single aligned 32-bit store.
type MMIO struct {
	regs     []byte
	features virtio.Feature
}

// NewMMIO uses the register window regs of a device that negotiated features.
func NewMMIO(regs []byte, features virtio.Feature) (*MMIO, error) {
	if len(regs) < RegisterWindowSize {
		return nil, fmt.Errorf("register window of %d bytes is smaller than %d", len(regs), RegisterWindowSize)
	}
	if uintptr(unsafe.Pointer(&regs[0]))%4 != 0 {
		return nil, fmt.Errorf("register window is not 4-byte aligned")
	}
	return &MMIO{regs: regs, features: features}, nil
}

func (m *MMIO) write(reg int, value uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.regs[reg])), value)
}

func (m *MMIO) read(reg int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.regs[reg])))
}

// Notify writes the queue index to the QueueNotify register.
func (m *MMIO) Notify(queueIndex int) error {
	if queueIndex < 0 || queueIndex > 0xffff {
		return fmt.Errorf("invalid queue index %d", queueIndex)
	}
	m.write(RegQueueNotify, uint32(queueIndex))
	return nil
}

func (m *MMIO) HasFeature(f virtio.Feature) bool {
	return m.features.Has(f)
}

// Activate programs the size and the addresses of q and marks it ready.
func (m *MMIO) Activate(q Queue) error {
	m.write(RegQueueSel, uint32(q.Index()))
	if m.read(RegQueueReady) != 0 {
		return fmt.Errorf("queue %d is already active", q.Index())
	}

	m.write(RegQueueNum, uint32(q.Size()))
	m.write(RegQueueDescLow, uint32(q.DescAddr()))
	m.write(RegQueueDescHigh, uint32(q.DescAddr()>>32))
	m.write(RegQueueDriverLow, uint32(q.AvailAddr()))
	m.write(RegQueueDriverHigh, uint32(q.AvailAddr()>>32))
	m.write(RegQueueDeviceLow, uint32(q.UsedAddr()))
	m.write(RegQueueDeviceHigh, uint32(q.UsedAddr()>>32))
	m.write(RegQueueReady, 1)
	return nil
}

// Deactivate resets the ready bit of the queue. The device stops accessing
// the queue memory once it observed the write.
func (m *MMIO) Deactivate(queueIndex int) {
	m.write(RegQueueSel, uint32(queueIndex))
	m.write(RegQueueReady, 0)
}

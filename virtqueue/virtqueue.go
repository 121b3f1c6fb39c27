package virtqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/util/virtio"
)

// Device is the transport the queue belongs to.
type Device interface {
	// Notify rings the doorbell of the queue with the given index.
	Notify(queueIndex int) error

	// HasFeature reports whether the feature was negotiated with the device.
	HasFeature(f virtio.Feature) bool
}

// Completion describes a buffer chain the device is done with.
type Completion struct {
	// Addr is the bus address of the first buffer of the chain.
	Addr uint64
	// Len is the number of bytes the device wrote into the device-writable
	// buffers of the chain.
	Len uint32
	// Token is the value that was passed to [Virtqueue.AddWithToken].
	Token any
}

// chainState tracks a published chain by its head index.
type chainState struct {
	inFlight bool
	token    any
	// buffers keeps the memory of the chain reachable while the device may
	// access it.
	buffers [][]byte
}

// Virtqueue is the driver side of a split virtqueue.
type Virtqueue struct {
	index int
	num   int
	dev   Device

	mapper    Mapper
	strategy  memoryStrategy
	allocator Allocator
	// alloc is the backing allocation holding all three parts of the queue,
	// mem is the part of it covered by the ring layout.
	alloc   []byte
	mem     []byte
	busAddr uint64
	layout  layout

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing

	// eventIndex is set when the event index feature was negotiated.
	eventIndex bool

	// availIndexShadow and availFlagsShadow mirror what the driver wrote to
	// the available ring, so it never has to read shared memory back.
	availIndexShadow uint16
	availFlagsShadow availableRingFlag
	// lastUsedIndex is the next used ring index the driver will consume.
	lastUsedIndex uint16
	// numAdded counts the chains published since the last kick decision.
	numAdded uint16

	chains []chainState
	// mapped holds the bus addresses of the chain currently being built.
	mapped []uint64

	l       *logrus.Entry
	metrics *queueMetrics
}

// New creates the queue with the given index for dev. num is the requested
// number of entries and must be a power of 2. The queue may end up smaller
// when the memory for the requested size cannot be allocated, see
// [Virtqueue.Size]. align is the alignment of the used ring.
//
// Callbacks start out disabled, see [Virtqueue.EnableCallbacks].
func New(index, num, align int, dev Device, options ...Option) (_ *Virtqueue, err error) {
	opts := defaultOptions()
	opts.apply(options)
	if err = opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if err = CheckQueueSize(num); err != nil {
		return nil, err
	}
	if err = CheckAlignment(align); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, errors.New("device must not be nil")
	}

	vq := Virtqueue{
		index:      index,
		dev:        dev,
		mapper:     opts.mapper,
		strategy:   memoryPlain,
		allocator:  opts.plainAllocator,
		eventIndex: dev.HasFeature(virtio.FeatureEventIndex),
		l:          opts.logger.WithField("queue", index),
	}

	if dev.HasFeature(virtio.FeatureAccessPlatform) {
		if opts.dmaAllocator == nil {
			return nil, ErrNoDMAAllocator
		}
		vq.strategy = memoryDMA
		vq.allocator = opts.dmaAllocator
	}

	mem, busAddr, num, err := allocateRing(vq.allocator, num, align, opts.pageSize, vq.l)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = vq.allocator.Free(mem, busAddr)
		}
	}()

	vq.num = num
	vq.layout = newLayout(num, align)
	if len(mem) < vq.layout.allocSize {
		return nil, fmt.Errorf("allocator returned %d bytes, need %d", len(mem), vq.layout.allocSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%uintptr(align) != 0 {
		return nil, fmt.Errorf("allocator returned memory that is not aligned to %d bytes", align)
	}
	vq.alloc = mem
	vq.mem = mem[:vq.layout.size]
	vq.busAddr = busAddr
	clear(vq.alloc)

	vq.descriptorTable = newDescriptorTable(num, vq.layout.descriptorTable(vq.alloc))
	vq.availableRing = newAvailableRing(num, vq.layout.availableRing(vq.alloc))
	vq.usedRing = newUsedRing(num, vq.layout.usedRing(vq.alloc[:vq.layout.allocSize]))
	vq.chains = make([]chainState, num)
	vq.mapped = make([]uint64, num)

	// No callback is wanted until the caller enables it.
	vq.availFlagsShadow |= availableRingFlagNoInterrupt
	if !vq.eventIndex {
		vq.availableRing.publishFlags(vq.availFlagsShadow)
	}

	vq.metrics, err = newQueueMetrics(opts.registry, index)
	if err != nil {
		return nil, err
	}
	vq.metrics.free.Update(int64(num))

	vq.l.WithField("size", num).
		WithField("align", align).
		WithField("memory", vq.strategy).
		WithField("eventIndex", vq.eventIndex).
		Debug("Created virtqueue")

	return &vq, nil
}

// Index returns the index of the queue within its device.
func (vq *Virtqueue) Index() int {
	return vq.index
}

// Size returns the number of entries of the queue.
func (vq *Virtqueue) Size() int {
	return vq.num
}

// NumFree returns the number of descriptors that are currently not in use.
func (vq *Virtqueue) NumFree() int {
	return vq.descriptorTable.FreeNum()
}

// DescAddr returns the bus address of the descriptor table.
func (vq *Virtqueue) DescAddr() uint64 {
	return vq.busAddr
}

// AvailAddr returns the bus address of the available ring.
func (vq *Virtqueue) AvailAddr() uint64 {
	return vq.busAddr + uint64(vq.layout.availableRingStart)
}

// UsedAddr returns the bus address of the used ring.
func (vq *Virtqueue) UsedAddr() uint64 {
	return vq.busAddr + uint64(vq.layout.usedRingStart)
}

// Memory returns the [RingSize] bytes shared with the device. Its capacity
// covers the padding up to [AllocationSize]. It must not be modified.
func (vq *Virtqueue) Memory() []byte {
	return vq.mem
}

// DescriptorTable returns the [DescriptorTable] behind this queue.
func (vq *Virtqueue) DescriptorTable() *DescriptorTable {
	return vq.descriptorTable
}

// AvailableRing returns the [AvailableRing] behind this queue.
func (vq *Virtqueue) AvailableRing() *AvailableRing {
	return vq.availableRing
}

// UsedRing returns the [UsedRing] behind this queue.
func (vq *Virtqueue) UsedRing() *UsedRing {
	return vq.usedRing
}

// Add offers a buffer chain to the device, see [Virtqueue.AddWithToken].
func (vq *Virtqueue) Add(out, in [][]byte) error {
	return vq.AddWithToken(out, in, nil)
}

// AddWithToken offers a chain made of the device-readable buffers out followed
// by the device-writable buffers in. Every buffer takes one descriptor. The
// token is handed back with the [Completion] of the chain.
//
// When fewer descriptors are free than buffers were given,
// [ErrNotEnoughFreeDescriptors] is returned and nothing changes. If out was
// not empty the device is notified anyway, so it gets a chance to free some
// descriptors. When a buffer cannot be mapped, all buffers mapped so far are
// unmapped again and an error wrapping [ErrMappingFailed] is returned.
//
// The device only learns about the chain after [Virtqueue.Kick].
func (vq *Virtqueue) AddWithToken(out, in [][]byte, token any) error {
	total := len(out) + len(in)
	if total == 0 {
		return ErrDescriptorChainEmpty
	}

	if total > vq.descriptorTable.FreeNum() {
		vq.metrics.full.Inc(1)
		vq.l.WithField("needed", total).
			WithField("free", vq.descriptorTable.FreeNum()).
			Debug("Virtqueue is full")
		if len(out) > 0 {
			if err := vq.Notify(); err != nil {
				return errors.Join(ErrNotEnoughFreeDescriptors, err)
			}
		}
		return ErrNotEnoughFreeDescriptors
	}

	if err := vq.mapSegments(out, in); err != nil {
		vq.metrics.mappingFailed.Inc(1)
		vq.l.WithError(err).Debug("Failed to map buffer chain")
		return err
	}

	head, ok := vq.descriptorTable.allocateChain(total)
	if !ok {
		panic("descriptor allocation failed after free count was checked")
	}

	i := head
	for k := range total {
		desc := &vq.descriptorTable.descriptors[i]
		buf, dir := segmentAt(out, in, k)

		desc.address = vq.mapped[k]
		desc.length = uint32(len(buf))
		desc.flags = 0
		if dir == FromDevice {
			desc.flags |= descriptorFlagWritable
		}
		if k < total-1 {
			desc.flags |= descriptorFlagHasNext
			i = desc.next
		}
	}

	chain := &vq.chains[head]
	chain.inFlight = true
	chain.token = token
	chain.buffers = append(append(chain.buffers[:0], out...), in...)

	vq.availableRing.place(vq.availIndexShadow, head)
	publishBarrier()
	vq.availIndexShadow++
	vq.availableRing.publishIndex(vq.availIndexShadow)
	vq.numAdded++

	vq.metrics.added.Inc(1)
	vq.metrics.free.Update(int64(vq.descriptorTable.FreeNum()))

	// The device compares 16-bit indexes, so it must hear from us before
	// numAdded could wrap. The chain is published at this point, a failed
	// notification must not be reported as a failed add.
	if vq.numAdded == math.MaxUint16 {
		if err := vq.Kick(); err != nil {
			vq.metrics.notifyFailed.Inc(1)
			vq.l.WithError(err).
				WithField("added", math.MaxUint16).
				Warn("Failed to notify device before the added count wraps")
		}
	}

	return nil
}

func segmentAt(out, in [][]byte, k int) ([]byte, Direction) {
	if k < len(out) {
		return out[k], ToDevice
	}
	return in[k-len(out)], FromDevice
}

// mapSegments maps all buffers into vq.mapped. On failure nothing stays mapped.
func (vq *Virtqueue) mapSegments(out, in [][]byte) error {
	total := len(out) + len(in)
	for k := range total {
		buf, dir := segmentAt(out, in, k)
		if uint64(len(buf)) > math.MaxUint32 {
			vq.unmapSegments(out, in, k)
			return fmt.Errorf("%w: segment %d: %d bytes exceed the descriptor length limit",
				ErrMappingFailed, k, len(buf))
		}

		addr, err := vq.mapper.Map(buf, dir)
		if err != nil {
			vq.unmapSegments(out, in, k)
			return fmt.Errorf("%w: segment %d: %w", ErrMappingFailed, k, err)
		}
		vq.mapped[k] = addr
	}
	return nil
}

// unmapSegments undoes the first n mappings of mapSegments.
func (vq *Virtqueue) unmapSegments(out, in [][]byte, n int) {
	for k := range n {
		buf, dir := segmentAt(out, in, k)
		vq.mapper.Unmap(vq.mapped[k], uint32(len(buf)), dir)
	}
}

// KickPrepare decides whether the device has to be notified about the chains
// added since the last decision. It resets that count either way.
func (vq *Virtqueue) KickPrepare() bool {
	// Our index publication must be visible before we look at what the
	// device asked for.
	fullBarrier()

	newIndex := vq.availIndexShadow
	oldIndex := newIndex - vq.numAdded
	vq.numAdded = 0

	if vq.eventIndex {
		return needEvent(vq.usedRing.AvailableEvent(), newIndex, oldIndex)
	}
	return !vq.usedRing.noNotify()
}

// Notify rings the doorbell unconditionally.
func (vq *Virtqueue) Notify() error {
	vq.metrics.kicks.Inc(1)
	if err := vq.dev.Notify(vq.index); err != nil {
		return fmt.Errorf("notify device: %w", err)
	}
	return nil
}

// Kick notifies the device about newly added chains unless it asked to not be
// notified.
func (vq *Virtqueue) Kick() error {
	if !vq.KickPrepare() {
		vq.metrics.kicksSuppressed.Inc(1)
		return nil
	}
	return vq.Notify()
}

// moreUsed reports whether the device returned chains that were not consumed
// yet.
func (vq *Virtqueue) moreUsed() bool {
	return vq.lastUsedIndex != vq.usedRing.Index()
}

// GetBuf takes the next chain the device is done with and releases its
// descriptors. It returns false when the device has not returned anything.
//
// A used entry naming a descriptor that is out of range or not in flight is
// logged and skipped, GetBuf then returns false and the next call continues
// with the following entry.
func (vq *Virtqueue) GetBuf() (Completion, bool) {
	if !vq.moreUsed() {
		return Completion{}, false
	}
	// The entries must only be read after the index that covers them.
	observeBarrier()

	elem := vq.usedRing.Entry(vq.lastUsedIndex)
	completion, ok := vq.detach(elem)
	vq.lastUsedIndex++

	if vq.eventIndex && vq.availFlagsShadow&availableRingFlagNoInterrupt == 0 {
		vq.availableRing.storeUsedEvent(vq.lastUsedIndex)
		fullBarrier()
	}

	return completion, ok
}

// detach returns the chain of a used element to the free chain.
func (vq *Virtqueue) detach(elem UsedElement) (Completion, bool) {
	id := elem.DescriptorIndex
	head, ok := elem.head(vq.num)
	if !ok || !vq.chains[head].inFlight {
		vq.metrics.unexpectedID.Inc(1)
		vq.l.WithField("id", id).
			WithField("usedIndex", vq.lastUsedIndex).
			Error("Device returned a descriptor that is not in flight")
		return Completion{}, false
	}

	completion := Completion{
		Addr:  vq.descriptorTable.descriptors[head].address,
		Len:   elem.Length,
		Token: vq.chains[head].token,
	}

	if err := vq.releaseChain(head); err != nil {
		vq.metrics.unexpectedID.Inc(1)
		vq.l.WithError(err).WithField("id", id).Error("Failed to release used descriptor chain")
		return Completion{}, false
	}

	vq.metrics.used.Inc(1)
	return completion, true
}

func (vq *Virtqueue) releaseChain(head uint16) error {
	if _, err := vq.descriptorTable.releaseChain(head, vq.unmapDescriptor); err != nil {
		return err
	}

	chain := &vq.chains[head]
	chain.inFlight = false
	chain.token = nil
	clear(chain.buffers)
	chain.buffers = chain.buffers[:0]

	vq.metrics.free.Update(int64(vq.descriptorTable.FreeNum()))
	return nil
}

func (vq *Virtqueue) unmapDescriptor(desc *Descriptor) {
	vq.mapper.Unmap(desc.address, desc.length, desc.direction())
}

// WaitBuf polls [Virtqueue.GetBuf] until a chain was returned or ctx is done.
// The goroutine yields between polls.
func (vq *Virtqueue) WaitBuf(ctx context.Context) (Completion, error) {
	for {
		if completion, ok := vq.GetBuf(); ok {
			return completion, nil
		}
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		default:
			runtime.Gosched()
		}
	}
}

// LastUsedIndex returns the used ring index up to which chains were consumed.
// It can be passed to [Virtqueue.Poll] later.
func (vq *Virtqueue) LastUsedIndex() uint16 {
	return vq.lastUsedIndex
}

// Poll reports whether the device returned chains beyond lastUsed.
func (vq *Virtqueue) Poll(lastUsed uint16) bool {
	fullBarrier()
	return lastUsed != vq.usedRing.Index()
}

// EnableCallbacks asks the device to interrupt the driver when it returns a
// chain. It returns false when chains are already pending, in which case the
// caller should consume them first because no interrupt will follow for them.
func (vq *Virtqueue) EnableCallbacks() bool {
	if vq.availFlagsShadow&availableRingFlagNoInterrupt != 0 {
		vq.availFlagsShadow &^= availableRingFlagNoInterrupt
		if !vq.eventIndex {
			vq.availableRing.publishFlags(vq.availFlagsShadow)
		}
	}
	vq.availableRing.storeUsedEvent(vq.lastUsedIndex)

	return !vq.Poll(vq.lastUsedIndex)
}

// DisableCallbacks asks the device to not interrupt the driver. The device may
// ignore this.
func (vq *Virtqueue) DisableCallbacks() {
	if vq.availFlagsShadow&availableRingFlagNoInterrupt == 0 {
		vq.availFlagsShadow |= availableRingFlagNoInterrupt
		if !vq.eventIndex {
			vq.availableRing.publishFlags(vq.availFlagsShadow)
		}
	}
}

// Destroy releases the memory of the queue. The device must have stopped
// accessing the queue before. Chains that are still in flight are unmapped.
func (vq *Virtqueue) Destroy() error {
	if vq.mem == nil {
		return nil
	}

	var errs []error
	inFlight := 0
	for head := range vq.chains {
		if !vq.chains[head].inFlight {
			continue
		}
		inFlight++
		if err := vq.releaseChain(uint16(head)); err != nil {
			errs = append(errs, fmt.Errorf("release chain %d: %w", head, err))
		}
	}
	if inFlight > 0 {
		vq.l.WithField("chains", inFlight).Warn("Destroying virtqueue with chains in flight")
	}

	if err := vq.allocator.Free(vq.alloc, vq.busAddr); err != nil {
		errs = append(errs, fmt.Errorf("free %s ring memory: %w", vq.strategy, err))
	}
	vq.alloc = nil
	vq.mem = nil
	vq.descriptorTable = nil
	vq.availableRing = nil
	vq.usedRing = nil
	vq.metrics.unregister()

	return errors.Join(errs...)
}

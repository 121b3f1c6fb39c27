package loopback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/slackhq/vring/virtqueue"
)

const (
	descNext  = 1
	descWrite = 2

	availNoInterrupt = 1
	usedNoNotify     = 1
)

// Resolver gives the device access to the buffer behind a descriptor.
type Resolver func(addr uint64, length uint32, dir virtqueue.Direction) ([]byte, error)

// IdentityResolver resolves bus addresses that are virtual addresses, as
// handed out by [virtqueue.IdentityMapper].
func IdentityResolver(addr uint64, length uint32, _ virtqueue.Direction) ([]byte, error) {
	if addr == 0 {
		return nil, errors.New("access to address 0")
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length), nil
}

// Request is a descriptor chain taken from the available ring.
type Request struct {
	Head uint16
	// Out holds the device-readable buffers, In the device-writable ones.
	Out [][]byte
	In  [][]byte
}

// Queue is the device side of a split virtqueue. It only works on the raw
// bytes of the shared memory and decodes the wire format itself.
//
// A Queue must only be used by one goroutine at a time.
type Queue struct {
	mem     []byte
	num     int
	resolve Resolver

	availStart int
	usedStart  int

	lastAvail uint16
	usedIndex uint16
	usedFlags uint16
}

// Attach returns the device side of vq. Buffers are looked up with resolve.
func Attach(vq *virtqueue.Virtqueue, resolve Resolver) *Queue {
	return &Queue{
		mem:        vq.Memory(),
		num:        vq.Size(),
		resolve:    resolve,
		availStart: int(vq.AvailAddr() - vq.DescAddr()),
		usedStart:  int(vq.UsedAddr() - vq.DescAddr()),
	}
}

func (q *Queue) word(offset int) *uint32 {
	return (*uint32)(unsafe.Pointer(&q.mem[offset]))
}

// AvailIndex returns the index published by the driver.
func (q *Queue) AvailIndex() uint16 {
	return uint16(atomic.LoadUint32(q.word(q.availStart)) >> 16)
}

// AvailFlags returns the flags published by the driver.
func (q *Queue) AvailFlags() uint16 {
	return uint16(atomic.LoadUint32(q.word(q.availStart)))
}

// WantsInterrupt reports whether the driver left callbacks enabled.
func (q *Queue) WantsInterrupt() bool {
	return q.AvailFlags()&availNoInterrupt == 0
}

// UsedEvent returns the used_event field written by the driver. It must not
// be called while the driver may write it.
func (q *Queue) UsedEvent() uint16 {
	off := q.availStart + 4 + 2*q.num
	return binary.LittleEndian.Uint16(q.mem[off:])
}

// SetAvailEvent writes the avail_event field, the available index after which
// the device wants to be notified. The upper half of its word is padding, so
// the whole word is stored at once. Like every atomic store this is ordered
// before the following load of the available index.
func (q *Queue) SetAvailEvent(index uint16) {
	atomic.StoreUint32(q.word(q.usedStart+4+8*q.num), uint32(index))
}

// SetNoNotify sets or clears the flag asking the driver to not notify.
func (q *Queue) SetNoNotify(noNotify bool) {
	if noNotify {
		q.usedFlags |= usedNoNotify
	} else {
		q.usedFlags &^= usedNoNotify
	}
	q.publishUsed()
}

// ArmAvailEvent asks the driver to notify the device once it publishes
// anything beyond what was taken so far.
func (q *Queue) ArmAvailEvent() {
	q.SetAvailEvent(q.lastAvail)
}

// UsedIndex returns the index the device published last.
func (q *Queue) UsedIndex() uint16 {
	return q.usedIndex
}

// Pending returns the number of chains the driver published that were not
// taken yet.
func (q *Queue) Pending() int {
	return int(q.AvailIndex() - q.lastAvail)
}

// Descriptor decodes the descriptor at index.
func (q *Queue) Descriptor(index uint16) (addr uint64, length uint32, flags uint16, next uint16) {
	d := q.mem[int(index)*16:]
	return binary.LittleEndian.Uint64(d),
		binary.LittleEndian.Uint32(d[8:]),
		binary.LittleEndian.Uint16(d[12:]),
		binary.LittleEndian.Uint16(d[14:])
}

// Next takes the next chain from the available ring. It returns nil when the
// driver has not published anything new.
func (q *Queue) Next() (*Request, error) {
	if q.Pending() == 0 {
		return nil, nil
	}

	slot := q.availStart + 4 + 2*int(q.lastAvail&uint16(q.num-1))
	head := binary.LittleEndian.Uint16(q.mem[slot:])
	q.lastAvail++
	if int(head) >= q.num {
		return nil, fmt.Errorf("available ring names descriptor %d of %d", head, q.num)
	}

	req := &Request{Head: head}
	index := head
	for n := 0; ; n++ {
		if n == q.num {
			return nil, fmt.Errorf("chain at %d is longer than the queue", head)
		}

		addr, length, flags, next := q.Descriptor(index)
		dir := virtqueue.ToDevice
		if flags&descWrite != 0 {
			dir = virtqueue.FromDevice
		} else if len(req.In) > 0 {
			return nil, fmt.Errorf("chain at %d has a readable descriptor after a writable one", head)
		}

		buf, err := q.resolve(addr, length, dir)
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", index, err)
		}
		if dir == virtqueue.FromDevice {
			req.In = append(req.In, buf)
		} else {
			req.Out = append(req.Out, buf)
		}

		if flags&descNext == 0 {
			return req, nil
		}
		if int(next) >= q.num {
			return nil, fmt.Errorf("descriptor %d links to %d", index, next)
		}
		index = next
	}
}

// Complete returns a chain to the driver with the number of bytes written.
func (q *Queue) Complete(id uint32, written uint32) {
	off := q.usedStart + 4 + 8*int(q.usedIndex&uint16(q.num-1))
	binary.LittleEndian.PutUint32(q.mem[off:], id)
	binary.LittleEndian.PutUint32(q.mem[off+4:], written)
	q.usedIndex++
	q.publishUsed()
}

// publishUsed stores flags and index with one release store.
func (q *Queue) publishUsed() {
	atomic.StoreUint32(q.word(q.usedStart), uint32(q.usedFlags)|uint32(q.usedIndex)<<16)
}

// Echo serves every pending chain by copying its readable buffers into its
// writable buffers, as far as they fit, and completing it with the number of
// bytes copied. It returns the number of chains served.
func (q *Queue) Echo() (int, error) {
	served := 0
	for {
		req, err := q.Next()
		if err != nil {
			return served, err
		}
		if req == nil {
			return served, nil
		}

		written := echo(req)
		q.Complete(uint32(req.Head), written)
		served++
	}
}

func echo(req *Request) uint32 {
	var (
		written uint32
		in      int
		inOff   int
	)
	for _, out := range req.Out {
		for len(out) > 0 && in < len(req.In) {
			n := copy(req.In[in][inOff:], out)
			out = out[n:]
			inOff += n
			written += uint32(n)
			if inOff == len(req.In[in]) {
				in++
				inOff = 0
			}
		}
	}
	return written
}

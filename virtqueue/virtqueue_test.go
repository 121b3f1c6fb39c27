package virtqueue_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/vring/internal/loopback"
	"github.com/slackhq/vring/test"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"github.com/slackhq/vring/virtqueue/virtqtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	vq        *virtqueue.Virtqueue
	dev       *virtqtest.Device
	mapper    *virtqtest.Mapper
	allocator *virtqtest.Allocator
	registry  metrics.Registry
	remote    *loopback.Queue
}

func newHarness(t *testing.T, num int, features virtio.Feature, opts ...virtqueue.Option) *harness {
	t.Helper()

	h := &harness{
		dev:       virtqtest.NewDevice(features),
		mapper:    virtqtest.NewMapper(),
		allocator: &virtqtest.Allocator{},
		registry:  metrics.NewRegistry(),
	}
	opts = append([]virtqueue.Option{
		virtqueue.WithMapper(h.mapper),
		virtqueue.WithPlainAllocator(h.allocator),
		virtqueue.WithPageSize(4096),
		virtqueue.WithLogger(test.NewLogger()),
		virtqueue.WithMetricsRegistry(h.registry),
	}, opts...)

	vq, err := virtqueue.New(0, num, 4096, h.dev, opts...)
	require.NoError(t, err)
	h.vq = vq
	h.remote = loopback.Attach(vq, h.mapper.Resolve)

	t.Cleanup(func() {
		if h.vq.Memory() != nil {
			assert.NoError(t, h.vq.Destroy())
		}
		assert.Empty(t, h.mapper.Errors())
	})
	return h
}

func (h *harness) counter(name string) int64 {
	c, ok := h.registry.Get("virtqueue.0." + name).(metrics.Counter)
	if !ok {
		return -1
	}
	return c.Count()
}

func TestVirtqueue_AddChain(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq
	require.Equal(t, 8, vq.NumFree())

	out := [][]byte{[]byte("header"), []byte("payload")}
	in := [][]byte{make([]byte, 32)}
	require.NoError(t, vq.Add(out, in))

	assert.Equal(t, 5, vq.NumFree())
	assert.Equal(t, uint16(0), vq.AvailableRing().Entry(0))
	assert.Equal(t, uint16(1), vq.AvailableRing().Index())

	dt := vq.DescriptorTable()
	d0, d1, d2 := dt.Descriptor(0), dt.Descriptor(1), dt.Descriptor(2)
	assert.True(t, d0.HasNext())
	assert.False(t, d0.Writable())
	assert.Equal(t, uint16(1), d0.Next())
	assert.Equal(t, uint32(6), d0.Length())
	assert.True(t, d1.HasNext())
	assert.False(t, d1.Writable())
	assert.Equal(t, uint16(2), d1.Next())
	assert.Equal(t, uint32(7), d1.Length())
	assert.False(t, d2.HasNext())
	assert.True(t, d2.Writable())
	assert.Equal(t, uint32(32), d2.Length())

	// The device sees the same thing on the wire.
	for i, wantFlags := range []uint16{1, 1, 2} {
		_, _, flags, _ := h.remote.Descriptor(uint16(i))
		assert.Equal(t, wantFlags, flags, "descriptor %d", i)
	}
	assert.Equal(t, 3, h.mapper.Live())
	assert.Equal(t, int64(1), h.counter("added"))
}

func TestVirtqueue_RoundTrip(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq

	out := [][]byte{[]byte("a"), []byte("bc")}
	in := [][]byte{make([]byte, 4)}
	require.NoError(t, vq.AddWithToken(out, in, "request-1"))
	firstAddr := h.mapper.Addresses()[0]

	_, ok := vq.GetBuf()
	assert.False(t, ok, "nothing was used yet")

	req, err := h.remote.Next()
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("bc")}, req.Out)
	require.Len(t, req.In, 1)
	h.remote.Complete(uint32(req.Head), 42)

	completion, ok := vq.GetBuf()
	require.True(t, ok)
	assert.Equal(t, firstAddr, completion.Addr)
	assert.Equal(t, uint32(42), completion.Len)
	assert.Equal(t, "request-1", completion.Token)

	_, ok = vq.GetBuf()
	assert.False(t, ok)

	assert.Equal(t, 8, vq.NumFree())
	assert.Zero(t, h.mapper.Live())
	assert.Equal(t, int64(1), h.counter("used"))
}

func TestVirtqueue_Echo(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq

	in := make([]byte, 16)
	require.NoError(t, vq.Add([][]byte{[]byte("hello"), []byte(" world")}, [][]byte{in}))
	require.NoError(t, vq.Kick())

	served, err := h.remote.Echo()
	require.NoError(t, err)
	assert.Equal(t, 1, served)

	completion, ok := vq.GetBuf()
	require.True(t, ok)
	assert.Equal(t, uint32(11), completion.Len)
	assert.Equal(t, "hello world", string(in[:completion.Len]))
}

func TestVirtqueue_FreeListConservation(t *testing.T) {
	h := newHarness(t, 16, 0)
	vq := h.vq

	for round := range 10 {
		added := 0
		for {
			out := [][]byte{[]byte(fmt.Sprintf("round %d chain %d", round, added))}
			in := [][]byte{make([]byte, 8), make([]byte, 8)}
			err := vq.Add(out, in)
			if errors.Is(err, virtqueue.ErrNotEnoughFreeDescriptors) {
				break
			}
			require.NoError(t, err)
			added++
		}
		assert.Equal(t, 5, added)
		assert.Equal(t, 1, vq.NumFree())

		served, err := h.remote.Echo()
		require.NoError(t, err)
		assert.Equal(t, added, served)

		for range added {
			_, ok := vq.GetBuf()
			require.True(t, ok)
		}
		assert.Equal(t, 16, vq.NumFree())
		assert.Zero(t, h.mapper.Live())
	}
}

func TestVirtqueue_Backpressure(t *testing.T) {
	h := newHarness(t, 4, 0)
	vq := h.vq

	require.NoError(t, vq.Add([][]byte{[]byte("x")}, [][]byte{make([]byte, 1)}))
	require.NoError(t, vq.Add([][]byte{[]byte("y")}, [][]byte{make([]byte, 1)}))
	require.Zero(t, vq.NumFree())

	before := bytes.Clone(vq.Memory())
	freeHead := vq.DescriptorTable().FreeHead()
	mapCalls := h.mapper.Calls()

	err := vq.Add([][]byte{[]byte("z")}, nil)
	assert.ErrorIs(t, err, virtqueue.ErrNotEnoughFreeDescriptors)
	assert.Equal(t, before, vq.Memory())
	assert.Equal(t, freeHead, vq.DescriptorTable().FreeHead())
	assert.Zero(t, vq.NumFree())
	assert.Equal(t, mapCalls, h.mapper.Calls())
	assert.Equal(t, uint16(2), vq.AvailableRing().Index())

	// Out buffers make it notify the device anyway.
	assert.Equal(t, 1, h.dev.Notifications(0))

	err = vq.Add(nil, [][]byte{make([]byte, 1)})
	assert.ErrorIs(t, err, virtqueue.ErrNotEnoughFreeDescriptors)
	assert.Equal(t, 1, h.dev.Notifications(0))
	assert.Equal(t, int64(2), h.counter("full"))

	// A chain longer than the whole queue can never fit.
	served, err := h.remote.Echo()
	require.NoError(t, err)
	require.Equal(t, 2, served)
	for range 2 {
		_, ok := vq.GetBuf()
		require.True(t, ok)
	}
	big := make([][]byte, 5)
	for i := range big {
		big[i] = []byte{byte(i)}
	}
	assert.ErrorIs(t, vq.Add(big, nil), virtqueue.ErrNotEnoughFreeDescriptors)
}

func TestVirtqueue_BackpressureNotifyError(t *testing.T) {
	h := newHarness(t, 1, 0)
	vq := h.vq

	require.NoError(t, vq.Add([][]byte{[]byte("x")}, nil))
	broken := errors.New("doorbell broken")
	h.dev.FailNotify(broken)

	err := vq.Add([][]byte{[]byte("y")}, nil)
	assert.ErrorIs(t, err, virtqueue.ErrNotEnoughFreeDescriptors)
	assert.ErrorIs(t, err, broken)
}

func TestVirtqueue_EmptyChain(t *testing.T) {
	h := newHarness(t, 4, 0)
	assert.ErrorIs(t, h.vq.Add(nil, nil), virtqueue.ErrDescriptorChainEmpty)
	assert.ErrorIs(t, h.vq.Add([][]byte{}, [][]byte{}), virtqueue.ErrDescriptorChainEmpty)
	assert.Equal(t, 4, h.vq.NumFree())
}

func TestVirtqueue_MappingFailureUnwinds(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq

	before := bytes.Clone(vq.Memory())
	h.mapper.FailCall(3)

	err := vq.Add([][]byte{[]byte("a"), []byte("b")}, [][]byte{make([]byte, 4), make([]byte, 4)})
	assert.ErrorIs(t, err, virtqueue.ErrMappingFailed)
	assert.ErrorIs(t, err, virtqtest.ErrInjectedFault)

	assert.Zero(t, h.mapper.Live(), "mapped segments must be unmapped again")
	assert.Equal(t, 8, vq.NumFree())
	assert.Equal(t, before, vq.Memory())
	assert.Equal(t, int64(1), h.counter("mapping_failed"))

	// Failing the very first segment leaves nothing to undo.
	h.mapper.FailCall(4)
	err = vq.Add([][]byte{[]byte("a")}, nil)
	assert.ErrorIs(t, err, virtqueue.ErrMappingFailed)
	assert.Zero(t, h.mapper.Live())

	require.NoError(t, vq.Add([][]byte{[]byte("a"), []byte("b")}, [][]byte{make([]byte, 4)}))
	assert.Equal(t, 5, vq.NumFree())
	assert.Equal(t, uint16(1), vq.AvailableRing().Index())
}

func TestVirtqueue_IndexWraparound(t *testing.T) {
	h := newHarness(t, 4, 0)
	vq := h.vq

	const rounds = 70000
	for i := range rounds {
		payload := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		in := make([]byte, 3)
		require.NoError(t, vq.AddWithToken([][]byte{payload}, [][]byte{in}, i))

		served, err := h.remote.Echo()
		require.NoError(t, err)
		require.Equal(t, 1, served)

		completion, ok := vq.GetBuf()
		require.True(t, ok, "round %d", i)
		require.Equal(t, i, completion.Token)
		require.Equal(t, payload, in)
	}

	assert.Equal(t, uint16(rounds%65536), vq.AvailableRing().Index())
	assert.Equal(t, uint16(rounds%65536), vq.LastUsedIndex())
	assert.Equal(t, uint16(rounds%65536), vq.UsedRing().Index())
	assert.Equal(t, 4, vq.NumFree())

	// Nobody kicked, so the queue did it by itself before the count of
	// pending additions could wrap.
	assert.Equal(t, 1, h.dev.Notifications(0))
}

func TestVirtqueue_WraparoundKickFailure(t *testing.T) {
	h := newHarness(t, 1, 0)
	vq := h.vq

	roundTrip := func(i int) {
		t.Helper()
		in := make([]byte, 1)
		require.NoError(t, vq.AddWithToken([][]byte{{byte(i)}}, [][]byte{in}, i))

		served, err := h.remote.Echo()
		require.NoError(t, err)
		require.Equal(t, 1, served)

		completion, ok := vq.GetBuf()
		require.True(t, ok, "round %d", i)
		require.Equal(t, i, completion.Token)
		require.Equal(t, byte(i), in[0])
	}

	for i := range math.MaxUint16 - 1 {
		roundTrip(i)
	}
	require.Zero(t, h.dev.Notifications(0))

	// The addition that forces a kick still succeeds when the doorbell fails,
	// its chain is already visible to the device.
	h.dev.FailNotify(errors.New("doorbell broken"))
	require.NoError(t, vq.AddWithToken([][]byte{{0xaa}}, [][]byte{make([]byte, 1)}, "last"))
	assert.Equal(t, 1, h.dev.Notifications(0))
	assert.Equal(t, int64(1), h.counter("notify_failed"))
	assert.Zero(t, vq.NumFree())
	assert.Equal(t, uint16(math.MaxUint16), vq.AvailableRing().Index())

	served, err := h.remote.Echo()
	require.NoError(t, err)
	require.Equal(t, 1, served)
	completion, ok := vq.GetBuf()
	require.True(t, ok)
	assert.Equal(t, "last", completion.Token)
	assert.Equal(t, 1, vq.NumFree())

	h.dev.FailNotify(nil)
	roundTrip(math.MaxUint16)
	assert.Equal(t, 1, vq.NumFree())
}

func TestVirtqueue_OutOfOrderCompletion(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq

	for i := range 3 {
		require.NoError(t, vq.AddWithToken([][]byte{{byte(i)}}, nil, i))
	}

	var reqs []*loopback.Request
	for {
		req, err := h.remote.Next()
		require.NoError(t, err)
		if req == nil {
			break
		}
		reqs = append(reqs, req)
	}
	require.Len(t, reqs, 3)

	for _, i := range []int{2, 0, 1} {
		h.remote.Complete(uint32(reqs[i].Head), 0)
	}

	var tokens []any
	for {
		completion, ok := vq.GetBuf()
		if !ok {
			break
		}
		tokens = append(tokens, completion.Token)
	}
	assert.Equal(t, []any{2, 0, 1}, tokens)
	assert.Equal(t, 8, vq.NumFree())

	// Released chains are reused from the front of the free chain.
	require.NoError(t, vq.Add([][]byte{{9}}, nil))
	assert.Equal(t, reqs[1].Head, vq.AvailableRing().Entry(3))
}

func TestVirtqueue_UnexpectedID(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq

	require.NoError(t, vq.AddWithToken([][]byte{[]byte("ok")}, nil, "valid"))
	req, err := h.remote.Next()
	require.NoError(t, err)

	// Out of range, then in range but not in flight.
	h.remote.Complete(99, 1)
	h.remote.Complete(5, 1)
	h.remote.Complete(uint32(req.Head), 2)

	_, ok := vq.GetBuf()
	assert.False(t, ok)
	assert.Equal(t, uint16(1), vq.LastUsedIndex())
	_, ok = vq.GetBuf()
	assert.False(t, ok)
	assert.Equal(t, uint16(2), vq.LastUsedIndex())

	completion, ok := vq.GetBuf()
	require.True(t, ok)
	assert.Equal(t, "valid", completion.Token)

	// The same chain returned twice is only released once.
	h.remote.Complete(uint32(req.Head), 2)
	_, ok = vq.GetBuf()
	assert.False(t, ok)

	assert.Equal(t, 8, vq.NumFree())
	assert.Equal(t, int64(3), h.counter("unexpected_id"))
}

func TestVirtqueue_NotificationSuppression(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq

	require.NoError(t, vq.Add([][]byte{[]byte("a")}, nil))
	h.remote.SetNoNotify(true)
	require.NoError(t, vq.Kick())
	assert.Zero(t, h.dev.Notifications(0))
	assert.Equal(t, int64(1), h.counter("kicks_suppressed"))

	require.NoError(t, vq.Add([][]byte{[]byte("b")}, nil))
	h.remote.SetNoNotify(false)
	require.NoError(t, vq.Kick())
	assert.Equal(t, 1, h.dev.Notifications(0))
	assert.Equal(t, int64(1), h.counter("kicks"))
}

func TestVirtqueue_NotificationEventIndex(t *testing.T) {
	tests := []struct {
		name       string
		availEvent uint16
		added      int
		wantKick   bool
	}{
		{name: "event at first addition", availEvent: 0, added: 3, wantKick: true},
		{name: "event at last addition", availEvent: 2, added: 3, wantKick: true},
		{name: "event not reached", availEvent: 3, added: 3, wantKick: false},
		{name: "event far ahead", availEvent: 100, added: 1, wantKick: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 8, virtio.FeatureEventIndex)
			for range tt.added {
				require.NoError(t, h.vq.Add([][]byte{[]byte("a")}, nil))
			}
			// NO_NOTIFY is ignored when event indexes are in use.
			h.remote.SetNoNotify(!tt.wantKick)
			h.remote.SetAvailEvent(tt.availEvent)

			assert.Equal(t, tt.wantKick, h.vq.KickPrepare())
		})
	}
}

func TestVirtqueue_KickResetsAddedCount(t *testing.T) {
	h := newHarness(t, 8, virtio.FeatureEventIndex)
	vq := h.vq

	require.NoError(t, vq.Add([][]byte{[]byte("a")}, nil))
	h.remote.SetAvailEvent(0)
	assert.True(t, vq.KickPrepare())

	// Nothing was added since, so the device is not interested again.
	assert.False(t, vq.KickPrepare())

	require.NoError(t, vq.Add([][]byte{[]byte("b")}, nil))
	h.remote.SetAvailEvent(1)
	require.NoError(t, vq.Kick())
	assert.Equal(t, 1, h.dev.Notifications(0))
}

func TestVirtqueue_Callbacks(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq

	assert.False(t, h.remote.WantsInterrupt(), "callbacks start disabled")

	assert.True(t, vq.EnableCallbacks())
	assert.True(t, h.remote.WantsInterrupt())

	vq.DisableCallbacks()
	assert.False(t, h.remote.WantsInterrupt())

	require.NoError(t, vq.Add([][]byte{[]byte("a")}, nil))
	_, err := h.remote.Echo()
	require.NoError(t, err)

	assert.False(t, vq.EnableCallbacks(), "a used chain is pending")
	assert.True(t, vq.Poll(0))
	_, ok := vq.GetBuf()
	require.True(t, ok)
	assert.False(t, vq.Poll(vq.LastUsedIndex()))
}

func TestVirtqueue_CallbacksEventIndex(t *testing.T) {
	h := newHarness(t, 8, virtio.FeatureEventIndex)
	vq := h.vq

	// With event indexes the flags are left alone.
	assert.True(t, h.remote.WantsInterrupt())

	require.NoError(t, vq.Add([][]byte{[]byte("a")}, nil))
	require.NoError(t, vq.Add([][]byte{[]byte("b")}, nil))
	_, err := h.remote.Echo()
	require.NoError(t, err)

	// Disabled callbacks do not move used_event.
	_, ok := vq.GetBuf()
	require.True(t, ok)
	assert.Equal(t, uint16(0), h.remote.UsedEvent())

	assert.False(t, vq.EnableCallbacks())
	assert.Equal(t, uint16(1), h.remote.UsedEvent())

	_, ok = vq.GetBuf()
	require.True(t, ok)
	assert.Equal(t, uint16(2), h.remote.UsedEvent())
	assert.True(t, h.remote.WantsInterrupt())
}

func TestVirtqueue_WaitBuf(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := vq.WaitBuf(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	in := make([]byte, 4)
	require.NoError(t, vq.AddWithToken([][]byte{[]byte("ping")}, [][]byte{in}, 7))

	done := make(chan error, 1)
	go func() {
		<-h.dev.Kicks()
		_, err := h.remote.Echo()
		done <- err
	}()
	require.NoError(t, vq.Kick())

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	completion, err := vq.WaitBuf(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, 7, completion.Token)
	assert.Equal(t, "ping", string(in))
}

func TestVirtqueue_Destroy(t *testing.T) {
	h := newHarness(t, 8, 0)
	vq := h.vq

	require.NoError(t, vq.Add([][]byte{[]byte("a")}, [][]byte{make([]byte, 1)}))
	require.NoError(t, vq.Add([][]byte{[]byte("b")}, nil))
	assert.Equal(t, 3, h.mapper.Live())
	assert.Equal(t, 1, h.allocator.Live())

	require.NoError(t, vq.Destroy())
	assert.Zero(t, h.mapper.Live())
	assert.Zero(t, h.allocator.Live())
	assert.Nil(t, vq.Memory())
	assert.Nil(t, h.registry.Get("virtqueue.0.added"))

	require.NoError(t, vq.Destroy())
}

func TestVirtqueue_Dump(t *testing.T) {
	h := newHarness(t, 4, 0)
	require.NoError(t, h.vq.Add([][]byte{[]byte("a")}, [][]byte{make([]byte, 1)}))

	var sb strings.Builder
	h.vq.Dump(&sb)
	out := sb.String()
	assert.Contains(t, out, "virtqueue 0: size=4 memory=plain")
	assert.Contains(t, out, "free=2 free_head=0x2")
	assert.Contains(t, out, "shadow_idx=1")
	assert.Contains(t, out, "desc[0]:")
	assert.Contains(t, out, "in_flight_head=true")
	assert.Contains(t, out, "desc[3]:")

	require.NoError(t, h.vq.Destroy())
	sb.Reset()
	h.vq.Dump(&sb)
	assert.Equal(t, "virtqueue 0: destroyed\n", sb.String())
}

func TestNew_Validation(t *testing.T) {
	dev := virtqtest.NewDevice(0)
	opts := []virtqueue.Option{
		virtqueue.WithPlainAllocator(&virtqtest.Allocator{}),
		virtqueue.WithLogger(test.NewLogger()),
		virtqueue.WithMetricsRegistry(nil),
	}

	_, err := virtqueue.New(0, 6, 4096, dev, opts...)
	assert.ErrorIs(t, err, virtqueue.ErrQueueSizeInvalid)
	_, err = virtqueue.New(0, 65536, 4096, dev, opts...)
	assert.ErrorIs(t, err, virtqueue.ErrQueueSizeInvalid)
	_, err = virtqueue.New(0, 8, 3, dev, opts...)
	assert.ErrorIs(t, err, virtqueue.ErrAlignmentInvalid)
	_, err = virtqueue.New(0, 8, 4096, nil, opts...)
	assert.Error(t, err)
	_, err = virtqueue.New(0, 8, 4096, dev, append(opts, virtqueue.WithPageSize(1000))...)
	assert.Error(t, err)
	_, err = virtqueue.New(0, 8, 4096, dev, append(opts, virtqueue.WithMapper(nil))...)
	assert.Error(t, err)
}

func TestNew_DuplicateIndex(t *testing.T) {
	h := newHarness(t, 4, 0)
	require.NoError(t, h.vq.Add([][]byte{[]byte("a")}, nil))

	a := &virtqtest.Allocator{}
	newQueue := func(index int) (*virtqueue.Virtqueue, error) {
		return virtqueue.New(index, 4, 4096, h.dev,
			virtqueue.WithPlainAllocator(a),
			virtqueue.WithLogger(test.NewLogger()),
			virtqueue.WithMetricsRegistry(h.registry),
		)
	}

	_, err := newQueue(0)
	require.ErrorIs(t, err, virtqueue.ErrQueueIndexInUse)
	assert.Zero(t, a.Live())
	assert.Equal(t, int64(1), h.registry.Get("virtqueue.0.added").(metrics.Counter).Count())

	other, err := newQueue(1)
	require.NoError(t, err)
	require.NoError(t, other.Destroy())
	assert.Nil(t, h.registry.Get("virtqueue.1.added"))
	assert.NotNil(t, h.registry.Get("virtqueue.0.added"))

	require.NoError(t, h.vq.Destroy())
	vq, err := newQueue(0)
	require.NoError(t, err)
	assert.Zero(t, h.registry.Get("virtqueue.0.added").(metrics.Counter).Count())
	require.NoError(t, vq.Destroy())
}

func TestNew_Sizing(t *testing.T) {
	tests := []struct {
		name         string
		num          int
		align        int
		maxSize      int
		wantSize     int
		wantRequests []int
	}{
		{
			name:         "first attempt",
			num:          256,
			align:        4096,
			wantSize:     256,
			wantRequests: []int{virtqueue.AllocationSize(256, 4096)},
		},
		{
			name:     "halved until it fits",
			num:      256,
			align:    4096,
			maxSize:  virtqueue.AllocationSize(64, 4096),
			wantSize: 64,
			wantRequests: []int{
				virtqueue.AllocationSize(256, 4096),
				virtqueue.AllocationSize(128, 4096),
				virtqueue.AllocationSize(64, 4096),
			},
		},
		{
			name:     "single page fallback",
			num:      256,
			align:    4,
			maxSize:  4096,
			wantSize: 128,
			wantRequests: []int{
				virtqueue.AllocationSize(256, 4),
				virtqueue.AllocationSize(128, 4),
			},
		},
		{
			name:         "fits a page right away",
			num:          64,
			align:        4,
			wantSize:     64,
			wantRequests: []int{virtqueue.AllocationSize(64, 4)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &virtqtest.Allocator{MaxSize: tt.maxSize}
			vq, err := virtqueue.New(3, tt.num, tt.align, virtqtest.NewDevice(0),
				virtqueue.WithPlainAllocator(a),
				virtqueue.WithPageSize(4096),
				virtqueue.WithLogger(test.NewLogger()),
				virtqueue.WithMetricsRegistry(nil),
			)
			require.NoError(t, err)

			assert.Equal(t, tt.wantSize, vq.Size())
			assert.Equal(t, tt.wantSize, vq.NumFree())
			assert.Equal(t, 3, vq.Index())
			assert.Equal(t, tt.wantRequests, a.Requests())
			assert.Len(t, vq.Memory(), virtqueue.RingSize(tt.wantSize, tt.align))
			assert.Zero(t, vq.UsedAddr()%uint64(tt.align))

			require.NoError(t, vq.Destroy())
			assert.Zero(t, a.Live())
		})
	}
}

func TestNew_SizeIsPowerOfTwo(t *testing.T) {
	for num := 1; num <= 32768; num *= 2 {
		for _, maxSize := range []int{0, 4096, 3 * 4096} {
			a := &virtqtest.Allocator{MaxSize: maxSize}
			vq, err := virtqueue.New(0, num, 4, virtqtest.NewDevice(0),
				virtqueue.WithPlainAllocator(a),
				virtqueue.WithPageSize(4096),
				virtqueue.WithLogger(test.NewLogger()),
				virtqueue.WithMetricsRegistry(nil),
			)
			require.NoError(t, err, "num %d max %d", num, maxSize)

			size := vq.Size()
			assert.LessOrEqual(t, size, num)
			assert.NoError(t, virtqueue.CheckQueueSize(size))
			if maxSize > 0 {
				assert.LessOrEqual(t, len(vq.Memory()), max(maxSize, 4096))
			}
			require.NoError(t, vq.Destroy())
		}
	}
}

func TestNew_OutOfMemory(t *testing.T) {
	a := &virtqtest.Allocator{FailAll: true}
	_, err := virtqueue.New(0, 8, 4096, virtqtest.NewDevice(0),
		virtqueue.WithPlainAllocator(a),
		virtqueue.WithPageSize(4096),
		virtqueue.WithLogger(test.NewLogger()),
	)
	assert.ErrorIs(t, err, virtqueue.ErrOutOfMemory)
	// Every size is larger than a page with this alignment.
	assert.Len(t, a.Requests(), 4)

	a = &virtqtest.Allocator{FailAll: true}
	_, err = virtqueue.New(0, 8, 4, virtqtest.NewDevice(0),
		virtqueue.WithPlainAllocator(a),
		virtqueue.WithPageSize(4096),
		virtqueue.WithLogger(test.NewLogger()),
	)
	assert.ErrorIs(t, err, virtqueue.ErrOutOfMemory)
	assert.ErrorIs(t, err, virtqtest.ErrInjectedFault)
	assert.Len(t, a.Requests(), 1)
}

func TestNew_MemoryStrategy(t *testing.T) {
	dev := virtqtest.NewDevice(virtio.FeatureAccessPlatform)
	plain := &virtqtest.Allocator{}

	_, err := virtqueue.New(0, 8, 4096, dev,
		virtqueue.WithPlainAllocator(plain),
		virtqueue.WithLogger(test.NewLogger()),
	)
	assert.ErrorIs(t, err, virtqueue.ErrNoDMAAllocator)

	dma := &virtqtest.Allocator{BusBase: 0x8000_0000}
	vq, err := virtqueue.New(0, 8, 4096, dev,
		virtqueue.WithPlainAllocator(plain),
		virtqueue.WithDMAAllocator(dma),
		virtqueue.WithLogger(test.NewLogger()),
		virtqueue.WithMetricsRegistry(nil),
	)
	require.NoError(t, err)
	assert.Empty(t, plain.Requests())
	assert.Equal(t, 1, dma.Live())
	assert.Equal(t, uint64(0x8000_0000), vq.DescAddr())
	assert.Equal(t, uint64(0x8000_0000+16*8), vq.AvailAddr())
	assert.Equal(t, uint64(0x8000_0000+4096), vq.UsedAddr())

	require.NoError(t, vq.Destroy())
	assert.Zero(t, dma.Live())
	assert.Zero(t, plain.Live())
}

func TestNew_PageAllocator(t *testing.T) {
	vq, err := virtqueue.New(1, 256, 4096, virtqtest.NewDevice(0),
		virtqueue.WithLogger(test.NewLogger()),
		virtqueue.WithMetricsRegistry(nil),
	)
	require.NoError(t, err)
	assert.Equal(t, 256, vq.Size())

	in := make([]byte, 8)
	require.NoError(t, vq.AddWithToken([][]byte{[]byte("identity")}, [][]byte{in}, "page"))

	remote := loopback.Attach(vq, loopback.IdentityResolver)
	served, err := remote.Echo()
	require.NoError(t, err)
	assert.Equal(t, 1, served)

	completion, ok := vq.GetBuf()
	require.True(t, ok)
	assert.Equal(t, "page", completion.Token)
	assert.Equal(t, "identity", string(in))

	require.NoError(t, vq.Destroy())
}

func TestVirtqueue_LargeSegment(t *testing.T) {
	h := newHarness(t, 8, 0)
	require.NoError(t, h.vq.Add([][]byte{make([]byte, math.MaxUint16+1)}, nil))
	_, length, _, _ := h.remote.Descriptor(0)
	assert.Equal(t, uint32(math.MaxUint16+1), length)
}

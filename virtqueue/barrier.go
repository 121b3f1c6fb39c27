package virtqueue

import "sync/atomic"

// The ring memory is shared with a device that runs independently of this
// driver. These are the only synchronization points of the protocol. Go has no
// standalone fence instruction, but every atomic read-modify-write is
// sequentially consistent, so a locked no-op addition on a private word orders
// all surrounding loads and stores on every supported architecture.
var barrierWord atomic.Uint32

// publishBarrier makes all prior writes to descriptors and ring slots visible
// before any later write, in particular before an index is published.
func publishBarrier() {
	barrierWord.Add(0)
}

// observeBarrier orders a prior read of a device-written index before any read
// of the ring entries that index covers.
func observeBarrier() {
	barrierWord.Add(0)
}

// fullBarrier orders all prior reads and writes before all later reads and
// writes. It separates a publication from the read of the device's event
// index, and an event index store from the next index read.
func fullBarrier() {
	barrierWord.Add(0)
}

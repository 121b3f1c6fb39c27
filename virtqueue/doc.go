// Package virtqueue implements the driver side of a split virtqueue as described
// in the specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
//
// A [Virtqueue] owns one contiguous allocation holding the descriptor table,
// the available ring and the used ring. Buffers are published with
// [Virtqueue.Add], the device is notified with [Virtqueue.Kick] and completed
// buffers are reclaimed by polling [Virtqueue.GetBuf]. None of these operations
// block and none of them take a lock: the only coordination with the device is
// the ordering of the index publications in shared memory.
//
// A Virtqueue is not safe for concurrent use by multiple goroutines.
package virtqueue

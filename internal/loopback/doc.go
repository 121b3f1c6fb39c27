// Package loopback plays the device side of split virtqueues inside the
// driver's process. A [Queue] walks the rings in the raw shared memory and
// echoes every chain back, an [IOMMU] translates the bus addresses the queue
// hands out and an [Arena] provides ring memory at made-up bus addresses.
package loopback

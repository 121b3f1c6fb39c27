// Package virtqtest provides the collaborators of a [virtqueue.Virtqueue] for
// tests: a [Mapper] and an [Allocator] with fault injection on top of the
// loopback IOMMU and arena, and a [Device] that records notifications.
package virtqtest

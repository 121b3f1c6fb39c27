package virtqueue

// needEvent reports whether the other side asked to be notified when the index
// moved from oldIndex to newIndex. eventIndex is the index the other side will
// look at next: it wants an event as soon as an entry for eventIndex was
// published, which is the case when eventIndex lies within [oldIndex, newIndex).
// The comparison is done in 16-bit arithmetic, so it stays correct when the
// indexes wrap around.
//
// This is vring_need_event from the virtio specification.
func needEvent(eventIndex, newIndex, oldIndex uint16) bool {
	return newIndex-eventIndex-1 < newIndex-oldIndex
}

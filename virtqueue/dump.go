package virtqueue

import (
	"fmt"
	"io"
)

// Dump writes the complete state of the queue to w for debugging. It reads the
// shared memory without any synchronization, so the device side may be
// inconsistent when it is still running.
func (vq *Virtqueue) Dump(w io.Writer) {
	if vq.mem == nil {
		fmt.Fprintf(w, "virtqueue %d: destroyed\n", vq.index)
		return
	}

	fmt.Fprintf(w, "virtqueue %d: size=%d memory=%s bus=%#x event_idx=%t\n",
		vq.index, vq.num, vq.strategy, vq.busAddr, vq.eventIndex)
	fmt.Fprintf(w, "  free=%d free_head=%#x num_added=%d\n",
		vq.descriptorTable.FreeNum(), vq.descriptorTable.FreeHead(), vq.numAdded)
	fmt.Fprintf(w, "  avail: flags=%#x idx=%d shadow_flags=%#x shadow_idx=%d used_event=%d\n",
		vq.availableRing.Flags(), vq.availableRing.Index(),
		uint16(vq.availFlagsShadow), vq.availIndexShadow, vq.availableRing.UsedEvent())
	fmt.Fprintf(w, "  used: flags=%#x idx=%d last_used=%d avail_event=%d\n",
		vq.usedRing.Flags(), vq.usedRing.Index(), vq.lastUsedIndex, vq.usedRing.AvailableEvent())

	for i := range vq.descriptorTable.descriptors {
		desc := &vq.descriptorTable.descriptors[i]
		fmt.Fprintf(w, "  desc[%d]: addr=%#x len=%d flags=%#x next=%d in_flight_head=%t\n",
			i, desc.address, desc.length, uint16(desc.flags), desc.next, vq.chains[i].inFlight)
	}

	for slot := range vq.num {
		fmt.Fprintf(w, "  avail.ring[%d]=%d used.ring[%d]={id:%d len:%d}\n",
			slot, vq.availableRing.Entry(slot),
			slot, vq.usedRing.ring[slot].DescriptorIndex, vq.usedRing.ring[slot].Length)
	}
}

package virtio

import (
	"fmt"
	"math/bits"
	"strings"
)

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureEventIndex enables the used_event and avail_event fields, which
	// let each side name the index at which it wants to be notified next.
	FeatureEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with version 1.0 of the virtio
	// specification.
	FeatureVersion1 Feature = 1 << 32

	// FeatureAccessPlatform indicates that the device can only access memory
	// through the platform DMA mapping, e.g. behind an IOMMU.
	FeatureAccessPlatform Feature = 1 << 33

	// FeatureRingPacked indicates support for the packed virtqueue layout.
	FeatureRingPacked Feature = 1 << 34

	// FeatureInOrder indicates that all buffers are used by the device in the
	// same order in which they have been made available.
	FeatureInOrder Feature = 1 << 35

	// FeatureOrderPlatform indicates that memory accesses by the driver and
	// the device are ordered in a way described by the platform.
	FeatureOrderPlatform Feature = 1 << 36

	// FeatureNotificationData indicates that the driver passes extra data in
	// its device notifications.
	FeatureNotificationData Feature = 1 << 38
)

var featureNames = map[Feature]string{
	FeatureIndirectDescriptors: "indirect_desc",
	FeatureEventIndex:          "event_idx",
	FeatureVersion1:            "version_1",
	FeatureAccessPlatform:      "access_platform",
	FeatureRingPacked:          "ring_packed",
	FeatureInOrder:             "in_order",
	FeatureOrderPlatform:       "order_platform",
	FeatureNotificationData:    "notification_data",
}

// Has reports whether all bits of want are set in f.
func (f Feature) Has(want Feature) bool {
	return f&want == want
}

// String lists the names of the set bits, separated by "|". Unknown bits are
// printed as bit numbers.
func (f Feature) String() string {
	if f == 0 {
		return "none"
	}

	var names []string
	for rest := uint64(f); rest != 0; rest &= rest - 1 {
		bit := Feature(1) << bits.TrailingZeros64(rest)
		if name, ok := featureNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, fmt.Sprintf("bit%d", bits.TrailingZeros64(rest)))
		}
	}
	return strings.Join(names, "|")
}

// ParseFeatures combines the named feature bits. Names are matched case
// insensitively against the names printed by [Feature.String].
func ParseFeatures(names []string) (Feature, error) {
	var f Feature
	for _, name := range names {
		found := false
		for bit, n := range featureNames {
			if strings.EqualFold(n, strings.TrimSpace(name)) {
				f |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown virtio feature %q", name)
		}
	}
	return f, nil
}

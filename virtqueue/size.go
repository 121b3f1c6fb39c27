package virtqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueSizeInvalid is returned when a queue size is invalid.
	ErrQueueSizeInvalid = errors.New("queue size is invalid")
	// ErrAlignmentInvalid is returned when a used ring alignment is invalid.
	ErrAlignmentInvalid = errors.New("ring alignment is invalid")
	// ErrPageSizeInvalid is returned when the page size given to [WithPageSize]
	// is invalid.
	ErrPageSizeInvalid = errors.New("page size is invalid")
)

// maxQueueSize is the largest power of 2 that fits a 16-bit ring index. The
// next one, 65536, would not.
const maxQueueSize = 32768

// CheckQueueSize checks if the given value would be a valid number of entries
// for a virtqueue and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	// Free running 16-bit indexes only map onto ring slots consistently across
	// their wraparound when the ring size divides 65536.
	return checkPowerOfTwo(ErrQueueSizeInvalid, "queue size", queueSize, 1, maxQueueSize)
}

// CheckAlignment checks if the given value would be a valid used ring
// alignment and returns an [ErrAlignmentInvalid], if not.
func CheckAlignment(align int) error {
	return checkPowerOfTwo(ErrAlignmentInvalid, "used ring alignment", align, usedRingAlignment, 0)
}

func checkPageSize(pageSize int) error {
	return checkPowerOfTwo(ErrPageSizeInvalid, "page size", pageSize, 1, 0)
}

// checkPowerOfTwo reports value as invalid with sentinel unless it is a power
// of 2 within [lower, upper]. An upper bound of 0 means unbounded.
func checkPowerOfTwo(sentinel error, name string, value, lower, upper int) error {
	switch {
	case value < lower:
		return fmt.Errorf("%w: %s %d is smaller than %d", sentinel, name, value, lower)
	case value&(value-1) != 0:
		return fmt.Errorf("%w: %s %d is not a power of 2", sentinel, name, value)
	case upper > 0 && value > upper:
		return fmt.Errorf("%w: %s %d is larger than the maximum %d", sentinel, name, value, upper)
	}
	return nil
}

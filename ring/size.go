package ring

import (
	"errors"
	"fmt"
)

// ErrSizeInvalid is returned when a ring size is invalid.
var ErrSizeInvalid = errors.New("ring size is invalid")

// MaxSize is the largest ring the device can address; queue length fields are
// 13 bits wide.
const MaxSize = 8192

// CheckSize checks if the given value would be a valid ring size and returns an
// [ErrSizeInvalid], if not.
func CheckSize(size int) error {
	if size < 2 {
		return fmt.Errorf("%w: %d is too small", ErrSizeInvalid, size)
	}

	// Indexes wrap with a mask, so the size must be a power of 2.
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrSizeInvalid, size)
	}

	if size > MaxSize {
		return fmt.Errorf("%w: %d is larger than the maximum ring size %d",
			ErrSizeInvalid, size, MaxSize)
	}

	return nil
}

package lethe

import (
	"fmt"
	"math"
)

// Input validation helpers

// ValidateOffset checks if a device offset is valid
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: "offset cannot be negative",
			Err:     ErrNegativeOffset,
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}

	return nil
}

// ValidateFanouts checks that a forest topology is usable: at least one level,
// every fanout at least 2, and a tree capacity that fits in a uint64.
func ValidateFanouts(fanouts []uint64, name string) error {
	if len(fanouts) == 0 {
		return &ValidationError{Field: name, Message: "topology needs at least one level"}
	}
	capacity := uint64(1)
	for i, f := range fanouts {
		if f < 2 {
			return &ValidationError{
				Field:   name,
				Value:   f,
				Message: fmt.Sprintf("fanout at level %d must be at least 2", i),
			}
		}
		if capacity > math.MaxUint64/f {
			return &ValidationError{Field: name, Value: fanouts, Message: "tree capacity overflows"}
		}
		capacity *= f
	}
	return nil
}

// ValidateReadWrite checks common preconditions for read/write operations
func ValidateReadWrite(buf []byte, offset int64) error {
	if buf == nil {
		return ErrNilBuffer
	}
	if offset < 0 {
		return ErrNegativeOffset
	}
	return nil
}

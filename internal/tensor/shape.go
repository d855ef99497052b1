package tensor

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Unknown marks a dimension whose size is not resolved yet.
const Unknown = -1

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
// Unresolved shapes report 0.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		if dim < 0 {
			return 0
		}
		n *= dim
	}
	return n
}

// Resolved reports whether every dimension is known.
func (s Shape) Resolved() bool {
	if s == nil {
		return false
	}
	for _, dim := range s {
		if dim < 0 {
			return false
		}
	}
	return true
}

// Validate checks that every dimension is non-negative or Unknown.
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim < Unknown {
			return errors.Errorf("invalid dimension at index %d: %d (must be >= 0 or Unknown)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// String formats the shape as [d0,d1,...] with "?" for unknown dimensions.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, dim := range s {
		if dim < 0 {
			parts[i] = "?"
			continue
		}
		parts[i] = fmt.Sprint(dim)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// UpDiv returns ceil(n / unit).
func UpDiv(n, unit int) int {
	return (n + unit - 1) / unit
}

// UpRound rounds n up to the nearest multiple of unit.
func UpRound(n, unit int) int {
	return UpDiv(n, unit) * unit
}

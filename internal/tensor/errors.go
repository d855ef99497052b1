package tensor

import "github.com/pkg/errors"

// Common errors.
var (
	ErrAllocation   = errors.New("allocation failed")
	ErrStaleView    = errors.New("view outlived its source storage")
	ErrUnresolved   = errors.New("shape is not resolved")
	ErrDoubleFree   = errors.New("block freed twice")
	ErrForeignBlock = errors.New("block does not belong to this allocator")
)

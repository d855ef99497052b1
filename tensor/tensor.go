// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/lite/internal/tensor"
)

// DataType represents the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Float64 DataType = tensor.Float64
	Int32   DataType = tensor.Int32
	Int64   DataType = tensor.Int64
	Uint8   DataType = tensor.Uint8
	Bool    DataType = tensor.Bool
)

// Shape represents the dimensions of a tensor.
// Example: Shape{1, Unknown, Unknown, 3} is an NHWC image of any size.
type Shape = tensor.Shape

// Unknown marks a dimension resolved only at run time.
const Unknown = tensor.Unknown

// Tensor is a typed, shaped buffer owning reference-counted storage.
type Tensor = tensor.Tensor

// View is a borrowed window into a tensor's storage.
type View = tensor.View

// Allocator hands out scratch memory blocks.
type Allocator = tensor.Allocator

// Block is a scratch memory handle.
type Block = tensor.Block

// HeapAllocator allocates blocks from the Go heap.
type HeapAllocator = tensor.HeapAllocator

// ArenaAllocator allocates blocks from one bounded region.
type ArenaAllocator = tensor.ArenaAllocator

// Errors.
var (
	ErrAllocation = tensor.ErrAllocation
	ErrStaleView  = tensor.ErrStaleView
	ErrUnresolved = tensor.ErrUnresolved
)

// New creates a zeroed tensor. Storage is allocated only for resolved shapes.
func New(shape Shape, dtype DataType) (*Tensor, error) {
	return tensor.New(shape, dtype)
}

// FromFloat32 creates a float32 tensor holding a copy of data.
func FromFloat32(shape Shape, data []float32) (*Tensor, error) {
	return tensor.FromFloat32(shape, data)
}

// ParseDataType converts a name such as "float32" into a DataType.
func ParseDataType(name string) (DataType, error) {
	return tensor.ParseDataType(name)
}

// NewHeapAllocator creates a heap-backed allocator.
func NewHeapAllocator() *HeapAllocator {
	return tensor.NewHeapAllocator()
}

// NewArenaAllocator creates an arena of capacity bytes.
func NewArenaAllocator(capacity int) (*ArenaAllocator, error) {
	return tensor.NewArenaAllocator(capacity)
}

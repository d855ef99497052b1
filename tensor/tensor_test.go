// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor_test

import (
	"errors"
	"testing"

	"github.com/born-ml/lite/tensor"
)

// TestTensorAPI verifies the Tensor alias exposes the expected API.
func TestTensorAPI(t *testing.T) {
	x, err := tensor.FromFloat32(tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}

	if !x.Shape().Equal(tensor.Shape{2, 3}) {
		t.Errorf("Shape() = %v, want [2,3]", x.Shape())
	}
	if x.DType() != tensor.Float32 {
		t.Errorf("DType() = %v, want float32", x.DType())
	}
	if x.ByteSize() != 24 {
		t.Errorf("ByteSize() = %d, want 24", x.ByteSize())
	}

	view, err := x.Borrow()
	if err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	x.Release()
	if _, err := view.Float32(); !errors.Is(err, tensor.ErrStaleView) {
		t.Errorf("view after release: got %v, want ErrStaleView", err)
	}
}

// TestUnresolvedTensor verifies unresolved tensors carry no storage.
func TestUnresolvedTensor(t *testing.T) {
	x, err := tensor.New(tensor.Shape{1, tensor.Unknown, 3}, tensor.Float32)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if x.Allocated() {
		t.Error("unresolved tensor should not be allocated")
	}
	if err := x.Resize(tensor.Shape{1, 2, 3}); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if len(x.AsFloat32()) != 6 {
		t.Errorf("len(AsFloat32()) = %d, want 6", len(x.AsFloat32()))
	}
}

// TestAllocators verifies both allocators satisfy Allocator.
func TestAllocators(t *testing.T) {
	arena, err := tensor.NewArenaAllocator(128)
	if err != nil {
		t.Fatalf("NewArenaAllocator failed: %v", err)
	}
	for _, a := range []tensor.Allocator{tensor.NewHeapAllocator(), arena} {
		b, err := a.Malloc(16)
		if err != nil {
			t.Fatalf("Malloc failed: %v", err)
		}
		if b.Len() != 16 {
			t.Errorf("Len() = %d, want 16", b.Len())
		}
		if err := a.Free(b); err != nil {
			t.Errorf("Free failed: %v", err)
		}
	}
	if _, err := arena.Malloc(1024); !errors.Is(err, tensor.ErrAllocation) {
		t.Errorf("oversized Malloc: got %v, want ErrAllocation", err)
	}
}

// TestParseDataType verifies data type names.
func TestParseDataType(t *testing.T) {
	dt, err := tensor.ParseDataType("int64")
	if err != nil || dt != tensor.Int64 {
		t.Errorf("ParseDataType(int64) = %v, %v", dt, err)
	}
}

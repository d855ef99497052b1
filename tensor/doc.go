// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the public tensor types of lite.
//
// # Overview
//
// A Tensor is a typed, shaped buffer. Its shape may contain Unknown
// dimensions; such a tensor carries no storage until it is resized to a
// resolved shape. Storage is reference counted across clones, and a View
// borrowed from a tensor detects when the storage it points into is gone.
//
// # Basic Usage
//
//	x, err := tensor.FromFloat32(tensor.Shape{1, 4, 4, 3}, data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	view, _ := x.Borrow()
//	values, err := view.Float32() // tensor.ErrStaleView once x is released
//
// # Scratch Memory
//
// Kernels take scratch memory from an Allocator. HeapAllocator allocates
// every block from the Go heap; ArenaAllocator bump-allocates from one bounded
// region and fails with ErrAllocation when it is exhausted.
package tensor

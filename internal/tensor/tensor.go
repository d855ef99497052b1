package tensor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// storage is a reference-counted byte buffer shared by clones of a Tensor.
// Its generation advances when the bytes are dropped, which invalidates every
// View borrowed from it.
type storage struct {
	data       []byte
	refCount   atomic.Int32
	generation atomic.Uint64
	mu         sync.Mutex // For safe deallocation
}

// newStorage creates a zeroed buffer with refCount = 1.
func newStorage(size int) *storage {
	s := &storage{
		data: make([]byte, size),
	}
	s.refCount.Store(1)
	return s
}

func (s *storage) addRef() {
	s.refCount.Add(1)
}

// release decrements the reference count and drops the bytes when it reaches 0.
func (s *storage) release() {
	if s.refCount.Add(-1) == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.data = nil
		s.generation.Add(1)
	}
}

// Tensor is a typed, shaped buffer owning its storage.
//
// A Tensor may be created with an unresolved shape; it then carries no storage
// until Resize gives it a resolved one. Size in bytes is always
// NumElements * DType.Size().
type Tensor struct {
	buffer *storage // nil while the shape is unresolved
	shape  Shape
	dtype  DataType
}

// New creates a tensor with the given shape and type.
// Storage is allocated (zeroed) only when the shape is resolved.
func New(shape Shape, dtype DataType) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid shape")
	}
	t := &Tensor{shape: shape.Clone(), dtype: dtype}
	if shape.Resolved() {
		t.buffer = newStorage(shape.NumElements() * dtype.Size())
	}
	return t, nil
}

// FromFloat32 creates a float32 tensor holding a copy of data.
func FromFloat32(shape Shape, data []float32) (*Tensor, error) {
	if !shape.Resolved() {
		return nil, errors.Wrapf(ErrUnresolved, "from float32 %s", shape)
	}
	if shape.NumElements() != len(data) {
		return nil, errors.Errorf("shape %s needs %d elements, got %d", shape, shape.NumElements(), len(data))
	}
	t, err := New(shape, Float32)
	if err != nil {
		return nil, err
	}
	copy(t.AsFloat32(), data)
	return t, nil
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// DType returns the tensor's data type.
func (t *Tensor) DType() DataType {
	return t.dtype
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (t *Tensor) ByteSize() int {
	return t.NumElements() * t.dtype.Size()
}

// Allocated reports whether the tensor currently owns storage.
func (t *Tensor) Allocated() bool {
	return t.buffer != nil && t.buffer.data != nil
}

// Data returns the raw byte slice, or nil when nothing is allocated.
// WARNING: Direct access to underlying memory. Use with caution.
func (t *Tensor) Data() []byte {
	if !t.Allocated() {
		return nil
	}
	return t.buffer.data
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (t *Tensor) AsFloat32() []float32 {
	if t.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", t.dtype))
	}
	return bytesAsFloat32(t.Data())
}

// Resize replaces the shape and the storage behind it.
// The old storage is released, so views borrowed from this tensor alone
// become stale. Resizing to an equal shape keeps the current storage.
func (t *Tensor) Resize(shape Shape) error {
	if err := shape.Validate(); err != nil {
		return errors.Wrap(err, "invalid shape")
	}
	if t.Allocated() && shape.Equal(t.shape) {
		return nil
	}
	if t.buffer != nil {
		t.buffer.release()
		t.buffer = nil
	}
	t.shape = shape.Clone()
	if shape.Resolved() {
		t.buffer = newStorage(shape.NumElements() * t.dtype.Size())
	}
	return nil
}

// Clone creates a shallow copy sharing the storage (reference counted).
func (t *Tensor) Clone() *Tensor {
	if t.buffer != nil {
		t.buffer.addRef()
	}
	return &Tensor{
		buffer: t.buffer,
		shape:  t.shape.Clone(),
		dtype:  t.dtype,
	}
}

// Release drops this tensor's reference to its storage.
// Calling Release more than once is a no-op.
func (t *Tensor) Release() {
	if t.buffer == nil {
		return
	}
	t.buffer.release()
	t.buffer = nil
}

// Borrow returns a non-owning view over the whole tensor.
func (t *Tensor) Borrow() (View, error) {
	if !t.Allocated() {
		return View{}, errors.Wrapf(ErrUnresolved, "borrow %s", t.shape)
	}
	return View{
		data:  t.buffer.data,
		dtype: t.dtype,
		token: Lifetime{source: t.buffer, generation: t.buffer.generation.Load()},
	}, nil
}

func bytesAsFloat32(data []byte) []float32 {
	if len(data) < 4 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, length derived from the byte slice
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}

package tensor

import "github.com/pkg/errors"

// Lifetime identifies one incarnation of a storage buffer.
// It stays alive until the storage drops its bytes.
type Lifetime struct {
	source     *storage
	generation uint64
}

// Alive reports whether the storage the token was taken from still exists.
func (l Lifetime) Alive() bool {
	return l.source != nil && l.source.generation.Load() == l.generation
}

// View is a borrowed window into another tensor's storage.
// It never owns memory; every accessor checks its lifetime token first.
type View struct {
	data  []byte
	dtype DataType
	token Lifetime
}

// Valid reports whether the view may still be dereferenced.
func (v View) Valid() bool {
	return v.token.Alive()
}

// DType returns the element type of the view.
func (v View) DType() DataType {
	return v.dtype
}

// Len returns the number of elements in the view.
func (v View) Len() int {
	if v.data == nil {
		return 0
	}
	return len(v.data) / v.dtype.Size()
}

// Bytes returns the borrowed bytes.
func (v View) Bytes() ([]byte, error) {
	if !v.Valid() {
		return nil, ErrStaleView
	}
	return v.data, nil
}

// Float32 returns the borrowed elements as []float32.
func (v View) Float32() ([]float32, error) {
	if v.dtype != Float32 {
		return nil, errors.Errorf("view dtype is %s, not float32", v.dtype)
	}
	if !v.Valid() {
		return nil, ErrStaleView
	}
	return bytesAsFloat32(v.data), nil
}

// Slice narrows the view to length elements starting at offset.
func (v View) Slice(offset, length int) (View, error) {
	if !v.Valid() {
		return View{}, ErrStaleView
	}
	size := v.dtype.Size()
	if offset < 0 || length < 0 || (offset+length)*size > len(v.data) {
		return View{}, errors.Errorf("slice [%d:%d] out of range for view of %d elements", offset, offset+length, v.Len())
	}
	return View{
		data:  v.data[offset*size : (offset+length)*size],
		dtype: v.dtype,
		token: v.token,
	}, nil
}

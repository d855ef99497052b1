package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocator(t *testing.T) {
	h := NewHeapAllocator()

	b, err := h.Malloc(16)
	require.NoError(t, err)
	assert.Equal(t, 16, b.Len())
	assert.Len(t, b.Float32(), 4)
	assert.Equal(t, 1, h.Live())

	require.NoError(t, h.Free(b))
	assert.Equal(t, 0, h.Live())
	assert.ErrorIs(t, h.Free(b), ErrDoubleFree)
	assert.NoError(t, h.Free(nil))

	_, err = h.Malloc(-1)
	assert.ErrorIs(t, err, ErrAllocation)
}

func TestArenaAllocatorExhaustion(t *testing.T) {
	a, err := NewArenaAllocator(128)
	require.NoError(t, err)

	first, err := a.Malloc(64)
	require.NoError(t, err)
	second, err := a.Malloc(64)
	require.NoError(t, err)

	_, err = a.Malloc(1)
	assert.ErrorIs(t, err, ErrAllocation)

	require.NoError(t, a.Free(second))
	assert.Equal(t, 64, a.InUse())
	require.NoError(t, a.Free(first))
	assert.Equal(t, 0, a.InUse())
}

func TestArenaAllocatorRewindsOverFreedBlocks(t *testing.T) {
	a, err := NewArenaAllocator(256)
	require.NoError(t, err)

	first, _ := a.Malloc(10)
	second, _ := a.Malloc(10)
	third, _ := a.Malloc(10)
	assert.Equal(t, 192, a.InUse())

	// Freeing a middle block cannot rewind yet.
	require.NoError(t, a.Free(second))
	assert.Equal(t, 192, a.InUse())

	require.NoError(t, a.Free(third))
	assert.Equal(t, 64, a.InUse())

	require.NoError(t, a.Free(first))
	assert.Equal(t, 0, a.InUse())
}

func TestArenaAllocatorZeroesReusedMemory(t *testing.T) {
	a, err := NewArenaAllocator(64)
	require.NoError(t, err)

	b, err := a.Malloc(8)
	require.NoError(t, err)
	b.Bytes()[0] = 0xff
	require.NoError(t, a.Free(b))

	b, err = a.Malloc(8)
	require.NoError(t, err)
	assert.Equal(t, byte(0), b.Bytes()[0])
}

func TestAllocatorRejectsForeignBlocks(t *testing.T) {
	h := NewHeapAllocator()
	a, err := NewArenaAllocator(64)
	require.NoError(t, err)

	b, err := h.Malloc(4)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Free(b), ErrForeignBlock)
}

func TestNewArenaAllocatorInvalidCapacity(t *testing.T) {
	_, err := NewArenaAllocator(0)
	assert.Error(t, err)
}

package tensor

import (
	"sync"

	"github.com/pkg/errors"
)

// arenaAlignment keeps every arena block cache-line aligned within the arena.
const arenaAlignment = 64

// Block is a handle to memory handed out by an Allocator.
// It must be returned with Free on the same allocator.
type Block struct {
	data   []byte
	owner  Allocator
	offset int // start within the owning arena
	freed  bool
}

// Bytes returns the block memory.
func (b *Block) Bytes() []byte {
	return b.data
}

// Float32 returns the block memory as []float32.
func (b *Block) Float32() []float32 {
	return bytesAsFloat32(b.data)
}

// Len returns the block size in bytes.
func (b *Block) Len() int {
	return len(b.data)
}

// Allocator is the scratch-memory capability supplied by the runtime.
// Kernels never allocate scratch on their own.
type Allocator interface {
	// Malloc returns a zeroed block of at least size bytes.
	Malloc(size int) (*Block, error)
	// Free returns a block. Freeing nil is a no-op.
	Free(b *Block) error
}

// HeapAllocator allocates every block from the Go heap.
// A zero value is ready to use.
type HeapAllocator struct {
	mu   sync.Mutex
	live int
}

// NewHeapAllocator creates a heap-backed allocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

// Malloc allocates a zeroed block.
func (h *HeapAllocator) Malloc(size int) (*Block, error) {
	if size < 0 {
		return nil, errors.Wrapf(ErrAllocation, "negative size %d", size)
	}
	h.mu.Lock()
	h.live++
	h.mu.Unlock()
	return &Block{data: make([]byte, size), owner: h}, nil
}

// Free releases a block.
func (h *HeapAllocator) Free(b *Block) error {
	if b == nil {
		return nil
	}
	if b.owner != Allocator(h) {
		return ErrForeignBlock
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if b.freed {
		return ErrDoubleFree
	}
	b.freed = true
	b.data = nil
	h.live--
	return nil
}

// Live returns the number of blocks not yet freed.
func (h *HeapAllocator) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// ArenaAllocator hands out blocks from one pre-allocated region with a bump
// pointer. The pointer rewinds when the most recent block is freed and resets
// once every block has been returned. Requests that do not fit fail with
// ErrAllocation.
type ArenaAllocator struct {
	mu     sync.Mutex
	buffer []byte
	offset int
	stack  []*Block // blocks in allocation order
	live   int
}

// NewArenaAllocator creates an arena with the given capacity in bytes.
func NewArenaAllocator(capacity int) (*ArenaAllocator, error) {
	if capacity <= 0 {
		return nil, errors.Errorf("cannot create arena with capacity %d", capacity)
	}
	return &ArenaAllocator{buffer: make([]byte, UpRound(capacity, arenaAlignment))}, nil
}

// Malloc bump-allocates a zeroed block.
func (a *ArenaAllocator) Malloc(size int) (*Block, error) {
	if size < 0 {
		return nil, errors.Wrapf(ErrAllocation, "negative size %d", size)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start := a.offset
	end := start + UpRound(max(size, 1), arenaAlignment)
	if end > len(a.buffer) {
		return nil, errors.Wrapf(ErrAllocation, "arena exhausted: need %d bytes, %d of %d in use", size, a.offset, len(a.buffer))
	}
	data := a.buffer[start : start+size : start+size]
	clear(data)
	a.offset = end
	b := &Block{data: data, owner: a, offset: start}
	a.stack = append(a.stack, b)
	a.live++
	return b, nil
}

// Free returns a block to the arena.
func (a *ArenaAllocator) Free(b *Block) error {
	if b == nil {
		return nil
	}
	if b.owner != Allocator(a) {
		return ErrForeignBlock
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if b.freed {
		return ErrDoubleFree
	}
	b.freed = true
	b.data = nil
	a.live--

	// Rewind over every freed block at the top of the stack.
	for n := len(a.stack); n > 0 && a.stack[n-1].freed; n = len(a.stack) {
		a.offset = a.stack[n-1].offset
		a.stack = a.stack[:n-1]
	}
	return nil
}

// InUse returns the number of bytes currently reserved.
func (a *ArenaAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

// Capacity returns the arena size in bytes.
func (a *ArenaAllocator) Capacity() int {
	return len(a.buffer)
}

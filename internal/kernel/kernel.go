// Package kernel lowers graph operators to executable CPU kernels.
//
// A kernel is created for one node with its input and output tensors, then
// goes through InferShape, Init (which may defer while shapes are unresolved),
// any number of Resize calls and Run calls, and finally Release.
// Kernels never allocate scratch memory themselves: they use the Allocator
// of their Context, and they dispatch work to its Pool.
package kernel

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/lite/internal/graph"
	"github.com/born-ml/lite/internal/parallel"
	"github.com/born-ml/lite/internal/tensor"
)

// DefaultTile is the rounding unit of packed matrices.
const DefaultTile = 8

// ErrNotReady is returned when a kernel is asked to work before its input
// shapes are resolved. Callers defer the kernel instead of failing.
var ErrNotReady = errors.New("kernel not ready: input shape unresolved")

// Kernel is an executable operator.
type Kernel interface {
	// Name returns the name of the node the kernel was created for.
	Name() string
	// InferShape derives the output shape from the current input shapes and
	// applies it to the output tensor. It returns ErrNotReady when an input
	// is unresolved; the output then carries a partially unknown shape.
	InferShape() (tensor.Shape, error)
	// Init prepares constant buffers. It returns nil without allocating when
	// the inputs are unresolved; Ready reports the outcome.
	Init(ctx context.Context) error
	// Resize re-derives every shape dependent buffer. It is idempotent.
	Resize() error
	// Run computes the output.
	Run(ctx context.Context) error
	// Ready reports whether Run may be called.
	Ready() bool
	// Release frees every buffer owned by the kernel.
	Release()
}

// Context is the execution environment handed to kernels.
type Context struct {
	Pool      *parallel.Pool
	Allocator tensor.Allocator
	Threads   int
	Tile      int
	Log       *logrus.Entry
}

// NewContext returns a context using pool for dispatch and the heap for
// scratch memory.
func NewContext(pool *parallel.Pool) *Context {
	return &Context{
		Pool:      pool,
		Allocator: tensor.NewHeapAllocator(),
		Threads:   pool.Workers(),
		Tile:      DefaultTile,
	}
}

func (c *Context) check() error {
	if c == nil || c.Pool == nil {
		return errors.New("kernel context has no pool")
	}
	if c.Allocator == nil {
		return errors.New("kernel context has no allocator")
	}
	if c.Tile <= 0 {
		return errors.Errorf("invalid tile %d", c.Tile)
	}
	return nil
}

func (c *Context) threads() int {
	if c.Threads > 0 {
		return c.Threads
	}
	return max(c.Pool.Workers(), 1)
}

func (c *Context) logger() *logrus.Entry {
	if c.Log == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return c.Log
}

// Creator builds the kernel for one node.
type Creator func(n *graph.Node, inputs []*tensor.Tensor, output *tensor.Tensor, kctx *Context) (Kernel, error)

var creators = struct {
	sync.RWMutex
	m map[graph.Kind]Creator
}{m: make(map[graph.Kind]Creator)}

// Register installs the creator for kind. It panics on duplicates, so it
// belongs in an init function.
func Register(kind graph.Kind, c Creator) {
	creators.Lock()
	defer creators.Unlock()
	if c == nil {
		panic("kernel: Register creator is nil for " + kind.String())
	}
	if _, dup := creators.m[kind]; dup {
		panic("kernel: Register called twice for " + kind.String())
	}
	creators.m[kind] = c
}

// Lookup returns the creator registered for kind.
func Lookup(kind graph.Kind) (Creator, bool) {
	creators.RLock()
	defer creators.RUnlock()
	c, ok := creators.m[kind]
	return c, ok
}

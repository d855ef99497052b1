// Package session compiles a model into kernels and runs it.
//
// Compile runs the configured pass pipeline over the model graph, lowers
// every node that has a kernel creator, propagates shapes and initializes the
// kernels whose inputs are already resolved. Kernels that are not ready stay
// deferred until Run supplies concrete input shapes.
package session

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/lite/internal/config"
	"github.com/born-ml/lite/internal/graph"
	"github.com/born-ml/lite/internal/kernel"
	"github.com/born-ml/lite/internal/model"
	"github.com/born-ml/lite/internal/parallel"
	"github.com/born-ml/lite/internal/pass"
	"github.com/born-ml/lite/internal/tensor"
)

// Errors returned by sessions.
var (
	ErrNotCompiled = errors.New("session not compiled")
	ErrClosed      = errors.New("session closed")
	ErrFeed        = errors.New("invalid feed")
)

// step is one node in execution order. Nodes without a kernel forward the
// tensor of their first child.
type step struct {
	node   *graph.Node
	kernel kernel.Kernel
	output *tensor.Tensor
}

// Session owns the worker pool, the scratch allocator and the kernels of one
// compiled model. It is not safe for concurrent use.
type Session struct {
	cfg   config.Config
	log   *logrus.Entry
	pool  *parallel.Pool
	kctx  *kernel.Context
	model *model.Model

	steps   []*step
	inputs  map[string]*tensor.Tensor
	output  *tensor.Tensor
	stale   bool // shapes changed since the last propagation
	closed  bool
	compile pass.Result
}

// New creates a session with its own worker pool.
func New(cfg config.Config, log *logrus.Entry) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var alloc tensor.Allocator = tensor.NewHeapAllocator()
	if cfg.ArenaSize > 0 {
		arena, err := tensor.NewArenaAllocator(cfg.ArenaSize)
		if err != nil {
			return nil, err
		}
		alloc = arena
	}

	pool := parallel.NewPool(cfg.PoolConfig())
	return &Session{
		cfg:  cfg,
		log:  log,
		pool: pool,
		kctx: &kernel.Context{
			Pool:      pool,
			Allocator: alloc,
			Threads:   cfg.Threads,
			Tile:      cfg.Tile,
			Log:       log,
		},
	}, nil
}

// Compile optimizes the model graph in place and prepares its kernels.
// A session compiles one model.
func (s *Session) Compile(ctx context.Context, m *model.Model) error {
	if s.closed {
		return ErrClosed
	}
	if s.model != nil {
		return errors.New("session already compiled")
	}

	mgr := pass.NewManager(
		pass.WithLogger(s.log),
		pass.WithFlags(s.cfg.Flags()),
		pass.WithMaxIterations(s.cfg.MaxIterations),
	)
	if err := mgr.AddNamed(true, s.cfg.PrePasses...); err != nil {
		return err
	}
	if err := mgr.AddNamed(false, s.cfg.Passes...); err != nil {
		return err
	}
	res, err := mgr.Run(ctx, m.Graph)
	if err != nil {
		return err
	}
	s.compile = res

	if err := s.lower(m); err != nil {
		s.releaseKernels()
		return err
	}
	s.model = m
	if err := s.prepare(ctx); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"model":    m.Name,
		"nodes":    m.Graph.Len(),
		"kernels":  len(s.Kernels()),
		"modified": res.Modified,
	}).Info("model compiled")
	return nil
}

// lower creates the step list and the tensors between steps.
func (s *Session) lower(m *model.Model) error {
	s.inputs = make(map[string]*tensor.Tensor, len(m.Inputs))
	for _, in := range m.Inputs {
		t, err := tensor.New(in.Shape, in.DType)
		if err != nil {
			return errors.WithMessagef(err, "input %q", in.Name)
		}
		s.inputs[in.Name] = t
	}

	produced := make(map[*graph.Node]*tensor.Tensor)
	for _, n := range m.Graph.PostOrder() {
		st := &step{node: n}
		entry := s.log.WithFields(logrus.Fields{"node": n.ID(), "kind": n.Kind()})

		switch create, ok := kernel.Lookup(n.Kind()); {
		case n.Kind() == graph.KindSource:
			name, ok := n.Param(model.ParamInput)
			if !ok {
				return errors.Errorf("node %d (%s): source without %q parameter", n.ID(), n.Name(), model.ParamInput)
			}
			st.output, ok = s.inputs[name]
			if !ok {
				return errors.Errorf("node %d (%s): unknown input %q", n.ID(), n.Name(), name)
			}
			entry.WithField("input", name).Debug("bound source")

		case ok:
			inputs := make([]*tensor.Tensor, 0, len(n.Children()))
			for _, c := range n.Children() {
				inputs = append(inputs, produced[c])
			}
			out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
			if err != nil {
				return err
			}
			k, err := create(n, inputs, out, s.kctx)
			if err != nil {
				return errors.WithMessagef(err, "lower node %d (%s)", n.ID(), n.Name())
			}
			st.kernel = k
			st.output = out
			entry.Debug("lowered to kernel")

		default:
			if len(n.Children()) == 0 {
				return errors.Errorf("node %d (%s): %s node has no producer", n.ID(), n.Name(), n.Kind())
			}
			st.output = produced[n.Children()[0]]
			entry.Debug("forwards its first child")
		}

		produced[n] = st.output
		s.steps = append(s.steps, st)
	}
	s.output = produced[m.Graph.Root()]
	s.stale = true
	return nil
}

// prepare propagates shapes in execution order and brings kernels up to
// date. Kernels whose inputs are unresolved are left deferred.
func (s *Session) prepare(ctx context.Context) error {
	for _, st := range s.steps {
		if st.kernel == nil {
			continue
		}
		entry := s.log.WithField("kernel", st.kernel.Name())
		shape, err := st.kernel.InferShape()
		if errors.Is(err, kernel.ErrNotReady) {
			entry.WithField("shape", shape).Debug("kernel deferred")
			continue
		}
		if err != nil {
			return errors.WithMessagef(err, "infer shape of node %d", st.node.ID())
		}
		if st.kernel.Ready() {
			err = st.kernel.Resize()
		} else {
			err = st.kernel.Init(ctx)
		}
		if err != nil {
			return errors.WithMessagef(err, "prepare node %d", st.node.ID())
		}
		entry.WithField("shape", shape).Debug("kernel prepared")
	}
	s.stale = false
	return nil
}

// Run copies the feeds into the graph inputs, executes every kernel in order
// and returns the output of the graph root. The returned tensor belongs to
// the session and is overwritten by the next Run.
func (s *Session) Run(ctx context.Context, feeds map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.model == nil {
		return nil, ErrNotCompiled
	}
	for _, in := range s.model.Inputs {
		if err := s.feed(in, feeds[in.Name]); err != nil {
			return nil, err
		}
	}
	if s.stale {
		if err := s.prepare(ctx); err != nil {
			return nil, err
		}
	}

	for _, st := range s.steps {
		if st.kernel == nil {
			continue
		}
		if err := st.kernel.Run(ctx); err != nil {
			return nil, errors.WithMessagef(err, "run node %d (%s)", st.node.ID(), st.node.Name())
		}
	}
	return s.output, nil
}

// feed validates one feed against its declaration and copies it in.
func (s *Session) feed(in model.Input, t *tensor.Tensor) error {
	if t == nil {
		return errors.Wrapf(ErrFeed, "missing input %q", in.Name)
	}
	if t.DType() != in.DType {
		return errors.Wrapf(ErrFeed, "input %q is %s, want %s", in.Name, t.DType(), in.DType)
	}
	shape := t.Shape()
	if !shape.Resolved() || len(shape) != len(in.Shape) {
		return errors.Wrapf(ErrFeed, "input %q has shape %s, want %s", in.Name, shape, in.Shape)
	}
	for i, d := range in.Shape {
		if d != tensor.Unknown && d != shape[i] {
			return errors.Wrapf(ErrFeed, "input %q has shape %s, want %s", in.Name, shape, in.Shape)
		}
	}

	dst := s.inputs[in.Name]
	if !dst.Shape().Equal(shape) || !dst.Allocated() {
		if err := dst.Resize(shape); err != nil {
			return err
		}
		s.stale = true
	}
	copy(dst.Data(), t.Data())
	return nil
}

// Graph returns the compiled graph, or nil before Compile.
func (s *Session) Graph() *graph.Graph {
	if s.model == nil {
		return nil
	}
	return s.model.Graph
}

// Modified reports whether the pass pipeline changed the graph.
func (s *Session) Modified() bool {
	return s.compile.Modified
}

// Kernels returns the names of the lowered kernels in execution order.
func (s *Session) Kernels() []string {
	var names []string
	for _, st := range s.steps {
		if st.kernel != nil {
			names = append(names, st.kernel.Name())
		}
	}
	return names
}

// Ready reports whether every kernel is initialized.
func (s *Session) Ready() bool {
	for _, st := range s.steps {
		if st.kernel != nil && !st.kernel.Ready() {
			return false
		}
	}
	return s.model != nil
}

// Close releases the kernels and stops the worker pool.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.releaseKernels()
	return s.pool.Close()
}

func (s *Session) releaseKernels() {
	for _, st := range s.steps {
		if st.kernel != nil {
			st.kernel.Release()
		}
	}
	s.steps = nil
}

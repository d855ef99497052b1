package pass

import (
	"context"

	"github.com/pkg/errors"

	"github.com/born-ml/lite/internal/graph"
)

// NodeFunc handles one node.
type NodeFunc func(ctx context.Context, n *graph.Node) (Result, error)

// Handlers are the callbacks for one operator kind. Pre runs before the
// node's children are visited, Run after them, and Post after Run.
// Nil callbacks are skipped.
type Handlers struct {
	Pre  NodeFunc
	Run  NodeFunc
	Post NodeFunc
}

// NodePass walks the graph and dispatches every node by its kind.
type NodePass struct {
	name     string
	readOnly bool
	handlers map[graph.Kind]Handlers
	generic  Handlers
}

// NodePassOption configures a NodePass.
type NodePassOption func(*NodePass)

// ReadOnly makes the traversal fail if any handler changes the graph
// structure.
func ReadOnly() NodePassOption {
	return func(p *NodePass) {
		p.readOnly = true
	}
}

// NewNodePass creates a pass with no handlers.
func NewNodePass(name string, opts ...NodePassOption) *NodePass {
	p := &NodePass{
		name:     name,
		handlers: make(map[graph.Kind]Handlers),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pass name.
func (p *NodePass) Name() string {
	return p.name
}

// On registers the handlers for one kind, replacing earlier ones.
func (p *NodePass) On(kind graph.Kind, h Handlers) *NodePass {
	p.handlers[kind] = h
	return p
}

// Generic sets the fallback handlers used for kinds without their own.
func (p *NodePass) Generic(h Handlers) *NodePass {
	p.generic = h
	return p
}

// Dispatch returns the handlers that will run for kind.
func (p *NodePass) Dispatch(kind graph.Kind) Handlers {
	if h, ok := p.handlers[kind]; ok {
		return h
	}
	return p.generic
}

// RunOnTree validates the graph and visits every reachable node once.
func (p *NodePass) RunOnTree(ctx context.Context, g *graph.Graph) (Result, error) {
	if err := g.Validate(); err != nil {
		return Result{}, err
	}
	if g.Root() == nil {
		return Result{}, nil
	}

	generation := g.Generation()
	seen := make(map[*graph.Node]bool)
	var total Result

	call := func(fn NodeFunc, n *graph.Node) error {
		if fn == nil {
			return nil
		}
		r, err := fn(ctx, n)
		if err != nil {
			return errors.WithMessagef(err, "node %d (%s)", n.ID(), n.Name())
		}
		total = total.Merge(r)
		if p.readOnly && g.Generation() != generation {
			return errors.Wrapf(graph.ErrStructuralInconsistency,
				"read-only pass %s changed the graph at node %d (%s)", p.name, n.ID(), n.Name())
		}
		return nil
	}

	var visit func(n *graph.Node) error
	visit = func(n *graph.Node) error {
		if seen[n] {
			return nil
		}
		seen[n] = true
		if err := ctx.Err(); err != nil {
			return err
		}

		h := p.Dispatch(n.Kind())
		if err := call(h.Pre, n); err != nil {
			return err
		}
		// Handlers of a mutating pass may rewrite the child list.
		children := append([]*graph.Node(nil), n.Children()...)
		for _, c := range children {
			if err := visit(c); err != nil {
				return err
			}
		}
		if err := call(h.Run, n); err != nil {
			return err
		}
		return call(h.Post, n)
	}

	if err := visit(g.Root()); err != nil {
		return Result{}, err
	}
	return total, nil
}

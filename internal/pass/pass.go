// Package pass provides the optimization passes run over an execution graph
// before it is lowered to kernels.
//
// A TreePass sees the whole graph. A NodePass walks it and dispatches each
// node to handlers selected by the node's operator kind, with a generic
// fallback for kinds that have no handler. The Manager runs a fixed, ordered
// list of passes and stops at the first failure.
package pass

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/born-ml/lite/internal/graph"
)

// ErrInjectionAmbiguity is returned when a pass finds conflicting places to
// inject a node.
var ErrInjectionAmbiguity = errors.New("ambiguous injection target")

// Result is what a pass reports back to its driver.
type Result struct {
	Modified bool
}

// Merge combines two results.
func (r Result) Merge(other Result) Result {
	return Result{Modified: r.Modified || other.Modified}
}

// TreePass transforms a whole graph.
type TreePass interface {
	Name() string
	RunOnTree(ctx context.Context, g *graph.Graph) (Result, error)
}

// Error names the pass that failed.
type Error struct {
	Pass string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("pass %s: %v", e.Pass, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

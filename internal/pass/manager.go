package pass

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/lite/internal/graph"
)

// DefaultMaxIterations bounds how often the regular passes are repeated while
// they keep modifying the graph.
const DefaultMaxIterations = 4

// Manager runs pre-passes once, then the regular passes in order until a
// round reports no modification or MaxIterations rounds have run.
// Passes run sequentially on the caller's goroutine.
type Manager struct {
	pre           []TreePass
	passes        []TreePass
	maxIterations int
	flags         map[string]bool
	log           *logrus.Entry
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for per-pass debug output.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithFlags sets the policy flags handed to passes created by AddNamed.
func WithFlags(flags map[string]bool) Option {
	return func(m *Manager) {
		m.flags = flags
	}
}

// WithMaxIterations bounds the number of rounds of regular passes.
func WithMaxIterations(n int) Option {
	return func(m *Manager) {
		m.maxIterations = max(n, 1)
	}
}

// NewManager creates an empty pipeline.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		maxIterations: DefaultMaxIterations,
		log:           logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddPre appends a pass to the pre-pass stage.
func (m *Manager) AddPre(p TreePass) *Manager {
	m.pre = append(m.pre, p)
	return m
}

// Add appends a regular pass.
func (m *Manager) Add(p TreePass) *Manager {
	m.passes = append(m.passes, p)
	return m
}

// AddNamed looks passes up in the registry and appends them.
func (m *Manager) AddNamed(pre bool, names ...string) error {
	for _, name := range names {
		p, err := Lookup(name, Env{Log: m.log, Flags: m.flags})
		if err != nil {
			return err
		}
		if pre {
			m.AddPre(p)
		} else {
			m.Add(p)
		}
	}
	return nil
}

// Passes returns the names of all passes in execution order.
func (m *Manager) Passes() []string {
	names := make([]string, 0, len(m.pre)+len(m.passes))
	for _, p := range m.pre {
		names = append(names, p.Name())
	}
	for _, p := range m.passes {
		names = append(names, p.Name())
	}
	return names
}

// Run executes the pipeline. The first failure stops it and is returned as
// an *Error naming the pass; nothing after it runs.
func (m *Manager) Run(ctx context.Context, g *graph.Graph) (Result, error) {
	if err := g.Validate(); err != nil {
		return Result{}, &Error{Pass: "validate", Err: err}
	}

	var total Result
	for _, p := range m.pre {
		r, err := m.runOne(ctx, p, g)
		if err != nil {
			return total, err
		}
		total = total.Merge(r)
	}

	for round := 1; round <= m.maxIterations && len(m.passes) > 0; round++ {
		var roundResult Result
		for _, p := range m.passes {
			r, err := m.runOne(ctx, p, g)
			if err != nil {
				return total, err
			}
			roundResult = roundResult.Merge(r)
		}
		total = total.Merge(roundResult)
		if !roundResult.Modified {
			break
		}
		if round == m.maxIterations {
			m.log.WithField("rounds", round).Warn("pass pipeline still modifying the graph, giving up")
		}
	}
	return total, nil
}

func (m *Manager) runOne(ctx context.Context, p TreePass, g *graph.Graph) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, &Error{Pass: p.Name(), Err: err}
	}
	r, err := p.RunOnTree(ctx, g)
	if err != nil {
		m.log.WithError(err).WithField("pass", p.Name()).Error("pass failed")
		return Result{}, &Error{Pass: p.Name(), Err: err}
	}
	m.log.WithFields(logrus.Fields{
		"pass":     p.Name(),
		"modified": r.Modified,
		"nodes":    g.Len(),
	}).Debug("pass finished")
	if r.Modified {
		if err := g.Validate(); err != nil {
			return Result{}, &Error{Pass: p.Name(), Err: err}
		}
	}
	return r, nil
}

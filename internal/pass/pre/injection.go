// Package pre holds the passes that run before every other optimization pass.
package pre

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/lite/internal/graph"
	"github.com/born-ml/lite/internal/pass"
)

// InjectionName is the registry name of the injection pass.
const InjectionName = "injection"

// FlagBypassEpochCtrlOnCache is the policy flag name read from pass.Env.
const FlagBypassEpochCtrlOnCache = "bypass_epoch_ctrl_on_cache"

// ParamEpochControl is the node parameter that opts a BuildVocab node out of
// epoch control injection when set to false.
const ParamEpochControl = "epoch_control"

func init() {
	pass.Register(InjectionName, func(env pass.Env) pass.TreePass {
		policy := DefaultPolicy()
		policy.BypassEpochCtrlOnCache = env.Flag(FlagBypassEpochCtrlOnCache, policy.BypassEpochCtrlOnCache)
		return NewInjectionPass(policy, env.Logger())
	})
}

// Policy holds the switches of the injection pass.
type Policy struct {
	// BypassEpochCtrlOnCache suppresses epoch control injection for the whole
	// graph as soon as one Cache node is found. Caching changes iteration
	// semantics; this switch stays until caching handles epochs itself.
	BypassEpochCtrlOnCache bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{BypassEpochCtrlOnCache: true}
}

// State is the progress of one injection run.
type State int

// Injection states. Done is terminal for a run; Discovered moves straight to
// Done when there is nothing to inject.
const (
	NotRun State = iota
	Discovering
	Discovered
	Injecting
	Done
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case NotRun:
		return "NotRun"
	case Discovering:
		return "Discovering"
	case Discovered:
		return "Discovered"
	case Injecting:
		return "Injecting"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Site is a place where an epoch control node is required: directly above
// Node, under Parent at position Index, as seen at graph Generation.
type Site struct {
	Node       *graph.Node
	Parent     *graph.Node
	Index      int
	Generation uint64
}

// InjectionPass inserts the nodes graph construction could not place itself.
// It runs in two phases: a read-only discovery walk records where an
// EpochControl node is needed, then the injection phase splices it in.
type InjectionPass struct {
	policy Policy
	log    *logrus.Entry
	state  State
	sites  []Site
	bypass bool
}

// NewInjectionPass creates the pass.
func NewInjectionPass(policy Policy, log *logrus.Entry) *InjectionPass {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InjectionPass{policy: policy, log: log.WithField("pass", InjectionName)}
}

// Name implements pass.TreePass.
func (p *InjectionPass) Name() string {
	return InjectionName
}

// State returns the phase the pass is in.
func (p *InjectionPass) State() State {
	return p.state
}

// Bypassed reports whether discovery found a Cache node that disabled injection.
func (p *InjectionPass) Bypassed() bool {
	return p.bypass
}

// Sites returns the injection sites found by the last discovery.
func (p *InjectionPass) Sites() []Site {
	return p.sites
}

// RunOnTree runs discovery followed by injection.
func (p *InjectionPass) RunOnTree(ctx context.Context, g *graph.Graph) (pass.Result, error) {
	if err := p.Discover(ctx, g); err != nil {
		return pass.Result{}, err
	}
	return p.Inject(ctx, g)
}

// Discover walks the graph without changing it and records injection sites.
// It resets any previous run.
func (p *InjectionPass) Discover(ctx context.Context, g *graph.Graph) error {
	p.state = Discovering
	p.sites = nil
	p.bypass = false

	if _, err := p.finder(g).RunOnTree(ctx, g); err != nil {
		p.state = NotRun
		return err
	}
	if !p.bypass {
		if len(p.sites) > 1 {
			p.state = NotRun
			return errors.Wrapf(pass.ErrInjectionAmbiguity, "%d BuildVocab nodes need epoch control: %s",
				len(p.sites), describe(p.sites))
		}
		for _, s := range p.sites {
			if s.Node.Uses() > 1 {
				p.state = NotRun
				return errors.Wrapf(pass.ErrInjectionAmbiguity, "BuildVocab node %d has %d parents", s.Node.ID(), s.Node.Uses())
			}
		}
	}
	p.state = Discovered
	return nil
}

// Inject splices an EpochControl node above the discovered site.
// It must follow a successful Discover on the same, unmodified graph; a stale
// site is an invariant violation and discovery has to be run again.
func (p *InjectionPass) Inject(_ context.Context, g *graph.Graph) (pass.Result, error) {
	if p.state != Discovered {
		return pass.Result{}, errors.Wrapf(graph.ErrStructuralInconsistency, "inject called in state %s", p.state)
	}
	if p.bypass || len(p.sites) == 0 {
		p.state = Done
		p.log.WithField("bypass", p.bypass).Debug("no epoch control injected")
		return pass.Result{}, nil
	}

	p.state = Injecting
	site := p.sites[0]
	if err := checkSite(g, site); err != nil {
		p.state = NotRun
		return pass.Result{}, err
	}

	ctrl := g.NewNode(graph.KindEpochControl, "")
	if err := g.InsertAbove(site.Node, ctrl); err != nil {
		p.state = NotRun
		return pass.Result{}, err
	}
	p.state = Done
	p.log.WithFields(logrus.Fields{
		"node":  ctrl.ID(),
		"above": site.Node.ID(),
	}).Debug("injected epoch control")
	return pass.Result{Modified: true}, nil
}

// finder builds the read-only discovery walk.
func (p *InjectionPass) finder(g *graph.Graph) *pass.NodePass {
	return pass.NewNodePass(InjectionName+"-finder", pass.ReadOnly()).
		On(graph.KindBuildVocab, pass.Handlers{Pre: func(_ context.Context, n *graph.Node) (pass.Result, error) {
			if overridden(n) {
				return pass.Result{}, nil
			}
			site := Site{Node: n, Parent: n.Parent(), Index: -1, Generation: g.Generation()}
			if site.Parent != nil {
				site.Index = site.Parent.IndexOf(n)
			}
			p.sites = append(p.sites, site)
			return pass.Result{}, nil
		}}).
		On(graph.KindCache, pass.Handlers{Pre: func(_ context.Context, n *graph.Node) (pass.Result, error) {
			if p.policy.BypassEpochCtrlOnCache && !p.bypass {
				p.bypass = true
				p.log.WithField("cache", n.ID()).Debug("cache found, epoch control injection bypassed")
			}
			return pass.Result{}, nil
		}})
}

// overridden reports whether a BuildVocab node needs no injection: it already
// sits under an EpochControl node or opted out through its parameters.
func overridden(n *graph.Node) bool {
	if parent := n.Parent(); parent != nil && parent.Kind() == graph.KindEpochControl {
		return true
	}
	if v, ok := n.Param(ParamEpochControl); ok {
		if enabled, err := strconv.ParseBool(v); err == nil && !enabled {
			return true
		}
	}
	return false
}

// checkSite verifies that the site still describes the graph.
func checkSite(g *graph.Graph, s Site) error {
	stale := func(reason string) error {
		return errors.Wrapf(graph.ErrStructuralInconsistency,
			"stale injection site at node %d: %s, rerun discovery", s.Node.ID(), reason)
	}
	if g.Generation() != s.Generation {
		return stale("graph changed since discovery")
	}
	if s.Node.Parent() != s.Parent {
		return stale("parent changed")
	}
	if s.Parent == nil {
		if g.Root() != s.Node {
			return stale("node is detached")
		}
		return nil
	}
	if s.Parent.IndexOf(s.Node) != s.Index {
		return stale("node moved")
	}
	return nil
}

func describe(sites []Site) string {
	out := ""
	for i, s := range sites {
		if i > 0 {
			out += ", "
		}
		out += strconv.FormatInt(s.Node.ID(), 10)
	}
	return out
}

package graph

import (
	"fmt"
	"strings"
)

// Graph is an execution graph. Everything reachable from the root is the
// executable set; detached nodes are garbage.
type Graph struct {
	root       *Node
	nextID     int64
	generation uint64
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nextID: 1}
}

// NewNode creates a detached node with a fresh id.
func (g *Graph) NewNode(kind Kind, name string) *Node {
	n := &Node{id: g.nextID, kind: kind, name: name}
	g.nextID++
	return n
}

// Root returns the root node.
func (g *Graph) Root() *Node {
	return g.root
}

// Generation returns a counter that advances on every structural mutation.
func (g *Graph) Generation() uint64 {
	return g.generation
}

// SetRoot makes n the root. n must not have a parent.
func (g *Graph) SetRoot(n *Node) error {
	if n == nil {
		return inconsistent("nil root")
	}
	if n.uses > 0 {
		return inconsistent("node %d (%s) has a parent and cannot be the root", n.id, n.Name())
	}
	g.root = n
	g.generation++
	return nil
}

// AddChild appends child to parent's children.
//
// A child that already has a parent is accepted only if it was marked shared;
// otherwise two nodes would claim the same child. Edges that would close a
// cycle are rejected.
func (g *Graph) AddChild(parent, child *Node) error {
	if parent == nil || child == nil {
		return inconsistent("nil node in edge")
	}
	if child.uses > 0 && !child.shared {
		return inconsistent("node %d (%s) already owned by node %d, cannot attach to node %d",
			child.id, child.Name(), child.parent.id, parent.id)
	}
	if child == g.root {
		return inconsistent("root node %d cannot become a child", child.id)
	}
	if reaches(child, parent) {
		return inconsistent("edge %d -> %d would create a cycle", parent.id, child.id)
	}
	parent.children = append(parent.children, child)
	if child.parent == nil {
		child.parent = parent
	}
	child.uses++
	g.generation++
	return nil
}

// MarkShared allows n to be attached under several parents.
func (g *Graph) MarkShared(n *Node) {
	n.shared = true
}

// InsertAbove splices n between site and its parent, so that
// parent -> n -> site. When site is the root, n becomes the new root.
// n must be detached; site must not be shared.
func (g *Graph) InsertAbove(site, n *Node) error {
	if site == nil || n == nil {
		return inconsistent("nil node in splice")
	}
	if n.uses > 0 || len(n.children) > 0 || n == g.root {
		return inconsistent("node %d is not detached", n.id)
	}
	if site.uses > 1 {
		return inconsistent("node %d (%s) has %d parents, splice target is ambiguous", site.id, site.Name(), site.uses)
	}

	parent := site.parent
	switch {
	case parent == nil && site == g.root:
		g.root = n
	case parent == nil:
		return inconsistent("node %d (%s) is not attached to the graph", site.id, site.Name())
	default:
		idx := parent.IndexOf(site)
		if idx < 0 {
			return inconsistent("node %d lists parent %d which does not hold it", site.id, parent.id)
		}
		parent.children[idx] = n
		n.parent = parent
		n.uses = 1
	}
	n.children = []*Node{site}
	site.parent = n
	site.uses = 1
	g.generation++
	return nil
}

// Walk visits reachable nodes in pre-order. Shared nodes are visited once.
func (g *Graph) Walk(fn func(n *Node, depth int) error) error {
	if g.root == nil {
		return nil
	}
	seen := make(map[*Node]bool)
	var visit func(n *Node, depth int) error
	visit = func(n *Node, depth int) error {
		if seen[n] {
			return nil
		}
		seen[n] = true
		if err := fn(n, depth); err != nil {
			return err
		}
		for _, c := range n.children {
			if err := visit(c, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return visit(g.root, 0)
}

// Nodes returns the reachable nodes in pre-order.
func (g *Graph) Nodes() []*Node {
	var nodes []*Node
	_ = g.Walk(func(n *Node, _ int) error {
		nodes = append(nodes, n)
		return nil
	})
	return nodes
}

// Len returns the number of reachable nodes.
func (g *Graph) Len() int {
	return len(g.Nodes())
}

// PostOrder returns reachable nodes with every child before its parents.
// This is execution order: children produce what their parents consume.
func (g *Graph) PostOrder() []*Node {
	if g.root == nil {
		return nil
	}
	visited := make(map[*Node]bool)
	var result []*Node
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, c := range n.children {
			visit(c)
		}
		result = append(result, n)
	}
	visit(g.root)
	return result
}

// Edge is a parent -> child link identified by node ids.
type Edge struct {
	Parent, Child int64
}

// Edges returns all reachable edges in pre-order.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, n := range g.Nodes() {
		for _, c := range n.children {
			edges = append(edges, Edge{Parent: n.id, Child: c.id})
		}
	}
	return edges
}

// Find returns the first reachable node with the given kind, in pre-order.
func (g *Graph) Find(kind Kind) *Node {
	for _, n := range g.Nodes() {
		if n.kind == kind {
			return n
		}
	}
	return nil
}

// Validate checks the graph invariants: no cycles, use counts matching the
// edges, a single parent for unshared nodes and parent references that point
// at a real parent.
func (g *Graph) Validate() error {
	if g.root == nil {
		return nil
	}
	if g.root.uses != 0 {
		return inconsistent("root node %d has %d parents", g.root.id, g.root.uses)
	}

	incoming := make(map[*Node][]*Node)
	state := make(map[*Node]int) // 0 new, 1 on stack, 2 done
	ids := make(map[int64]*Node)
	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch state[n] {
		case 1:
			return inconsistent("cycle through node %d (%s)", n.id, n.Name())
		case 2:
			return nil
		}
		if other, ok := ids[n.id]; ok && other != n {
			return inconsistent("duplicate node id %d", n.id)
		}
		ids[n.id] = n
		state[n] = 1
		for _, c := range n.children {
			incoming[c] = append(incoming[c], n)
			if err := visit(c); err != nil {
				return err
			}
		}
		state[n] = 2
		return nil
	}
	if err := visit(g.root); err != nil {
		return err
	}

	for n, parents := range incoming {
		if len(parents) > 1 && !n.shared {
			return inconsistent("node %d (%s) claimed by nodes %d and %d", n.id, n.Name(), parents[0].id, parents[1].id)
		}
		if n.uses != len(parents) {
			return inconsistent("node %d (%s) records %d uses but has %d parents", n.id, n.Name(), n.uses, len(parents))
		}
		if !contains(parents, n.parent) {
			return inconsistent("node %d (%s) parent reference is not one of its parents", n.id, n.Name())
		}
	}
	return nil
}

// String renders the reachable graph as an indented tree.
func (g *Graph) String() string {
	var b strings.Builder
	_ = g.Walk(func(n *Node, depth int) error {
		fmt.Fprintf(&b, "%s%s#%d", strings.Repeat("  ", depth), n.Name(), n.id)
		if n.name != "" {
			fmt.Fprintf(&b, " (%s)", n.kind)
		}
		if n.shared {
			fmt.Fprintf(&b, " shared x%d", n.uses)
		}
		b.WriteByte('\n')
		return nil
	})
	return b.String()
}

// reaches reports whether to is reachable from from.
func reaches(from, to *Node) bool {
	if from == to {
		return true
	}
	for _, c := range from.children {
		if reaches(c, to) {
			return true
		}
	}
	return false
}

func contains(nodes []*Node, n *Node) bool {
	for _, x := range nodes {
		if x == n {
			return true
		}
	}
	return false
}

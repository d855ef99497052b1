package graph

import (
	"github.com/born-ml/lite/internal/ops"
)

// Node is one operator of the execution graph.
type Node struct {
	id       int64
	kind     Kind
	name     string
	attrs    ops.Attributes
	params   map[string]string
	children []*Node
	parent   *Node // first parent; non-owning
	shared   bool
	uses     int // number of parents holding this node
}

// ID returns the graph-unique node id.
func (n *Node) ID() int64 { return n.id }

// Kind returns the operator kind.
func (n *Node) Kind() Kind { return n.kind }

// Name returns the node name, or the kind name when unnamed.
func (n *Node) Name() string {
	if n.name == "" {
		return n.kind.String()
	}
	return n.name
}

// Children returns the ordered children. The slice must not be modified.
func (n *Node) Children() []*Node { return n.children }

// Parent returns the parent, or nil for the root and detached nodes.
func (n *Node) Parent() *Node { return n.parent }

// Shared reports whether the node may have more than one parent.
func (n *Node) Shared() bool { return n.shared }

// Uses returns the number of parents referencing the node.
func (n *Node) Uses() int { return n.uses }

// Attrs returns the operator metadata, if any.
func (n *Node) Attrs() ops.Attributes { return n.attrs }

// SetAttrs replaces the operator metadata. It is not a structural change.
func (n *Node) SetAttrs(a ops.Attributes) { n.attrs = a }

// Param returns a raw string attribute.
func (n *Node) Param(key string) (string, bool) {
	v, ok := n.params[key]
	return v, ok
}

// SetParam stores a raw string attribute.
func (n *Node) SetParam(key, value string) {
	if n.params == nil {
		n.params = make(map[string]string)
	}
	n.params[key] = value
}

// IndexOf returns the position of child under n, or -1.
func (n *Node) IndexOf(child *Node) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}

// Package model reads the YAML model description and builds the execution
// graph from it.
//
// A description names the graph inputs and nests the operator tree under
// "graph". Children produce what their parent consumes; Source nodes bind a
// graph input through their "input" parameter. A node may be given an "id"
// and referenced later with "ref", which attaches the same node under a
// second parent.
//
//	name: tiny
//	inputs:
//	  - name: image
//	    shape: [1, -1, -1, 3]
//	graph:
//	  op: DeviceQueue
//	  children:
//	    - op: Convolution
//	      name: conv1
//	      attrs: {kernel: [3, 3], pad_mode: same, in_channels: 3, out_channels: 8, weight_fill: 0.1}
//	      children:
//	        - op: Source
//	          params: {input: image}
package model

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/lite/internal/graph"
	"github.com/born-ml/lite/internal/tensor"
)

// ParamInput is the Source node parameter naming the graph input it reads.
const ParamInput = "input"

// Description is the document layout of a model file.
type Description struct {
	Name   string      `yaml:"name"`
	Inputs []InputSpec `yaml:"inputs"`
	Graph  NodeSpec    `yaml:"graph"`
}

// InputSpec declares one graph input. -1 marks a dimension known only at run
// time.
type InputSpec struct {
	Name  string `yaml:"name"`
	Shape []int  `yaml:"shape"`
	DType string `yaml:"dtype"`
}

// NodeSpec is one operator of the tree.
type NodeSpec struct {
	Op       string            `yaml:"op"`
	Name     string            `yaml:"name"`
	ID       string            `yaml:"id"`
	Ref      string            `yaml:"ref"`
	Params   map[string]string `yaml:"params"`
	Attrs    yaml.Node         `yaml:"attrs"`
	Children []NodeSpec        `yaml:"children"`
}

// Input is a resolved graph input.
type Input struct {
	Name  string
	Shape tensor.Shape
	DType tensor.DataType
}

// Model is a parsed description with its graph.
type Model struct {
	Name   string
	Inputs []Input
	Graph  *graph.Graph
}

// Input returns the declared input with the given name.
func (m *Model) Input(name string) (Input, bool) {
	for _, in := range m.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

// Load reads and parses a model file.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read model")
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "model %s", path)
	}
	return m, nil
}

// Parse decodes a YAML description and builds its graph.
func Parse(data []byte) (*Model, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "failed to decode model description")
	}
	return Build(&d)
}

// Build turns a decoded description into a model.
func Build(d *Description) (*Model, error) {
	m := &Model{Name: d.Name, Graph: graph.New()}
	for _, spec := range d.Inputs {
		in, err := buildInput(spec)
		if err != nil {
			return nil, err
		}
		if _, dup := m.Input(in.Name); dup {
			return nil, errors.Errorf("input %q declared twice", in.Name)
		}
		m.Inputs = append(m.Inputs, in)
	}
	if d.Graph.Op == "" && d.Graph.Ref == "" {
		return nil, errors.New("model has no graph")
	}

	b := &builder{model: m, ids: make(map[string]*graph.Node)}
	root, err := b.node(&d.Graph, "graph")
	if err != nil {
		return nil, err
	}
	if err := m.Graph.SetRoot(root); err != nil {
		return nil, err
	}
	if err := m.Graph.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func buildInput(spec InputSpec) (Input, error) {
	if spec.Name == "" {
		return Input{}, errors.New("input without a name")
	}
	dtype, err := tensor.ParseDataType(spec.DType)
	if err != nil {
		return Input{}, errors.WithMessagef(err, "input %q", spec.Name)
	}
	shape := tensor.Shape(append([]int(nil), spec.Shape...))
	if err := shape.Validate(); err != nil {
		return Input{}, errors.WithMessagef(err, "input %q", spec.Name)
	}
	return Input{Name: spec.Name, Shape: shape, DType: dtype}, nil
}

type builder struct {
	model *Model
	ids   map[string]*graph.Node
}

// node builds spec and its subtree. path locates the spec in error messages.
func (b *builder) node(spec *NodeSpec, path string) (*graph.Node, error) {
	if spec.Ref != "" {
		if spec.Op != "" || len(spec.Children) > 0 {
			return nil, errors.Errorf("%s: a reference cannot define op or children", path)
		}
		n, ok := b.ids[spec.Ref]
		if !ok {
			return nil, errors.Errorf("%s: reference to undefined node %q", path, spec.Ref)
		}
		b.model.Graph.MarkShared(n)
		return n, nil
	}

	kind, ok := graph.ParseKind(spec.Op)
	if !ok {
		return nil, errors.Errorf("%s: unknown operator %q", path, spec.Op)
	}
	g := b.model.Graph
	n := g.NewNode(kind, spec.Name)
	for k, v := range spec.Params {
		n.SetParam(k, v)
	}
	if spec.ID != "" {
		if _, dup := b.ids[spec.ID]; dup {
			return nil, errors.Errorf("%s: node id %q defined twice", path, spec.ID)
		}
		b.ids[spec.ID] = n
	}

	if kind == graph.KindSource {
		if name, ok := n.Param(ParamInput); ok {
			if _, declared := b.model.Input(name); !declared {
				return nil, errors.Errorf("%s: source reads undeclared input %q", path, name)
			}
		}
	}

	if populate, ok := LookupPopulater(spec.Op); ok {
		attrs, err := populate(spec)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s (%s)", path, n.Name())
		}
		n.SetAttrs(attrs)
	}

	for i := range spec.Children {
		childPath := path + "/" + childLabel(&spec.Children[i], i)
		child, err := b.node(&spec.Children[i], childPath)
		if err != nil {
			return nil, err
		}
		if err := g.AddChild(n, child); err != nil {
			return nil, errors.WithMessagef(err, "%s", childPath)
		}
	}
	return n, nil
}

func childLabel(spec *NodeSpec, i int) string {
	switch {
	case spec.Name != "":
		return spec.Name
	case spec.Ref != "":
		return "ref:" + spec.Ref
	default:
		return spec.Op + "[" + strconv.Itoa(i) + "]"
	}
}

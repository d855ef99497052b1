package kernel

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/born-ml/lite/internal/graph"
	"github.com/born-ml/lite/internal/ops"
	"github.com/born-ml/lite/internal/tensor"
)

func init() {
	Register(graph.KindConvolution, newConvFromNode)
}

// matmulFunc is the signature of MatMul.
type matmulFunc func(a, b, bias, c []float32, cols, ldc int, p MatMulParams) error

// Conv computes a dense NHWC convolution as a tiled matrix multiply.
//
// Each output channel is one column of the product and each output pixel one
// row. Columns are split into stripes, one per task; a task reads the shared
// packed input and weights and writes only its own columns.
type Conv struct {
	name   string
	attrs  *ops.Conv2D
	inputs []*tensor.Tensor // input, weight and optional bias
	output *tensor.Tensor
	kctx   *Context
	log    *logrus.Entry

	geom     ops.Geometry
	params   MatMulParams
	stripes  []Stripe
	preTrans bool
	ready    bool

	packedWeight *tensor.Tensor // [UpRound(Cout, tile) * deep]
	bias         *tensor.Tensor // [UpRound(Cout, tile)], zero padded
	packedInput  *tensor.Tensor // [UpRound(row, tile) * deep], rebuilt by Resize

	mm matmulFunc
}

// NewConv creates a convolution kernel. The weight and, when the attributes
// carry one, the bias become the second and third inputs.
func NewConv(name string, attrs *ops.Conv2D, input, output *tensor.Tensor, kctx *Context) (*Conv, error) {
	if attrs == nil {
		return nil, errors.Errorf("conv %s: missing attributes", name)
	}
	if input == nil || output == nil {
		return nil, errors.Errorf("conv %s: missing input or output tensor", name)
	}
	if err := kctx.check(); err != nil {
		return nil, errors.Wrapf(err, "conv %s", name)
	}
	inputs := []*tensor.Tensor{input, attrs.Weight}
	if attrs.HasBias && attrs.Bias != nil {
		inputs = append(inputs, attrs.Bias)
	}
	return &Conv{
		name:   name,
		attrs:  attrs,
		inputs: inputs,
		output: output,
		kctx:   kctx,
		log:    kctx.logger().WithField("kernel", name),
		mm:     MatMul,
	}, nil
}

func newConvFromNode(n *graph.Node, inputs []*tensor.Tensor, output *tensor.Tensor, kctx *Context) (Kernel, error) {
	attrs, ok := n.Attrs().(*ops.Conv2D)
	if !ok {
		return nil, errors.Errorf("node %d (%s): convolution without convolution attributes", n.ID(), n.Name())
	}
	if len(inputs) != 1 {
		return nil, errors.Errorf("node %d (%s): convolution takes 1 input, got %d", n.ID(), n.Name(), len(inputs))
	}
	return NewConv(n.Name(), attrs, inputs[0], output, kctx)
}

// Name implements Kernel.
func (c *Conv) Name() string {
	return c.name
}

// Ready implements Kernel.
func (c *Conv) Ready() bool {
	return c.ready
}

// InferShape implements Kernel.
func (c *Conv) InferShape() (tensor.Shape, error) {
	shape, _, err := c.attrs.InferShape(c.inputs[0].Shape())
	if errors.Is(err, tensor.ErrUnresolved) {
		if rerr := c.output.Resize(shape); rerr != nil {
			return nil, rerr
		}
		return shape, errors.Wrapf(ErrNotReady, "conv %s: input %s", c.name, c.inputs[0].Shape())
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "conv %s", c.name)
	}
	if err := c.output.Resize(shape); err != nil {
		return nil, err
	}
	return shape, nil
}

// Init validates the attributes, packs the weights and bias once, then
// sizes the transient buffers. It defers without allocating while the input
// shape is unresolved.
func (c *Conv) Init(ctx context.Context) error {
	if !c.inputs[0].Shape().Resolved() {
		c.ready = false
		c.log.WithField("input", c.inputs[0].Shape()).Debug("init deferred, input unresolved")
		return nil
	}
	if err := c.attrs.Validate(); err != nil {
		return errors.WithMessagef(err, "conv %s", c.name)
	}
	if err := c.initWeightBias(ctx); err != nil {
		return err
	}
	return c.Resize()
}

func (c *Conv) initWeightBias(ctx context.Context) error {
	tile := c.kctx.Tile
	col := c.attrs.OutChannels
	deep := c.attrs.KernelH * c.attrs.KernelW * c.attrs.InChannels
	colRound := tensor.UpRound(col, tile)

	var err error
	if c.packedWeight == nil {
		if c.packedWeight, err = tensor.New(tensor.Shape{colRound * deep}, tensor.Float32); err != nil {
			return errors.Wrapf(tensor.ErrAllocation, "conv %s: packed weight: %v", c.name, err)
		}
	}
	if c.bias == nil {
		if c.bias, err = tensor.New(tensor.Shape{colRound}, tensor.Float32); err != nil {
			return errors.Wrapf(tensor.ErrAllocation, "conv %s: bias: %v", c.name, err)
		}
	}

	weight := c.inputs[1].AsFloat32()
	packed := c.packedWeight.AsFloat32()
	if err := c.kctx.Pool.ForBatch(ctx, tensor.UpDiv(col, tile), tile, func(block, lane int) {
		if oc := block*tile + lane; oc < col {
			packRow(weight, packed, oc, deep, tile)
		}
	}); err != nil {
		return errors.WithMessagef(err, "conv %s: pack weight", c.name)
	}
	clearPadding(packed, col, deep, tile)

	bias := c.bias.AsFloat32()
	clear(bias)
	if len(c.inputs) == 3 {
		copy(bias, c.inputs[2].AsFloat32())
	}
	return nil
}

// Resize implements Kernel.
func (c *Conv) Resize() error {
	c.releaseTransient()
	c.ready = false

	shape, geom, err := c.attrs.InferShape(c.inputs[0].Shape())
	if errors.Is(err, tensor.ErrUnresolved) {
		return nil
	}
	if err != nil {
		return errors.WithMessagef(err, "conv %s", c.name)
	}
	if c.packedWeight == nil {
		return errors.Wrapf(ErrNotReady, "conv %s: resize before init", c.name)
	}
	if err := c.output.Resize(shape); err != nil {
		return err
	}

	tile := c.kctx.Tile
	c.geom = geom
	c.params = MatMulParams{
		Row:  geom.OutH * geom.OutW,
		Col:  geom.OutC,
		Deep: c.attrs.KernelH * c.attrs.KernelW * geom.InC,
		Tile: tile,
		Act:  c.attrs.Act,
	}
	c.preTrans = !c.pointwise()
	c.stripes = Partition(c.kctx.threads(), c.params.Col, tile)

	c.packedInput, err = tensor.New(tensor.Shape{tensor.UpRound(c.params.Row, tile) * c.params.Deep}, tensor.Float32)
	if err != nil {
		return errors.Wrapf(tensor.ErrAllocation, "conv %s: packed input: %v", c.name, err)
	}
	c.ready = true

	c.log.WithFields(logrus.Fields{
		"geometry": geom.String(),
		"row":      c.params.Row,
		"col":      c.params.Col,
		"deep":     c.params.Deep,
		"tasks":    len(c.stripes),
		"stripe":   c.stripes[0].Width,
		"im2col":   c.preTrans,
	}).Debug("conv resized")
	return nil
}

// pointwise reports whether an NHWC image already is the [row, deep] lhs.
func (c *Conv) pointwise() bool {
	a := c.attrs
	return a.KernelH == 1 && a.KernelW == 1 &&
		a.StrideH == 1 && a.StrideW == 1 &&
		c.geom.Pads.Zero()
}

// Run implements Kernel. Batch items are processed one at a time; the tasks
// of one item finish before the next item is packed.
func (c *Conv) Run(ctx context.Context) (err error) {
	if !c.ready {
		return errors.Wrapf(ErrNotReady, "conv %s", c.name)
	}
	g := c.geom
	p := c.params
	in := c.inputs[0].AsFloat32()
	out := c.output.AsFloat32()
	inSize := g.InH * g.InW * g.InC
	outSize := g.OutH * g.OutW * g.OutC
	if len(in) < g.Batch*inSize || len(out) < g.Batch*outSize {
		return errors.Wrapf(ErrNotReady, "conv %s: tensors do not match the resized geometry %s", c.name, g)
	}

	var scratch []float32
	if c.preTrans {
		block, merr := c.kctx.Allocator.Malloc(p.Row * p.Deep * tensor.Float32.Size())
		if merr != nil {
			return errors.WithMessagef(merr, "conv %s: im2col scratch", c.name)
		}
		defer func() {
			if ferr := c.kctx.Allocator.Free(block); ferr != nil && err == nil {
				err = errors.WithMessagef(ferr, "conv %s: free scratch", c.name)
			}
		}()
		scratch = block.Float32()
	}

	packed := c.packedInput.AsFloat32()
	weight := c.packedWeight.AsFloat32()
	bias := c.bias.AsFloat32()

	for b := 0; b < g.Batch; b++ {
		src := in[b*inSize : (b+1)*inSize]
		if c.preTrans {
			Im2col(scratch, src, c.attrs, g)
			src = scratch
		}
		RowMajor2ColTileMajor(src, packed, p.Row, p.Deep, p.Tile)

		dst := out[b*outSize : (b+1)*outSize]
		lerr := c.kctx.Pool.Launch(ctx, func(_ context.Context, task int) error {
			s := c.stripes[task]
			if s.Valid <= 0 {
				return nil
			}
			return c.mm(packed, weight[s.Offset*p.Deep:], bias[s.Offset:], dst[s.Offset:], s.Valid, p.Col, p)
		}, len(c.stripes))
		if lerr != nil {
			return errors.WithMessagef(lerr, "conv %s: batch %d", c.name, b)
		}
	}
	return nil
}

// releaseTransient drops the buffers Resize rebuilds.
func (c *Conv) releaseTransient() {
	if c.packedInput != nil {
		c.packedInput.Release()
		c.packedInput = nil
	}
	c.stripes = nil
}

// Release implements Kernel.
func (c *Conv) Release() {
	c.releaseTransient()
	if c.packedWeight != nil {
		c.packedWeight.Release()
		c.packedWeight = nil
	}
	if c.bias != nil {
		c.bias.Release()
		c.bias = nil
	}
	c.ready = false
}

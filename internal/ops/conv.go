package ops

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/born-ml/lite/internal/tensor"
)

// PadMode selects how convolution padding is derived.
type PadMode int

// Supported padding modes.
const (
	PadCaffe PadMode = iota // explicit pads from the attributes
	PadSame                 // output = ceil(input / stride)
	PadValid                // no padding
)

// String returns the attribute spelling of the mode.
func (m PadMode) String() string {
	switch m {
	case PadCaffe:
		return "caffe"
	case PadSame:
		return "same"
	case PadValid:
		return "valid"
	default:
		return "unknown"
	}
}

// ParsePadMode converts an attribute value into a PadMode.
func ParsePadMode(s string) (PadMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "caffe", "explicit", "notset":
		return PadCaffe, nil
	case "same", "same_upper":
		return PadSame, nil
	case "valid":
		return PadValid, nil
	default:
		return 0, errors.Errorf("unknown pad mode %q", s)
	}
}

// ActType is the activation fused into a kernel epilogue.
type ActType int

// Supported activations.
const (
	ActNone ActType = iota
	ActRelu
	ActRelu6
)

// String returns the attribute spelling of the activation.
func (a ActType) String() string {
	switch a {
	case ActRelu:
		return "relu"
	case ActRelu6:
		return "relu6"
	default:
		return "none"
	}
}

// ParseActType converts an attribute value into an ActType.
func ParseActType(s string) (ActType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "no":
		return ActNone, nil
	case "relu":
		return ActRelu, nil
	case "relu6":
		return ActRelu6, nil
	default:
		return 0, errors.Errorf("unknown activation %q", s)
	}
}

// Pads holds explicit padding in the order top, bottom, left, right.
type Pads struct {
	Top, Bottom, Left, Right int
}

// Zero reports whether no side is padded.
func (p Pads) Zero() bool {
	return p == Pads{}
}

// Attributes is operator metadata attached to a graph node.
type Attributes interface {
	// OpName returns the operator name the attributes belong to.
	OpName() string
}

// Conv2D describes a dense 2D convolution over NHWC data.
// Weight layout is [OutChannels, KernelH, KernelW, InChannels]; Bias, when
// present, has OutChannels elements.
type Conv2D struct {
	KernelH, KernelW     int
	StrideH, StrideW     int
	DilationH, DilationW int
	PadMode              PadMode
	Pads                 Pads
	Group                int
	OutChannels          int
	InChannels           int
	HasBias              bool
	Act                  ActType

	Weight *tensor.Tensor
	Bias   *tensor.Tensor
}

// OpName implements Attributes.
func (c *Conv2D) OpName() string {
	return "Convolution"
}

// Validate checks attribute consistency and the weight payload.
func (c *Conv2D) Validate() error {
	if c.KernelH <= 0 || c.KernelW <= 0 {
		return errors.Errorf("conv2d: kernel %dx%d must be positive", c.KernelH, c.KernelW)
	}
	if c.StrideH <= 0 || c.StrideW <= 0 {
		return errors.Errorf("conv2d: stride %dx%d must be positive", c.StrideH, c.StrideW)
	}
	if c.DilationH <= 0 || c.DilationW <= 0 {
		return errors.Errorf("conv2d: dilation %dx%d must be positive", c.DilationH, c.DilationW)
	}
	if c.Group > 1 {
		return errors.Errorf("conv2d: group %d not supported, only dense convolution", c.Group)
	}
	if c.Pads.Top < 0 || c.Pads.Bottom < 0 || c.Pads.Left < 0 || c.Pads.Right < 0 {
		return errors.Errorf("conv2d: negative padding %+v", c.Pads)
	}
	if c.Weight == nil {
		return errors.New("conv2d: missing weight")
	}
	want := tensor.Shape{c.OutChannels, c.KernelH, c.KernelW, c.InChannels}
	if !c.Weight.Shape().Equal(want) {
		return errors.Errorf("conv2d: weight shape %s, want %s", c.Weight.Shape(), want)
	}
	if c.HasBias {
		if c.Bias == nil {
			return errors.New("conv2d: has_bias set but no bias payload")
		}
		if c.Bias.NumElements() != c.OutChannels {
			return errors.Errorf("conv2d: bias has %d elements, want %d", c.Bias.NumElements(), c.OutChannels)
		}
	}
	return nil
}

// Geometry is the resolved spatial layout of one convolution.
type Geometry struct {
	Batch, InH, InW, InC int
	OutH, OutW, OutC     int
	Pads                 Pads
}

// String formats the geometry for logs.
func (g Geometry) String() string {
	return fmt.Sprintf("N=%d in=%dx%dx%d out=%dx%dx%d pads=%+v", g.Batch, g.InH, g.InW, g.InC, g.OutH, g.OutW, g.OutC, g.Pads)
}

// InferShape computes the NHWC output shape and the effective padding for an
// NHWC input. An unresolved input yields tensor.ErrUnresolved.
func (c *Conv2D) InferShape(input tensor.Shape) (tensor.Shape, Geometry, error) {
	if len(input) != 4 {
		return nil, Geometry{}, errors.Errorf("conv2d: input must be 4D [N,H,W,C], got %dD", len(input))
	}
	if !input.Resolved() {
		return tensor.Shape{input[0], tensor.Unknown, tensor.Unknown, c.OutChannels}, Geometry{}, tensor.ErrUnresolved
	}
	g := Geometry{Batch: input[0], InH: input[1], InW: input[2], InC: input[3], OutC: c.OutChannels}
	if g.InC != c.InChannels {
		return nil, Geometry{}, errors.Errorf("conv2d: input channels %d != weight channels %d", g.InC, c.InChannels)
	}

	var err error
	g.OutH, g.Pads.Top, g.Pads.Bottom, err = outputDim(c.PadMode, g.InH, c.KernelH, c.StrideH, c.DilationH, c.Pads.Top, c.Pads.Bottom)
	if err != nil {
		return nil, Geometry{}, errors.Wrapf(err, "conv2d: height of input %s", input)
	}
	g.OutW, g.Pads.Left, g.Pads.Right, err = outputDim(c.PadMode, g.InW, c.KernelW, c.StrideW, c.DilationW, c.Pads.Left, c.Pads.Right)
	if err != nil {
		return nil, Geometry{}, errors.Wrapf(err, "conv2d: width of input %s", input)
	}
	return tensor.Shape{g.Batch, g.OutH, g.OutW, g.OutC}, g, nil
}

// outputDim resolves one spatial dimension.
func outputDim(mode PadMode, in, kernel, stride, dilation, padBefore, padAfter int) (out, before, after int, err error) {
	extent := (kernel-1)*dilation + 1
	switch mode {
	case PadSame:
		out = tensor.UpDiv(in, stride)
		total := max((out-1)*stride+extent-in, 0)
		before = total / 2
		after = total - before
	case PadValid:
		out = tensor.UpDiv(in-extent+1, stride)
	default:
		before, after = padBefore, padAfter
		out = (in+before+after-extent)/stride + 1
	}
	if out <= 0 {
		return 0, 0, 0, errors.Errorf("non-positive output size %d (in=%d kernel=%d stride=%d dilation=%d)", out, in, kernel, stride, dilation)
	}
	return out, before, after, nil
}

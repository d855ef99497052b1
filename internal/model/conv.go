package model

import (
	"github.com/pkg/errors"

	"github.com/born-ml/lite/internal/ops"
	"github.com/born-ml/lite/internal/tensor"
)

func init() {
	RegisterPopulater("Convolution", populateConv)
}

// convSpec is the attribute block of a Convolution node. Pairs accept one
// value for both axes; pads accept 1, 2 (vertical, horizontal) or 4
// (top, bottom, left, right) values.
type convSpec struct {
	Kernel      []int     `yaml:"kernel"`
	Stride      []int     `yaml:"stride"`
	Dilation    []int     `yaml:"dilation"`
	PadMode     string    `yaml:"pad_mode"`
	Pads        []int     `yaml:"pads"`
	Group       int       `yaml:"group"`
	InChannels  int       `yaml:"in_channels"`
	OutChannels int       `yaml:"out_channels"`
	HasBias     *bool     `yaml:"has_bias"`
	Activation  string    `yaml:"activation"`
	Weight      []float32 `yaml:"weight"`
	WeightFill  *float32  `yaml:"weight_fill"`
	Bias        []float32 `yaml:"bias"`
}

func populateConv(spec *NodeSpec) (ops.Attributes, error) {
	var cs convSpec
	if spec.Attrs.Kind != 0 {
		if err := spec.Attrs.Decode(&cs); err != nil {
			return nil, errors.Wrap(err, "convolution attributes")
		}
	}

	c := &ops.Conv2D{
		Group:       max(cs.Group, 1),
		InChannels:  cs.InChannels,
		OutChannels: cs.OutChannels,
	}
	var err error
	if c.KernelH, c.KernelW, err = pair("kernel", cs.Kernel, 0); err != nil {
		return nil, err
	}
	if c.StrideH, c.StrideW, err = pair("stride", cs.Stride, 1); err != nil {
		return nil, err
	}
	if c.DilationH, c.DilationW, err = pair("dilation", cs.Dilation, 1); err != nil {
		return nil, err
	}
	if c.Pads, err = pads(cs.Pads); err != nil {
		return nil, err
	}
	if c.PadMode, err = ops.ParsePadMode(cs.PadMode); err != nil {
		return nil, err
	}
	if c.Act, err = ops.ParseActType(cs.Activation); err != nil {
		return nil, err
	}

	c.HasBias = len(cs.Bias) > 0
	if cs.HasBias != nil {
		c.HasBias = *cs.HasBias
	}

	weightShape := tensor.Shape{c.OutChannels, c.KernelH, c.KernelW, c.InChannels}
	if weightShape.NumElements() <= 0 {
		return nil, errors.Errorf("convolution needs positive kernel and channels, weight shape %s", weightShape)
	}
	weight := cs.Weight
	if len(weight) == 0 && cs.WeightFill != nil {
		weight = make([]float32, weightShape.NumElements())
		for i := range weight {
			weight[i] = *cs.WeightFill
		}
	}
	if c.Weight, err = tensor.FromFloat32(weightShape, weight); err != nil {
		return nil, errors.WithMessage(err, "convolution weight")
	}
	if c.HasBias {
		bias := cs.Bias
		if len(bias) == 0 {
			bias = make([]float32, c.OutChannels)
		}
		if c.Bias, err = tensor.FromFloat32(tensor.Shape{c.OutChannels}, bias); err != nil {
			return nil, errors.WithMessage(err, "convolution bias")
		}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// pair expands a per-axis attribute.
func pair(name string, vals []int, def int) (int, int, error) {
	switch len(vals) {
	case 0:
		return def, def, nil
	case 1:
		return vals[0], vals[0], nil
	case 2:
		return vals[0], vals[1], nil
	default:
		return 0, 0, errors.Errorf("%s takes 1 or 2 values, got %d", name, len(vals))
	}
}

func pads(vals []int) (ops.Pads, error) {
	switch len(vals) {
	case 0:
		return ops.Pads{}, nil
	case 1:
		return ops.Pads{Top: vals[0], Bottom: vals[0], Left: vals[0], Right: vals[0]}, nil
	case 2:
		return ops.Pads{Top: vals[0], Bottom: vals[0], Left: vals[1], Right: vals[1]}, nil
	case 4:
		return ops.Pads{Top: vals[0], Bottom: vals[1], Left: vals[2], Right: vals[3]}, nil
	default:
		return ops.Pads{}, errors.Errorf("pads take 1, 2 or 4 values, got %d", len(vals))
	}
}

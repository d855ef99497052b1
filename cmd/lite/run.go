package main

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/born-ml/lite/internal/model"
	"github.com/born-ml/lite/internal/session"
	"github.com/born-ml/lite/internal/tensor"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		shapes []string
		dim    int
		repeat int
	)
	cmd := &cobra.Command{
		Use:   "run <model.yaml>",
		Short: "Compile a model and run it on generated inputs",
		Long: `Compile a model and run it on generated inputs.

Inputs are filled with a fixed ramp. Unknown dimensions take the value of
--dim unless --shape gives the full shape, e.g. --shape image=1,32,32,3.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := parseShapes(shapes)
			if err != nil {
				return err
			}
			m, err := model.Load(args[0])
			if err != nil {
				return err
			}
			s, err := session.New(a.cfg, a.log)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.Compile(cmd.Context(), m); err != nil {
				return err
			}
			feeds, err := generateFeeds(m, overrides, dim)
			if err != nil {
				return err
			}

			var out *tensor.Tensor
			for i := 0; i < max(repeat, 1); i++ {
				if out, err = s.Run(cmd.Context(), feeds); err != nil {
					return err
				}
			}
			minV, maxV, mean := stats(out.AsFloat32())
			cmd.Printf("output %s kernels=%v min=%g max=%g mean=%g\n", out.Shape(), s.Kernels(), minV, maxV, mean)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&shapes, "shape", nil, "input shape as name=d0,d1,...")
	cmd.Flags().IntVar(&dim, "dim", 8, "size used for unknown input dimensions")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "number of runs")
	return cmd
}

func parseShapes(specs []string) (map[string]tensor.Shape, error) {
	out := make(map[string]tensor.Shape, len(specs))
	for _, spec := range specs {
		name, dims, ok := strings.Cut(spec, "=")
		if !ok || name == "" {
			return nil, errors.Errorf("shape %q: want name=d0,d1,...", spec)
		}
		var shape tensor.Shape
		for _, d := range strings.Split(dims, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(d))
			if err != nil || n <= 0 {
				return nil, errors.Errorf("shape %q: bad dimension %q", spec, d)
			}
			shape = append(shape, n)
		}
		out[name] = shape
	}
	return out, nil
}

func generateFeeds(m *model.Model, overrides map[string]tensor.Shape, dim int) (map[string]*tensor.Tensor, error) {
	feeds := make(map[string]*tensor.Tensor, len(m.Inputs))
	for _, in := range m.Inputs {
		shape, ok := overrides[in.Name]
		if !ok {
			shape = in.Shape.Clone()
			for i, d := range shape {
				if d == tensor.Unknown {
					shape[i] = dim
				}
			}
		}
		if in.DType != tensor.Float32 {
			return nil, errors.Errorf("input %q: only float32 inputs can be generated, got %s", in.Name, in.DType)
		}
		data := make([]float32, shape.NumElements())
		for i := range data {
			data[i] = float32(i%17) / 16
		}
		t, err := tensor.FromFloat32(shape, data)
		if err != nil {
			return nil, errors.WithMessagef(err, "input %q", in.Name)
		}
		feeds[in.Name] = t
	}
	return feeds, nil
}

func stats(data []float32) (minV, maxV, mean float64) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	minV, maxV = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, v := range data {
		f := float64(v)
		minV = math.Min(minV, f)
		maxV = math.Max(maxV, f)
		sum += f
	}
	return minV, maxV, sum / float64(len(data))
}

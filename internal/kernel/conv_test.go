package kernel

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/lite/internal/graph"
	"github.com/born-ml/lite/internal/ops"
	"github.com/born-ml/lite/internal/parallel"
	"github.com/born-ml/lite/internal/tensor"
)

func values(n, seed int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i*seed+3)%17-8) / 8
	}
	return out
}

func newTestContext(t *testing.T, threads int) *Context {
	t.Helper()
	pool := parallel.NewPool(parallel.Config{Enabled: true, NumWorkers: threads, MinChunkSize: 4})
	t.Cleanup(func() { _ = pool.Close() })
	kctx := NewContext(pool)
	kctx.Threads = threads
	return kctx
}

type convCase struct {
	name           string
	n, h, w, cin   int
	cout, kh, kw   int
	stride, dilate int
	mode           ops.PadMode
	pads           ops.Pads
	bias           bool
	act            ops.ActType
}

func (tc convCase) attrs(t *testing.T) *ops.Conv2D {
	t.Helper()
	weight, err := tensor.FromFloat32(tensor.Shape{tc.cout, tc.kh, tc.kw, tc.cin}, values(tc.cout*tc.kh*tc.kw*tc.cin, 5))
	require.NoError(t, err)
	a := &ops.Conv2D{
		KernelH: tc.kh, KernelW: tc.kw,
		StrideH: tc.stride, StrideW: tc.stride,
		DilationH: tc.dilate, DilationW: tc.dilate,
		PadMode: tc.mode, Pads: tc.pads,
		Group:       1,
		OutChannels: tc.cout, InChannels: tc.cin,
		HasBias: tc.bias,
		Act:     tc.act,
		Weight:  weight,
	}
	if tc.bias {
		a.Bias, err = tensor.FromFloat32(tensor.Shape{tc.cout}, values(tc.cout, 3))
		require.NoError(t, err)
	}
	return a
}

// naiveConv is a direct NHWC convolution.
func naiveConv(in []float32, a *ops.Conv2D, g ops.Geometry) []float32 {
	w := a.Weight.AsFloat32()
	var bias []float32
	if a.HasBias {
		bias = a.Bias.AsFloat32()
	}
	out := make([]float32, g.Batch*g.OutH*g.OutW*g.OutC)
	for n := 0; n < g.Batch; n++ {
		for oh := 0; oh < g.OutH; oh++ {
			for ow := 0; ow < g.OutW; ow++ {
				for oc := 0; oc < g.OutC; oc++ {
					var sum float32
					for kh := 0; kh < a.KernelH; kh++ {
						for kw := 0; kw < a.KernelW; kw++ {
							h := oh*a.StrideH - g.Pads.Top + kh*a.DilationH
							x := ow*a.StrideW - g.Pads.Left + kw*a.DilationW
							if h < 0 || h >= g.InH || x < 0 || x >= g.InW {
								continue
							}
							for ic := 0; ic < g.InC; ic++ {
								sum += in[((n*g.InH+h)*g.InW+x)*g.InC+ic] * w[((oc*a.KernelH+kh)*a.KernelW+kw)*g.InC+ic]
							}
						}
					}
					if bias != nil {
						sum += bias[oc]
					}
					out[((n*g.OutH+oh)*g.OutW+ow)*g.OutC+oc] = activate(sum, a.Act)
				}
			}
		}
	}
	return out
}

func TestConvMatchesNaive(t *testing.T) {
	cases := []convCase{
		{name: "3x3 stride 2 same relu", n: 2, h: 7, w: 6, cin: 3, cout: 10, kh: 3, kw: 3, stride: 2, dilate: 1, mode: ops.PadSame, bias: true, act: ops.ActRelu},
		{name: "1x1 pointwise", n: 1, h: 4, w: 5, cin: 6, cout: 9, kh: 1, kw: 1, stride: 1, dilate: 1, mode: ops.PadValid},
		{name: "dilated caffe pads relu6", n: 1, h: 8, w: 8, cin: 2, cout: 5, kh: 3, kw: 3, stride: 1, dilate: 2, mode: ops.PadCaffe, pads: ops.Pads{Top: 1, Bottom: 2, Left: 2, Right: 1}, bias: true, act: ops.ActRelu6},
		{name: "100 channels", n: 1, h: 3, w: 3, cin: 4, cout: 100, kh: 1, kw: 1, stride: 1, dilate: 1, mode: ops.PadValid, bias: true},
		{name: "1x1 stride 2", n: 2, h: 5, w: 5, cin: 3, cout: 8, kh: 1, kw: 1, stride: 2, dilate: 1, mode: ops.PadValid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kctx := newTestContext(t, 4)
			attrs := tc.attrs(t)
			in, err := tensor.FromFloat32(tensor.Shape{tc.n, tc.h, tc.w, tc.cin}, values(tc.n*tc.h*tc.w*tc.cin, 7))
			require.NoError(t, err)
			out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
			require.NoError(t, err)

			k, err := NewConv("conv", attrs, in, out, kctx)
			require.NoError(t, err)
			defer k.Release()

			shape, err := k.InferShape()
			require.NoError(t, err)
			require.NoError(t, k.Init(context.Background()))
			require.True(t, k.Ready())
			require.NoError(t, k.Run(context.Background()))

			_, g, err := attrs.InferShape(in.Shape())
			require.NoError(t, err)
			assert.Equal(t, shape, out.Shape())
			want := naiveConv(in.AsFloat32(), attrs, g)
			got := out.AsFloat32()
			require.Len(t, got, len(want))
			for i := range want {
				require.InDelta(t, want[i], got[i], 1e-4, "output %d", i)
			}
		})
	}
}

func TestConvParallelWeightPackMatchesSequential(t *testing.T) {
	tc := convCase{n: 1, h: 3, w: 3, cin: 5, cout: 21, kh: 3, kw: 3, stride: 1, dilate: 1, mode: ops.PadSame}
	attrs := tc.attrs(t)
	in, err := tensor.FromFloat32(tensor.Shape{1, 3, 3, 5}, values(45, 3))
	require.NoError(t, err)
	out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
	require.NoError(t, err)

	k, err := NewConv("conv", attrs, in, out, newTestContext(t, 3))
	require.NoError(t, err)
	defer k.Release()
	_, err = k.InferShape()
	require.NoError(t, err)
	require.NoError(t, k.Init(context.Background()))

	deep := 3 * 3 * 5
	want := make([]float32, tensor.UpRound(21, DefaultTile)*deep)
	RowMajor2ColTileMajor(attrs.Weight.AsFloat32(), want, 21, deep, DefaultTile)
	assert.Equal(t, want, k.packedWeight.AsFloat32())
}

func TestConvInitDefersWhileUnresolved(t *testing.T) {
	kctx := newTestContext(t, 2)
	tc := convCase{cin: 3, cout: 4, kh: 3, kw: 3, stride: 1, dilate: 1, mode: ops.PadSame}
	attrs := tc.attrs(t)
	in, err := tensor.New(tensor.Shape{1, tensor.Unknown, tensor.Unknown, 3}, tensor.Float32)
	require.NoError(t, err)
	out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
	require.NoError(t, err)

	k, err := NewConv("conv", attrs, in, out, kctx)
	require.NoError(t, err)
	defer k.Release()

	shape, err := k.InferShape()
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.Equal(t, tensor.Shape{1, tensor.Unknown, tensor.Unknown, 4}, shape)

	require.NoError(t, k.Init(context.Background()))
	assert.False(t, k.Ready())
	assert.Nil(t, k.packedWeight, "nothing allocated while deferred")
	assert.True(t, errors.Is(k.Run(context.Background()), ErrNotReady))

	require.NoError(t, in.Resize(tensor.Shape{1, 5, 5, 3}))
	_, err = k.InferShape()
	require.NoError(t, err)
	require.NoError(t, k.Init(context.Background()))
	assert.True(t, k.Ready())
	require.NoError(t, k.Run(context.Background()))
	assert.Equal(t, tensor.Shape{1, 5, 5, 4}, out.Shape())
}

func TestConvResizeIdempotent(t *testing.T) {
	kctx := newTestContext(t, 3)
	tc := convCase{n: 1, h: 6, w: 6, cin: 3, cout: 20, kh: 3, kw: 3, stride: 1, dilate: 1, mode: ops.PadSame, bias: true}
	attrs := tc.attrs(t)
	in, err := tensor.FromFloat32(tensor.Shape{1, 6, 6, 3}, values(108, 7))
	require.NoError(t, err)
	out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
	require.NoError(t, err)

	k, err := NewConv("conv", attrs, in, out, kctx)
	require.NoError(t, err)
	defer k.Release()
	require.NoError(t, k.Init(context.Background()))

	weight := append([]float32(nil), k.packedWeight.AsFloat32()...)
	inputSize := k.packedInput.NumElements()
	stripes := append([]Stripe(nil), k.stripes...)

	for i := 0; i < 2; i++ {
		require.NoError(t, k.Resize())
		assert.Equal(t, weight, k.packedWeight.AsFloat32())
		assert.Equal(t, inputSize, k.packedInput.NumElements())
		assert.Equal(t, stripes, k.stripes)
		assert.True(t, k.Ready())
	}
	assert.Len(t, k.bias.AsFloat32(), 24, "bias padded to the tile")
}

func TestConvNoBiasIsZeroBias(t *testing.T) {
	kctx := newTestContext(t, 2)
	tc := convCase{n: 1, h: 2, w: 2, cin: 2, cout: 3, kh: 1, kw: 1, stride: 1, dilate: 1, mode: ops.PadValid}
	attrs := tc.attrs(t)
	in, err := tensor.FromFloat32(tensor.Shape{1, 2, 2, 2}, values(8, 7))
	require.NoError(t, err)
	out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
	require.NoError(t, err)

	k, err := NewConv("conv", attrs, in, out, kctx)
	require.NoError(t, err)
	defer k.Release()
	assert.Len(t, k.inputs, 2)
	require.NoError(t, k.Init(context.Background()))
	for _, v := range k.bias.AsFloat32() {
		assert.Zero(t, v)
	}
}

func TestConvScratchFreedOnEveryRun(t *testing.T) {
	kctx := newTestContext(t, 2)
	heap := tensor.NewHeapAllocator()
	kctx.Allocator = heap
	tc := convCase{n: 3, h: 4, w: 4, cin: 2, cout: 3, kh: 3, kw: 3, stride: 1, dilate: 1, mode: ops.PadSame}
	attrs := tc.attrs(t)
	in, err := tensor.FromFloat32(tensor.Shape{3, 4, 4, 2}, values(96, 7))
	require.NoError(t, err)
	out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
	require.NoError(t, err)

	k, err := NewConv("conv", attrs, in, out, kctx)
	require.NoError(t, err)
	defer k.Release()
	require.NoError(t, k.Init(context.Background()))
	require.NoError(t, k.Run(context.Background()))
	assert.Equal(t, 0, heap.Live())

	k.mm = func([]float32, []float32, []float32, []float32, int, int, MatMulParams) error {
		return errors.New("boom")
	}
	require.Error(t, k.Run(context.Background()))
	assert.Equal(t, 0, heap.Live(), "scratch released on the error path")
}

func TestConvAllocationFailure(t *testing.T) {
	kctx := newTestContext(t, 2)
	arena, err := tensor.NewArenaAllocator(64)
	require.NoError(t, err)
	kctx.Allocator = arena
	tc := convCase{n: 1, h: 8, w: 8, cin: 4, cout: 4, kh: 3, kw: 3, stride: 1, dilate: 1, mode: ops.PadSame}
	attrs := tc.attrs(t)
	in, err := tensor.FromFloat32(tensor.Shape{1, 8, 8, 4}, values(256, 7))
	require.NoError(t, err)
	out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
	require.NoError(t, err)

	k, err := NewConv("conv", attrs, in, out, kctx)
	require.NoError(t, err)
	defer k.Release()
	require.NoError(t, k.Init(context.Background()))

	err = k.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, tensor.ErrAllocation))
	assert.Equal(t, 0, arena.InUse())
}

func TestConvTaskFailureNamesTask(t *testing.T) {
	kctx := newTestContext(t, 4)
	tc := convCase{n: 2, h: 2, w: 2, cin: 2, cout: 32, kh: 1, kw: 1, stride: 1, dilate: 1, mode: ops.PadValid}
	attrs := tc.attrs(t)
	in, err := tensor.FromFloat32(tensor.Shape{2, 2, 2, 2}, values(16, 7))
	require.NoError(t, err)
	out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
	require.NoError(t, err)

	k, err := NewConv("conv", attrs, in, out, kctx)
	require.NoError(t, err)
	defer k.Release()
	require.NoError(t, k.Init(context.Background()))
	require.Len(t, k.stripes, 4)

	calls := make(chan int, 8)
	k.mm = func(a, b, bias, c []float32, cols, ldc int, p MatMulParams) error {
		// Stripes are 8 channels wide; the output slice length identifies the task.
		task := (p.Row*ldc - len(c)) / 8
		calls <- task
		if task >= 2 {
			return errors.Errorf("task %d failed", task)
		}
		return MatMul(a, b, bias, c, cols, ldc, p)
	}

	err = k.Run(context.Background())
	require.Error(t, err)
	var taskErr *parallel.TaskError
	require.True(t, errors.As(err, &taskErr))
	assert.Equal(t, 2, taskErr.TaskID)
	assert.Equal(t, 2, taskErr.Failed)
	assert.Len(t, calls, 4, "every task of the failing batch ran, the next batch did not start")
}

func TestConvRegistered(t *testing.T) {
	create, ok := Lookup(graph.KindConvolution)
	require.True(t, ok)

	g := graph.New()
	n := g.NewNode(graph.KindConvolution, "conv1")
	tc := convCase{cin: 1, cout: 1, kh: 1, kw: 1, stride: 1, dilate: 1}
	n.SetAttrs(tc.attrs(t))

	in, err := tensor.New(tensor.Shape{1, 2, 2, 1}, tensor.Float32)
	require.NoError(t, err)
	out, err := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
	require.NoError(t, err)

	k, err := create(n, []*tensor.Tensor{in}, out, newTestContext(t, 1))
	require.NoError(t, err)
	assert.Equal(t, "conv1", k.Name())

	bare := g.NewNode(graph.KindConvolution, "")
	_, err = create(bare, []*tensor.Tensor{in}, out, newTestContext(t, 1))
	assert.Error(t, err)

	_, ok = Lookup(graph.KindBuildVocab)
	assert.False(t, ok)
}

func BenchmarkConv3x3(b *testing.B) {
	pool := parallel.NewPool(parallel.DefaultConfig())
	defer pool.Close()
	kctx := NewContext(pool)

	weight, _ := tensor.FromFloat32(tensor.Shape{32, 3, 3, 16}, values(32*9*16, 5))
	attrs := &ops.Conv2D{
		KernelH: 3, KernelW: 3, StrideH: 1, StrideW: 1, DilationH: 1, DilationW: 1,
		PadMode: ops.PadSame, Group: 1, OutChannels: 32, InChannels: 16, Weight: weight,
	}
	in, _ := tensor.FromFloat32(tensor.Shape{1, 32, 32, 16}, values(32*32*16, 7))
	out, _ := tensor.New(tensor.Shape{tensor.Unknown}, tensor.Float32)
	k, err := NewConv("bench", attrs, in, out, kctx)
	if err != nil {
		b.Fatal(err)
	}
	defer k.Release()
	if err := k.Init(context.Background()); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := k.Run(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}

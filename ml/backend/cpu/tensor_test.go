// MODUL: tensor_test
// ZWECK: Tests fuer Vorwaerts-Werte und Gradienten der CPU-Tensoren
// INPUT: Kleine synthetische Tensoren
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, go-cmp
// HINWEISE: Gradienten werden gegen zentrale Differenzen geprueft

package cpu

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/7blacky7/encoop/ml"
)

var approx = cmpopts.EquateApprox(0, 1e-5)

// series erzeugt deterministische, gut verteilte Testwerte
func series(n int, offset float64) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(math.Sin(float64(i)*1.3+offset) * 1.5)
	}
	return s
}

// weightedSum reduziert out mit festen Gewichten auf einen Skalar
func weightedSum(ctx ml.Context, out ml.Tensor) ml.Tensor {
	n := numel(out.Shape())
	w := ctx.FromFloats(series(n, 0.7), 1, n)
	return out.Reshape(ctx, 1, n).Mulmat(ctx, w).Reshape(ctx, 1)
}

type input struct {
	values []float32
	shape  []int
}

// checkGrad vergleicht die analytischen Gradienten aller Eingaben mit
// zentralen Differenzen
func checkGrad(t *testing.T, inputs []input, f func(ctx ml.Context, xs []ml.Tensor) ml.Tensor) {
	t.Helper()

	ctx := &Context{}
	xs := make([]ml.Tensor, len(inputs))
	for i, in := range inputs {
		xs[i] = ctx.FromFloats(in.values, in.shape...)
		xs[i].SetRequiresGrad(true)
	}

	if err := ctx.Backward(weightedSum(ctx, f(ctx, xs))); err != nil {
		t.Fatalf("Backward() Fehler: %v", err)
	}

	eval := func() float64 {
		nctx := (&Context{}).NoGrad()
		ys := make([]ml.Tensor, len(inputs))
		for i, in := range inputs {
			ys[i] = nctx.FromFloats(in.values, in.shape...)
		}
		return float64(weightedSum(nctx, f(nctx, ys)).Floats()[0])
	}

	const h = 5e-3
	for j, in := range inputs {
		grad := xs[j].Grad()
		for i := range in.values {
			orig := in.values[i]
			in.values[i] = orig + h
			plus := eval()
			in.values[i] = orig - h
			minus := eval()
			in.values[i] = orig

			want := (plus - minus) / (2 * h)
			if diff := math.Abs(float64(grad[i]) - want); diff > 5e-3+1e-2*math.Abs(want) {
				t.Errorf("Eingabe %d, Element %d: Gradient = %f, erwartet %f", j, i, grad[i], want)
			}
		}
	}
}

func TestMulmat(t *testing.T) {
	ctx := &Context{}
	a := ctx.FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := ctx.FromFloats([]float32{1, 0, 1, 0, 1, 0}, 2, 3)

	out := a.Mulmat(ctx, b)
	if diff := cmp.Diff([]int{2, 2}, out.Shape()); diff != "" {
		t.Errorf("Shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{4, 2, 10, 5}, out.Floats(), approx); diff != "" {
		t.Errorf("Werte mismatch (-want +got):\n%s", diff)
	}
}

func TestMatmulBatched(t *testing.T) {
	ctx := &Context{}
	a := ctx.FromFloats([]float32{1, 2, 3, 4, 1, 0, 0, 1}, 2, 2, 2)
	b := ctx.FromFloats([]float32{1, 1, 0, 1, 2, 3, 4, 5}, 2, 2, 2)

	out := a.Matmul(ctx, b)
	want := []float32{1, 3, 3, 7, 2, 3, 4, 5}
	if diff := cmp.Diff(want, out.Floats(), approx); diff != "" {
		t.Errorf("Werte mismatch (-want +got):\n%s", diff)
	}
}

func TestParallelMatchesSerial(t *testing.T) {
	a := series(4*3*5, 0)
	b := series(4*6*5, 1)

	serialCtx := &Context{numThreads: 1}
	parallelCtx := &Context{numThreads: 4}

	want := serialCtx.FromFloats(a, 4, 3, 5).Mulmat(serialCtx, serialCtx.FromFloats(b, 4, 6, 5)).Floats()
	got := parallelCtx.FromFloats(a, 4, 3, 5).Mulmat(parallelCtx, parallelCtx.FromFloats(b, 4, 6, 5)).Floats()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parallel weicht ab (-serial +parallel):\n%s", diff)
	}
}

func TestGradients(t *testing.T) {
	cases := []struct {
		name   string
		inputs []input
		f      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor
	}{
		{
			name:   "add broadcast",
			inputs: []input{{series(6, 0), []int{2, 3}}, {series(3, 1), []int{3}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].Add(ctx, xs[1]) },
		},
		{
			name:   "sub",
			inputs: []input{{series(6, 0), []int{2, 3}}, {series(6, 1), []int{2, 3}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].Sub(ctx, xs[1]) },
		},
		{
			name:   "mul scale",
			inputs: []input{{series(6, 0), []int{2, 3}}, {series(3, 2), []int{1, 3}}},
			f: func(ctx ml.Context, xs []ml.Tensor) ml.Tensor {
				return xs[0].Mul(ctx, xs[1]).Scale(ctx, 0.5)
			},
		},
		{
			name:   "mulmat",
			inputs: []input{{series(2*3*4, 0), []int{2, 3, 4}}, {series(5*4, 1), []int{5, 4}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].Mulmat(ctx, xs[1]) },
		},
		{
			name:   "matmul batched",
			inputs: []input{{series(2*3*4, 0), []int{2, 3, 4}}, {series(2*4*2, 1), []int{2, 4, 2}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].Matmul(ctx, xs[1]) },
		},
		{
			name:   "softmax",
			inputs: []input{{series(8, 0), []int{2, 4}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].Softmax(ctx) },
		},
		{
			name:   "l2norm",
			inputs: []input{{series(8, 0.3), []int{2, 4}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].L2Norm(ctx, 1e-12) },
		},
		{
			name: "layernorm",
			inputs: []input{
				{series(2*5, 0), []int{2, 5}},
				{series(5, 1), []int{5}},
				{series(5, 2), []int{5}},
			},
			f: func(ctx ml.Context, xs []ml.Tensor) ml.Tensor {
				return xs[0].LayerNorm(ctx, xs[1], xs[2], 1e-5)
			},
		},
		{
			name:   "quickgelu",
			inputs: []input{{series(6, 0), []int{6}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].QuickGELU(ctx) },
		},
		{
			name:   "mean",
			inputs: []input{{series(2*3*2, 0), []int{2, 3, 2}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].Mean(ctx, 1) },
		},
		{
			name:   "cross entropy",
			inputs: []input{{series(3*4, 0), []int{3, 4}}},
			f: func(ctx ml.Context, xs []ml.Tensor) ml.Tensor {
				return xs[0].CrossEntropy(ctx, ctx.FromInts([]int32{0, 3, 1}, 3))
			},
		},
		{
			name:   "permute",
			inputs: []input{{series(2*3*4, 0), []int{2, 3, 4}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].Permute(ctx, 2, 0, 1) },
		},
		{
			name:   "slice step",
			inputs: []input{{series(2*5, 0), []int{2, 5}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].Slice(ctx, 1, 1, 5, 2) },
		},
		{
			name:   "concat repeat",
			inputs: []input{{series(2*2, 0), []int{1, 2, 2}}, {series(3*3*2, 1), []int{3, 3, 2}}},
			f: func(ctx ml.Context, xs []ml.Tensor) ml.Tensor {
				return xs[0].Repeat(ctx, 0, 3).Concat(ctx, xs[1], 1)
			},
		},
		{
			name:   "rows",
			inputs: []input{{series(4*3, 0), []int{4, 3}}},
			f: func(ctx ml.Context, xs []ml.Tensor) ml.Tensor {
				return xs[0].Rows(ctx, ctx.FromInts([]int32{2, 0, 2}, 3))
			},
		},
		{
			name:   "patchify",
			inputs: []input{{series(2*4*4, 0), []int{1, 2, 4, 4}}},
			f:      func(ctx ml.Context, xs []ml.Tensor) ml.Tensor { return xs[0].Patchify(ctx, 2) },
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			checkGrad(t, tt.inputs, tt.f)
		})
	}
}

func TestPatchifyLayout(t *testing.T) {
	ctx := &Context{}
	img := make([]float32, 2*4*4)
	for i := range img {
		img[i] = float32(i)
	}

	out := ctx.FromFloats(img, 1, 2, 4, 4).Patchify(ctx, 2)
	if diff := cmp.Diff([]int{1, 4, 8}, out.Shape()); diff != "" {
		t.Fatalf("Shape mismatch (-want +got):\n%s", diff)
	}

	// Patch 1 (oben rechts): Kanal 0 Zeilen 0-1 Spalten 2-3, dann Kanal 1
	want := []float32{2, 3, 6, 7, 18, 19, 22, 23}
	if diff := cmp.Diff(want, out.Floats()[8:16]); diff != "" {
		t.Errorf("Patch mismatch (-want +got):\n%s", diff)
	}
}

func TestChunk(t *testing.T) {
	ctx := &Context{}
	x := ctx.FromFloats(series(5*2, 0), 5, 2)

	chunks := x.Chunk(ctx, 0, 2)
	if len(chunks) != 3 {
		t.Fatalf("Anzahl Chunks = %d, erwartet 3", len(chunks))
	}
	if got := chunks[2].Dim(0); got != 1 {
		t.Errorf("Letzter Chunk Dim(0) = %d, erwartet 1", got)
	}
}

func TestReshapeInfer(t *testing.T) {
	ctx := &Context{}
	x := ctx.FromInts([]int32{1, 2, 3, 4, 5, 6}, 6)

	out := x.Reshape(ctx, 2, -1)
	if diff := cmp.Diff([]int{2, 3}, out.Shape()); diff != "" {
		t.Errorf("Shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{1, 2, 3, 4, 5, 6}, out.Ints()); diff != "" {
		t.Errorf("Werte mismatch (-want +got):\n%s", diff)
	}
}

func TestNoGradRecordsNothing(t *testing.T) {
	ctx := (&Context{}).NoGrad()
	x := ctx.FromFloats(series(4, 0), 4)
	x.SetRequiresGrad(true)

	y := x.Scale(ctx, 2)
	if y.RequiresGrad() {
		t.Error("NoGrad Kontext sollte keine Gradienten aufzeichnen")
	}
	if n := len(ctx.(*Context).tape); n != 0 {
		t.Errorf("Tape Laenge = %d, erwartet 0", n)
	}
}

func TestBackwardErrors(t *testing.T) {
	ctx := &Context{}
	x := ctx.FromFloats(series(4, 0), 4)

	if err := ctx.Backward(x); !errors.Is(err, ErrNotScalar) {
		t.Errorf("Backward(nicht-skalar) = %v, erwartet ErrNotScalar", err)
	}

	if err := ctx.Backward(x.Mean(ctx, 0)); !errors.Is(err, ErrNoGradient) {
		t.Errorf("Backward(ohne Parameter) = %v, erwartet ErrNoGradient", err)
	}
}

func TestGradientsAccumulate(t *testing.T) {
	ctx := &Context{}
	x := ctx.FromFloats([]float32{1, 2}, 2)
	x.SetRequiresGrad(true)

	for range 2 {
		if err := ctx.Backward(x.Mean(ctx, 0)); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]float32{1, 1}, x.Grad(), approx); diff != "" {
		t.Errorf("Gradient mismatch (-want +got):\n%s", diff)
	}

	x.ZeroGrad()
	if diff := cmp.Diff([]float32{0, 0}, x.Grad()); diff != "" {
		t.Errorf("Gradient nach ZeroGrad (-want +got):\n%s", diff)
	}
}

func TestCastHalf(t *testing.T) {
	ctx := &Context{}
	x := ctx.FromFloats([]float32{1.0001, 65504, 0.1}, 3)

	h := x.Cast(ctx, ml.DTypeF16)
	if h.DType() != ml.DTypeF16 {
		t.Errorf("DType = %v, erwartet %v", h.DType(), ml.DTypeF16)
	}
	got := h.Floats()
	if got[0] != 1 {
		t.Errorf("1.0001 in F16 = %v, erwartet 1", got[0])
	}
	if got[1] != 65504 {
		t.Errorf("65504 in F16 = %v, erwartet 65504", got[1])
	}

	b := x.Cast(ctx, ml.DTypeBF16).Floats()
	if math.Abs(float64(b[2])-0.1) > 1e-3 {
		t.Errorf("0.1 in BF16 = %v", b[2])
	}
}

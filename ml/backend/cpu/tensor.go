// tensor.go - Tensor-Struktur und Basis-Methoden
// Enthält: Tensor struct, Dim(), Shape(), Floats(), Ints(), Gradienten, Cast()

package cpu

import (
	"fmt"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/7blacky7/encoop/ml"
)

// Tensor ist ein dichtes row-major Array. Gleitkomma-Typen liegen immer
// als float32 vor; F16 und BF16 bedeuten, dass die Werte auf diese
// Praezision gerundet sind.
type Tensor struct {
	name  string
	dtype ml.DType
	shape []int

	data []float32
	ints []int32

	grad         []float32
	requiresGrad bool
}

func newTensor(dtype ml.DType, shape []int) *Tensor {
	if dtype == ml.DTypeOther {
		dtype = ml.DTypeF32
	}
	return &Tensor{
		dtype: dtype,
		shape: slices.Clone(shape),
		data:  make([]float32, numel(shape)),
	}
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) String() string {
	if t.name != "" {
		return fmt.Sprintf("%s%v:%v", t.name, t.shape, t.dtype)
	}
	return fmt.Sprintf("%v:%v", t.shape, t.dtype)
}

func (t *Tensor) Dim(n int) int {
	if n < 0 {
		n += len(t.shape)
	}
	if n < 0 || n >= len(t.shape) {
		return 1
	}
	return t.shape[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Floats() []float32 {
	if t.ints != nil {
		f := make([]float32, len(t.ints))
		for i, v := range t.ints {
			f[i] = float32(v)
		}
		return f
	}
	return slices.Clone(t.data)
}

func (t *Tensor) Ints() []int32 {
	if t.ints != nil {
		return slices.Clone(t.ints)
	}
	i := make([]int32, len(t.data))
	for j, v := range t.data {
		i[j] = int32(v)
	}
	return i
}

// FromFloats ueberschreibt die Werte. Bei F16/BF16 wird gerundet.
func (t *Tensor) FromFloats(s []float32) {
	if len(s) != len(t.data) {
		panic(fmt.Sprintf("cpu: %d values do not fit %v", len(s), t))
	}
	copy(t.data, s)
	roundTo(t.dtype, t.data, t.data)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(b bool) {
	t.requiresGrad = b
}

// Grad gibt den akkumulierten Gradienten zurueck (Nullen, wenn keiner floss)
func (t *Tensor) Grad() []float32 {
	if t.grad == nil {
		return make([]float32, len(t.data))
	}
	return slices.Clone(t.grad)
}

func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

func (t *Tensor) gradBuf() []float32 {
	if t.grad == nil {
		t.grad = make([]float32, len(t.data))
	}
	return t.grad
}

// Cast rundet auf die Ziel-Praezision. Der Gradient fliesst unveraendert durch.
func (t *Tensor) Cast(ctx ml.Context, dtype ml.DType) ml.Tensor {
	out := newTensor(dtype, t.shape)
	if dtype == ml.DTypeI32 {
		out.ints = t.Ints()
		out.data = nil
		return out
	}

	copy(out.data, t.Floats())
	roundTo(dtype, out.data, out.data)

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		ga := t.gradBuf()
		for i, g := range out.grad {
			ga[i] += g
		}
	}, t)
}

// roundTo rundet src auf die Praezision von dtype und schreibt nach dst
func roundTo(dtype ml.DType, dst, src []float32) {
	switch dtype {
	case ml.DTypeF16:
		for i, v := range src {
			dst[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		copy(dst, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(src)))
	}
}

func as(t ml.Tensor) *Tensor {
	if t == nil {
		return nil
	}
	return t.(*Tensor)
}

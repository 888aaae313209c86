// tensor_shape.go - Shape-Operationen
// Enthält: Reshape, Permute, Rows, Slice, Chunk, Patchify und gather()

package cpu

import (
	"fmt"
	"slices"

	"github.com/7blacky7/encoop/ml"
)

// gather erzeugt einen Tensor mit out[i] = t[src[i]]. Der Gradient wird
// per scatter-add zurueckgeschrieben.
func (t *Tensor) gather(ctx ml.Context, shape []int, src []int) *Tensor {
	if t.ints != nil {
		out := &Tensor{dtype: t.dtype, shape: slices.Clone(shape), ints: make([]int32, len(src))}
		for i, j := range src {
			out.ints[i] = t.ints[j]
		}
		return out
	}

	out := newTensor(t.dtype, shape)
	for i, j := range src {
		out.data[i] = t.data[j]
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		ga := t.gradBuf()
		for i, j := range src {
			ga[j] += out.grad[i]
		}
	}, t)
}

// Reshape aendert die Shape ohne die Reihenfolge der Elemente. Eine
// Dimension darf -1 sein und wird dann berechnet.
func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	n := max(len(t.data), len(t.ints))
	shape = slices.Clone(shape)
	if i := slices.Index(shape, -1); i >= 0 {
		shape[i] = 1
		shape[i] = n / numel(shape)
	}
	if numel(shape) != n {
		panic(fmt.Sprintf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	if t.ints != nil {
		return &Tensor{dtype: t.dtype, shape: shape, ints: slices.Clone(t.ints)}
	}

	out := newTensor(t.dtype, shape)
	copy(out.data, t.data)

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

// Permute ordnet die Dimensionen um: out.Dim(i) == t.Dim(axes[i])
func (t *Tensor) Permute(ctx ml.Context, axes ...int) ml.Tensor {
	if len(axes) != len(t.shape) {
		panic(fmt.Sprintf("cpu: permute %v with axes %v", t.shape, axes))
	}

	strides := stridesOf(t.shape)
	shape := make([]int, len(axes))
	permStrides := make([]int, len(axes))
	for i, a := range axes {
		shape[i] = t.shape[a]
		permStrides[i] = strides[a]
	}

	src := make([]int, numel(shape))
	idx := make([]int, len(shape))
	for i := range src {
		off := 0
		for d, v := range idx {
			off += v * permStrides[d]
		}
		src[i] = off

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return t.gather(ctx, shape, src)
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// Rows waehlt Zeilen (Dimension 0) an den Positionen in t2
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	ids := as(t2).Ints()
	rowSize := numel(t.shape[1:])

	src := make([]int, 0, len(ids)*rowSize)
	for _, id := range ids {
		if int(id) < 0 || int(id) >= t.shape[0] {
			panic(fmt.Sprintf("cpu: row %d out of range for %v", id, t.shape))
		}
		for j := range rowSize {
			src = append(src, int(id)*rowSize+j)
		}
	}

	shape := append(as(t2).Shape(), t.shape[1:]...)
	return t.gather(ctx, shape, src)
}

// Slice schneidet [low, high) mit Schrittweite step aus Dimension dim
func (t *Tensor) Slice(ctx ml.Context, dim, low, high, step int) ml.Tensor {
	dim = t.axis(dim)
	if step < 1 || low < 0 || high > t.shape[dim] || low >= high {
		panic(fmt.Sprintf("cpu: slice [%d:%d:%d] of dimension %d in %v", low, high, step, dim, t.shape))
	}

	outer := numel(t.shape[:dim])
	inner := numel(t.shape[dim+1:])
	n := (high - low + step - 1) / step

	shape := slices.Clone(t.shape)
	shape[dim] = n

	src := make([]int, 0, outer*n*inner)
	for o := range outer {
		for k := range n {
			base := (o*t.shape[dim] + low + k*step) * inner
			for i := range inner {
				src = append(src, base+i)
			}
		}
	}

	return t.gather(ctx, shape, src)
}

// Chunk teilt dim in Stuecke der Laenge size (das letzte darf kuerzer sein)
func (t *Tensor) Chunk(ctx ml.Context, dim, size int) []ml.Tensor {
	dim = t.axis(dim)
	var chunks []ml.Tensor
	for low := 0; low < t.shape[dim]; low += size {
		chunks = append(chunks, t.Slice(ctx, dim, low, min(low+size, t.shape[dim]), 1))
	}
	return chunks
}

// Patchify zerlegt Bilder (B, C, H, W) in Patches (B, N, C*size*size).
// Die Reihenfolge innerhalb eines Patches entspricht einem Conv-Kernel
// (C, size, size), damit conv1.weight direkt als Matrix genutzt werden kann.
func (t *Tensor) Patchify(ctx ml.Context, size int) ml.Tensor {
	if len(t.shape) != 4 || t.shape[2]%size != 0 || t.shape[3]%size != 0 {
		panic(fmt.Sprintf("cpu: cannot patchify %v with patch size %d", t.shape, size))
	}

	b, c, h, w := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	gh, gw := h/size, w/size

	src := make([]int, 0, len(t.data))
	for bi := range b {
		for py := range gh {
			for px := range gw {
				for ci := range c {
					for ky := range size {
						for kx := range size {
							y, x := py*size+ky, px*size+kx
							src = append(src, ((bi*c+ci)*h+y)*w+x)
						}
					}
				}
			}
		}
	}

	return t.gather(ctx, []int{b, gh * gw, c * size * size}, src)
}

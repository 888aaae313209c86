// tensor_arithmetic.go - Elementweise Operationen und Zusammenfuegen
// Enthält: Add, Sub, Mul, Scale, Repeat, Concat, Stack

package cpu

import (
	"fmt"
	"slices"

	"github.com/7blacky7/encoop/ml"
)

// broadcastSize prueft, dass b ein Suffix der Shape von a ist, und gibt
// die Anzahl der Elemente von b zurueck
func broadcastSize(a, b *Tensor) int {
	bs := b.shape
	for len(bs) > 1 && bs[0] == 1 {
		bs = bs[1:]
	}
	if len(bs) > len(a.shape) || !slices.Equal(bs, a.shape[len(a.shape)-len(bs):]) {
		panic(fmt.Sprintf("cpu: cannot broadcast %v to %v", b.shape, a.shape))
	}
	return numel(bs)
}

// Add addiert t2 elementweise, t2 wird ueber fuehrende Dimensionen wiederholt
func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, as(t2), 1)
}

// Sub subtrahiert t2 elementweise
func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, as(t2), -1)
}

func (t *Tensor) binary(ctx ml.Context, b *Tensor, sign float32) *Tensor {
	inner := broadcastSize(t, b)
	out := newTensor(t.dtype, t.shape)
	for i, v := range t.data {
		out.data[i] = v + sign*b.data[i%inner]
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		if t.requiresGrad {
			ga := t.gradBuf()
			for i, g := range out.grad {
				ga[i] += g
			}
		}
		if b.requiresGrad {
			gb := b.gradBuf()
			for i, g := range out.grad {
				gb[i%inner] += sign * g
			}
		}
	}, t, b)
}

// Mul multipliziert elementweise
func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	b := as(t2)
	inner := broadcastSize(t, b)
	out := newTensor(t.dtype, t.shape)
	for i, v := range t.data {
		out.data[i] = v * b.data[i%inner]
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		if t.requiresGrad {
			ga := t.gradBuf()
			for i, g := range out.grad {
				ga[i] += g * b.data[i%inner]
			}
		}
		if b.requiresGrad {
			gb := b.gradBuf()
			for i, g := range out.grad {
				gb[i%inner] += g * t.data[i]
			}
		}
	}, t, b)
}

// Scale multipliziert mit einem Skalar
func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	out := newTensor(t.dtype, t.shape)
	f := float32(s)
	for i, v := range t.data {
		out.data[i] = v * f
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		ga := t.gradBuf()
		for i, g := range out.grad {
			ga[i] += g * f
		}
	}, t)
}

// Repeat kachelt den Tensor n-mal entlang dim
func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	dim = t.axis(dim)
	outer := numel(t.shape[:dim])
	block := numel(t.shape[dim:])

	shape := slices.Clone(t.shape)
	shape[dim] *= n

	src := make([]int, 0, numel(shape))
	for o := range outer {
		for range n {
			for i := range block {
				src = append(src, o*block+i)
			}
		}
	}

	return t.gather(ctx, shape, src)
}

// Concat fuegt t2 entlang dim an t an
func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	b := as(t2)
	dim = t.axis(dim)
	if len(t.shape) != len(b.shape) {
		panic(fmt.Sprintf("cpu: concat %v with %v", t.shape, b.shape))
	}
	for i := range t.shape {
		if i != dim && t.shape[i] != b.shape[i] {
			panic(fmt.Sprintf("cpu: concat %v with %v along %d", t.shape, b.shape, dim))
		}
	}

	outer := numel(t.shape[:dim])
	na := numel(t.shape[dim:])
	nb := numel(b.shape[dim:])

	shape := slices.Clone(t.shape)
	shape[dim] += b.shape[dim]
	out := newTensor(t.dtype, shape)
	for o := range outer {
		copy(out.data[o*(na+nb):], t.data[o*na:(o+1)*na])
		copy(out.data[o*(na+nb)+na:], b.data[o*nb:(o+1)*nb])
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		for o := range outer {
			row := out.grad[o*(na+nb) : (o+1)*(na+nb)]
			if t.requiresGrad {
				ga := t.gradBuf()[o*na : (o+1)*na]
				for i, g := range row[:na] {
					ga[i] += g
				}
			}
			if b.requiresGrad {
				gb := b.gradBuf()[o*nb : (o+1)*nb]
				for i, g := range row[na:] {
					gb[i] += g
				}
			}
		}
	}, t, b)
}

// Stack stapelt t und s entlang einer neuen Dimension dim
func (t *Tensor) Stack(ctx ml.Context, dim int, s ...ml.Tensor) ml.Tensor {
	expand := func(x *Tensor) ml.Tensor {
		shape := slices.Insert(slices.Clone(x.shape), dim, 1)
		return x.Reshape(ctx, shape...)
	}

	out := expand(t)
	for _, x := range s {
		out = out.Concat(ctx, expand(as(x)), dim)
	}
	return out
}

// axis normalisiert negative Dimensionen
func (t *Tensor) axis(dim int) int {
	if dim < 0 {
		dim += len(t.shape)
	}
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Sprintf("cpu: dimension %d out of range for %v", dim, t.shape))
	}
	return dim
}

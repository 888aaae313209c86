// tensor_nn.go - Neuronale-Netz-Operationen
// Enthält: Softmax, L2Norm, LayerNorm, QuickGELU, Mean, CrossEntropy

package cpu

import (
	"fmt"
	"math"
	"slices"

	"github.com/7blacky7/encoop/ml"
)

// lastDim zerlegt t in Zeilen der letzten Dimension
func (t *Tensor) lastDim() (n, d int) {
	d = t.shape[len(t.shape)-1]
	if d == 0 {
		return 0, 0
	}
	return len(t.data) / d, d
}

// Softmax ueber die letzte Dimension
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	out := newTensor(t.dtype, t.shape)
	n, d := t.lastDim()
	for r := range n {
		x, y := t.data[r*d:(r+1)*d], out.data[r*d:(r+1)*d]
		softmax(y, x)
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		ga := t.gradBuf()
		for r := range n {
			y, g := out.data[r*d:(r+1)*d], out.grad[r*d:(r+1)*d]
			var dot float32
			for i := range y {
				dot += g[i] * y[i]
			}
			for i := range y {
				ga[r*d+i] += y[i] * (g[i] - dot)
			}
		}
	}, t)
}

func softmax(dst, src []float32) {
	maxv := float32(math.Inf(-1))
	for _, v := range src {
		maxv = max(maxv, v)
	}

	var sum float64
	for i, v := range src {
		e := math.Exp(float64(v - maxv))
		dst[i] = float32(e)
		sum += e
	}
	for i := range dst {
		dst[i] = float32(float64(dst[i]) / sum)
	}
}

// L2Norm teilt jede Zeile durch max(||x||, eps)
func (t *Tensor) L2Norm(ctx ml.Context, eps float32) ml.Tensor {
	out := newTensor(t.dtype, t.shape)
	n, d := t.lastDim()
	norms := make([]float32, n)
	for r := range n {
		x := t.data[r*d : (r+1)*d]
		var ss float64
		for _, v := range x {
			ss += float64(v) * float64(v)
		}
		norms[r] = max(float32(math.Sqrt(ss)), eps)
		for i, v := range x {
			out.data[r*d+i] = v / norms[r]
		}
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		ga := t.gradBuf()
		for r := range n {
			y, g := out.data[r*d:(r+1)*d], out.grad[r*d:(r+1)*d]
			if norms[r] <= eps {
				for i := range g {
					ga[r*d+i] += g[i] / eps
				}
				continue
			}

			var dot float32
			for i := range y {
				dot += g[i] * y[i]
			}
			for i := range y {
				ga[r*d+i] += (g[i] - y[i]*dot) / norms[r]
			}
		}
	}, t)
}

// LayerNorm normalisiert die letzte Dimension, weight und bias duerfen nil sein
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	w, b := as(weight), as(bias)
	out := newTensor(t.dtype, t.shape)
	n, d := t.lastDim()

	xhat := make([]float32, len(t.data))
	invstd := make([]float32, n)
	for r := range n {
		x := t.data[r*d : (r+1)*d]

		var mean float64
		for _, v := range x {
			mean += float64(v)
		}
		mean /= float64(d)

		var variance float64
		for _, v := range x {
			diff := float64(v) - mean
			variance += diff * diff
		}
		variance /= float64(d)

		invstd[r] = float32(1 / math.Sqrt(variance+float64(eps)))
		for i, v := range x {
			h := float32(float64(v)-mean) * invstd[r]
			xhat[r*d+i] = h
			if w != nil {
				h *= w.data[i]
			}
			if b != nil {
				h += b.data[i]
			}
			out.data[r*d+i] = h
		}
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}

		for r := range n {
			g := out.grad[r*d : (r+1)*d]
			h := xhat[r*d : (r+1)*d]

			if w != nil && w.requiresGrad {
				gw := w.gradBuf()
				for i := range g {
					gw[i] += g[i] * h[i]
				}
			}
			if b != nil && b.requiresGrad {
				gb := b.gradBuf()
				for i := range g {
					gb[i] += g[i]
				}
			}

			if !t.requiresGrad {
				continue
			}

			gh := slices.Clone(g)
			if w != nil {
				for i := range gh {
					gh[i] *= w.data[i]
				}
			}

			var sum, dot float32
			for i := range gh {
				sum += gh[i]
				dot += gh[i] * h[i]
			}

			ga := t.gradBuf()
			fd := float32(d)
			for i := range gh {
				ga[r*d+i] += invstd[r] / fd * (fd*gh[i] - sum - h[i]*dot)
			}
		}
	}, t, w, b)
}

// QuickGELU berechnet x * sigmoid(1.702 * x)
func (t *Tensor) QuickGELU(ctx ml.Context) ml.Tensor {
	out := newTensor(t.dtype, t.shape)
	sig := make([]float32, len(t.data))
	for i, x := range t.data {
		sig[i] = float32(1 / (1 + math.Exp(-1.702*float64(x))))
		out.data[i] = x * sig[i]
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		ga := t.gradBuf()
		for i, g := range out.grad {
			s, x := sig[i], t.data[i]
			ga[i] += g * (s + 1.702*x*s*(1-s))
		}
	}, t)
}

// Mean mittelt ueber Dimension dim, die Dimension entfaellt
func (t *Tensor) Mean(ctx ml.Context, dim int) ml.Tensor {
	dim = t.axis(dim)
	outer := numel(t.shape[:dim])
	size := t.shape[dim]
	inner := numel(t.shape[dim+1:])

	out := newTensor(t.dtype, slices.Delete(slices.Clone(t.shape), dim, dim+1))
	for o := range outer {
		for k := range size {
			for i := range inner {
				out.data[o*inner+i] += t.data[(o*size+k)*inner+i]
			}
		}
	}
	for i := range out.data {
		out.data[i] /= float32(size)
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		ga := t.gradBuf()
		for o := range outer {
			for k := range size {
				for i := range inner {
					ga[(o*size+k)*inner+i] += out.grad[o*inner+i] / float32(size)
				}
			}
		}
	}, t)
}

// CrossEntropy gibt den mittleren negativen Log-Likelihood der Labels
// unter Softmax(t) als Skalar zurueck. t hat die Shape (B, C).
func (t *Tensor) CrossEntropy(ctx ml.Context, labels ml.Tensor) ml.Tensor {
	n, d := t.lastDim()
	ids := as(labels).Ints()
	if len(ids) != n {
		panic(fmt.Sprintf("cpu: %d labels for logits %v", len(ids), t.shape))
	}

	probs := make([]float32, len(t.data))
	var loss float64
	for r := range n {
		id := int(ids[r])
		if id < 0 || id >= d {
			panic(fmt.Sprintf("cpu: label %d out of range for %d classes", id, d))
		}
		p := probs[r*d : (r+1)*d]
		softmax(p, t.data[r*d:(r+1)*d])
		loss -= math.Log(max(float64(p[id]), math.SmallestNonzeroFloat32))
	}

	out := newTensor(ml.DTypeF32, []int{1})
	if n > 0 {
		out.data[0] = float32(loss / float64(n))
	}

	return ctxOf(ctx).track(out, func() {
		if out.grad == nil {
			return
		}
		ga := t.gradBuf()
		scale := out.grad[0] / float32(n)
		for r := range n {
			for i := range d {
				g := probs[r*d+i]
				if i == int(ids[r]) {
					g--
				}
				ga[r*d+i] += g * scale
			}
		}
	}, t)
}

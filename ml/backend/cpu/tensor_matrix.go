// tensor_matrix.go - Matrix-Multiplikation ueber gonum BLAS
// Enthält: Mulmat(), Matmul(), product() und parallel()

package cpu

import (
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/7blacky7/encoop/ml"
)

// Mulmat berechnet t @ t2^T ueber die letzten beiden Dimensionen
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.product(ctx, as(t2), true)
}

// Matmul berechnet t @ t2 ueber die letzten beiden Dimensionen
func (t *Tensor) Matmul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.product(ctx, as(t2), false)
}

func general(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// product fuehrt Mulmat (transB) bzw. Matmul aus. Ein 2D-Operand b wird
// von allen fuehrenden Dimensionen von t geteilt, sonst muessen die
// fuehrenden Dimensionen uebereinstimmen.
func (t *Tensor) product(ctx ml.Context, b *Tensor, transB bool) *Tensor {
	if len(t.shape) < 2 || len(b.shape) < 2 {
		panic(fmt.Sprintf("cpu: matrix product of %v and %v", t.shape, b.shape))
	}

	k := t.shape[len(t.shape)-1]
	rb, cb := b.shape[len(b.shape)-2], b.shape[len(b.shape)-1]
	n, bk := cb, rb
	if transB {
		n, bk = rb, cb
	}
	if bk != k {
		panic(fmt.Sprintf("cpu: matrix product of %v and %v (transposed: %t)", t.shape, b.shape, transB))
	}

	batches, m := 1, numel(t.shape[:len(t.shape)-1])
	if len(b.shape) > 2 {
		if !slices.Equal(t.shape[:len(t.shape)-2], b.shape[:len(b.shape)-2]) {
			panic(fmt.Sprintf("cpu: batch dimensions of %v and %v differ", t.shape, b.shape))
		}
		batches = numel(t.shape[:len(t.shape)-2])
		m = t.shape[len(t.shape)-2]
	}

	shape := append(slices.Clone(t.shape[:len(t.shape)-1]), n)
	out := newTensor(t.dtype, shape)

	c := ctxOf(ctx)
	if m == 0 || n == 0 || k == 0 {
		return out
	}

	bStride := rb * cb
	if len(b.shape) == 2 {
		bStride = 0
	}

	tb := blas.NoTrans
	if transB {
		tb = blas.Trans
	}

	c.parallel(batches, func(i int) {
		A := general(t.data[i*m*k:(i+1)*m*k], m, k)
		B := general(b.data[i*bStride:i*bStride+rb*cb], rb, cb)
		C := general(out.data[i*m*n:(i+1)*m*n], m, n)
		blas32.Gemm(blas.NoTrans, tb, 1, A, B, 0, C)
	})
	roundTo(out.dtype, out.data, out.data)

	return c.track(out, func() {
		if out.grad == nil {
			return
		}

		if t.requiresGrad {
			ga := t.gradBuf()
			// dA += dC · B (Mulmat) bzw. dC · B^T (Matmul)
			tgb := blas.Trans
			if transB {
				tgb = blas.NoTrans
			}
			c.parallel(batches, func(i int) {
				dC := general(out.grad[i*m*n:(i+1)*m*n], m, n)
				B := general(b.data[i*bStride:i*bStride+rb*cb], rb, cb)
				dA := general(ga[i*m*k:(i+1)*m*k], m, k)
				blas32.Gemm(blas.NoTrans, tgb, 1, dC, B, 1, dA)
			})
		}

		if b.requiresGrad {
			gb := b.gradBuf()
			c.parallel(batches, func(i int) {
				dC := general(out.grad[i*m*n:(i+1)*m*n], m, n)
				A := general(t.data[i*m*k:(i+1)*m*k], m, k)
				dB := general(gb[i*bStride:i*bStride+rb*cb], rb, cb)
				if transB {
					// dB (n x k) += dC^T · A
					blas32.Gemm(blas.Trans, blas.NoTrans, 1, dC, A, 1, dB)
				} else {
					// dB (k x n) += A^T · dC
					blas32.Gemm(blas.Trans, blas.NoTrans, 1, A, dC, 1, dB)
				}
			})
		}
	}, t, b)
}

// parallel ruft fn fuer 0..n-1 auf, bei mehr als einem Thread nebenlaeufig
func (c *Context) parallel(n int, fn func(i int)) {
	if c.numThreads <= 1 || n <= 1 {
		serial(n, fn)
		return
	}

	var g errgroup.Group
	g.SetLimit(c.numThreads)
	for i := range n {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

func serial(n int, fn func(i int)) {
	for i := range n {
		fn(i)
	}
}

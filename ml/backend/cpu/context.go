// context.go - Context mit Aufzeichnung fuer den Backward-Pass
// Enthält: Context struct, Empty(), Zeros(), FromFloats(), FromInts(), NoGrad(), Backward()

package cpu

import (
	"errors"
	"fmt"
	"slices"

	"github.com/7blacky7/encoop/logutil"
	"github.com/7blacky7/encoop/ml"
)

var (
	ErrNotScalar  = errors.New("cpu: backward needs a scalar loss")
	ErrNoGradient = errors.New("cpu: loss does not depend on a trainable tensor")
)

// Context zeichnet fuer jede Operation mit trainierbarer Abhaengigkeit
// eine Backward-Funktion auf. Die Funktionen laufen in umgekehrter
// Reihenfolge und akkumulieren Gradienten in ihre Eingaben.
type Context struct {
	tape   []func()
	noGrad bool

	numThreads int
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Zeros(dtype, shape...)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	t := newTensor(dtype, shape)
	if dtype == ml.DTypeI32 {
		t.ints = make([]int32, len(t.data))
		t.data = nil
	}
	return t
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	if numel(shape) != len(s) {
		panic(fmt.Sprintf("cpu: %d values do not fit shape %v", len(s), shape))
	}
	return &Tensor{dtype: ml.DTypeF32, shape: slices.Clone(shape), data: slices.Clone(s)}
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	if numel(shape) != len(s) {
		panic(fmt.Sprintf("cpu: %d values do not fit shape %v", len(s), shape))
	}
	return &Tensor{dtype: ml.DTypeI32, shape: slices.Clone(shape), ints: slices.Clone(s)}
}

func (c *Context) NoGrad() ml.Context {
	return &Context{noGrad: true, numThreads: c.numThreads}
}

func (c *Context) Backward(loss ml.Tensor) error {
	l := loss.(*Tensor)
	if len(l.data) != 1 {
		return fmt.Errorf("%w: shape %v", ErrNotScalar, l.shape)
	}
	if !l.requiresGrad {
		return ErrNoGradient
	}

	logutil.Trace("backward", "ops", len(c.tape))

	l.gradBuf()[0] += 1
	for i := len(c.tape) - 1; i >= 0; i-- {
		c.tape[i]()
	}
	c.tape = nil
	return nil
}

func (c *Context) Close() {
	c.tape = nil
}

// track markiert out als differenzierbar und zeichnet backward auf, wenn
// eine der Eingaben einen Gradienten benoetigt
func (c *Context) track(out *Tensor, backward func(), inputs ...*Tensor) *Tensor {
	if c.noGrad {
		return out
	}

	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			c.tape = append(c.tape, backward)
			break
		}
	}
	return out
}

func ctxOf(ctx ml.Context) *Context {
	return ctx.(*Context)
}

// context.go - Context und Tensor Interfaces
//
// Shapes sind row-major: Dim(0) ist die aeusserste Dimension. Operationen
// auf Tensoren, die von einem trainierbaren Tensor abhaengen, werden im
// Context aufgezeichnet; Backward spielt die Aufzeichnung rueckwaerts ab.
package ml

// Context represents an execution context for tensor operations. A context
// records the operations needed to differentiate a scalar loss with respect
// to every tensor marked with SetRequiresGrad.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloats(s []float32, shape ...int) Tensor
	FromInts(s []int32, shape ...int) Tensor

	// NoGrad returns a context that records nothing. Tensors created by it
	// never require gradients.
	NoGrad() Context

	// Backward accumulates d(loss)/d(t) into the gradient of every
	// trainable tensor t that loss depends on. loss must hold one element.
	Backward(loss Tensor) error

	Close()
}

// Tensor represents a multi-dimensional array with various operations.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType
	Cast(ctx Context, dtype DType) Tensor

	Floats() []float32
	Ints() []int32
	FromFloats([]float32)

	RequiresGrad() bool
	SetRequiresGrad(bool)
	Grad() []float32
	ZeroGrad()

	// Add, Sub and Mul broadcast t2 over the leading dimensions of t; the
	// shape of t2 must be a suffix of the shape of t.
	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	// Mulmat computes t @ t2^T over the last two dimensions. A 2D t2 is
	// shared by all leading dimensions of t.
	Mulmat(ctx Context, t2 Tensor) Tensor
	// Matmul computes t @ t2 over the last two dimensions.
	Matmul(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	L2Norm(ctx Context, eps float32) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	QuickGELU(ctx Context) Tensor

	// Mean reduces dimension dim.
	Mean(ctx Context, dim int) Tensor

	// CrossEntropy returns the mean negative log likelihood of the int32
	// class labels under the softmax of the rows of t.
	CrossEntropy(ctx Context, labels Tensor) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, axes ...int) Tensor

	// Repeat repeats the tensor n times along dimension dim
	Repeat(ctx Context, dim, n int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Stack(ctx Context, dim int, s ...Tensor) Tensor

	// Rows gathers rows of t at the int32 indices in t2.
	Rows(ctx Context, t2 Tensor) Tensor

	Slice(ctx Context, dim, low, high, step int) Tensor
	Chunk(ctx Context, dim int, size int) []Tensor

	// Patchify turns images (B, C, H, W) into non-overlapping patches
	// (B, H/size*W/size, C*size*size) in raster order.
	Patchify(ctx Context, size int) Tensor
}

package clip

import (
	"math"

	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/ml/nn"
)

// ============================================================================
// Transformer - Residual-Bloecke mit Pre-LayerNorm
// ============================================================================
//
// Text- und Bild-Turm teilen denselben Block-Aufbau. Eingaben haben das
// Layout (batch, sequence, width).

// TransformerOptions beschreibt einen Transformer-Stapel
type TransformerOptions struct {
	width,
	numHeads int
	eps float32
}

func (o TransformerOptions) headDim() int {
	return o.width / o.numHeads
}

// Attention ist eine Multi-Head-Attention mit gepackter Q/K/V-Projektion
// (in_proj_weight hat die Shape (3*width, width))
type Attention struct {
	InProjWeight ml.Tensor  `gguf:"in_proj_weight"`
	InProjBias   ml.Tensor  `gguf:"in_proj_bias"`
	OutProj      *nn.Linear `gguf:"out_proj"`
}

func (sa *Attention) Forward(ctx ml.Context, hiddenStates, mask ml.Tensor, opts TransformerOptions) ml.Tensor {
	batchSize, seqLen := hiddenStates.Dim(0), hiddenStates.Dim(1)

	qkv := hiddenStates.Mulmat(ctx, sa.InProjWeight)
	if sa.InProjBias != nil {
		qkv = qkv.Add(ctx, sa.InProjBias)
	}

	heads := func(low int) ml.Tensor {
		t := qkv.Slice(ctx, 2, low, low+opts.width, 1)
		t = t.Reshape(ctx, batchSize, seqLen, opts.numHeads, opts.headDim())
		return t.Permute(ctx, 0, 2, 1, 3)
	}
	query, key, value := heads(0), heads(opts.width), heads(2*opts.width)

	kq := query.Mulmat(ctx, key)
	kq = kq.Scale(ctx, 1/math.Sqrt(float64(opts.headDim())))
	if mask != nil {
		kq = kq.Add(ctx, mask)
	}
	kq = kq.Softmax(ctx)

	attention := kq.Matmul(ctx, value)
	attention = attention.Permute(ctx, 0, 2, 1, 3)
	attention = attention.Reshape(ctx, batchSize, seqLen, opts.width)

	return sa.OutProj.Forward(ctx, attention)
}

// MLP ist c_fc -> QuickGELU -> c_proj
type MLP struct {
	FC   *nn.Linear `gguf:"c_fc"`
	Proj *nn.Linear `gguf:"c_proj"`
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	return mlp.Proj.Forward(ctx, mlp.FC.Forward(ctx, hiddenStates).QuickGELU(ctx))
}

// ResidualBlock kombiniert Attention und MLP mit Residual-Verbindungen
type ResidualBlock struct {
	Norm1     *nn.LayerNorm `gguf:"ln_1"`
	Attention *Attention    `gguf:"attn"`
	Norm2     *nn.LayerNorm `gguf:"ln_2"`
	MLP       *MLP          `gguf:"mlp"`
}

func (b *ResidualBlock) Forward(ctx ml.Context, hiddenStates, mask ml.Tensor, opts TransformerOptions) ml.Tensor {
	residual := hiddenStates
	hiddenStates = b.Norm1.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = b.Attention.Forward(ctx, hiddenStates, mask, opts)
	hiddenStates = hiddenStates.Add(ctx, residual)

	residual = hiddenStates
	hiddenStates = b.Norm2.Forward(ctx, hiddenStates, opts.eps)
	hiddenStates = b.MLP.Forward(ctx, hiddenStates)
	return hiddenStates.Add(ctx, residual)
}

type Transformer struct {
	Layers []ResidualBlock `gguf:"resblocks"`
}

func (t *Transformer) Forward(ctx ml.Context, hiddenStates, mask ml.Tensor, opts TransformerOptions) ml.Tensor {
	for i := range t.Layers {
		hiddenStates = t.Layers[i].Forward(ctx, hiddenStates, mask, opts)
	}
	return hiddenStates
}

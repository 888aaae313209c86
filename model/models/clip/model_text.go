package clip

import (
	"math"

	"github.com/7blacky7/encoop/fs"
	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/ml/nn"
)

// ============================================================================
// Text Model - kausaler Text-Transformer
// ============================================================================
//
// Die Gewichte liegen auf oberster Ebene des state_dict (token_embedding,
// positional_embedding, transformer, ln_final, text_projection).

type TextOptions struct {
	TransformerOptions

	contextLength,
	vocabSize int
}

type TextModel struct {
	TokenEmbedding      *nn.Embedding `gguf:"token_embedding"`
	PositionalEmbedding ml.Tensor     `gguf:"positional_embedding"`
	Transformer         *Transformer  `gguf:"transformer"`
	FinalNorm           *nn.LayerNorm `gguf:"ln_final"`
	Projection          ml.Tensor     `gguf:"text_projection"`

	*TextOptions
}

// Embed schlaegt Token-IDs (n, L) in der Embedding-Tabelle nach und
// liefert (n, L, width)
func (m *TextModel) Embed(ctx ml.Context, tokens ml.Tensor) ml.Tensor {
	return m.TokenEmbedding.Forward(ctx, tokens)
}

// CausalMask liefert die (L, L) Maske mit -Inf oberhalb der Diagonale
func (m *TextModel) CausalMask(ctx ml.Context, seqLen int) ml.Tensor {
	s := make([]float32, seqLen*seqLen)
	for i := range seqLen {
		for j := i + 1; j < seqLen; j++ {
			s[i*seqLen+j] = float32(math.Inf(-1))
		}
	}
	return ctx.FromFloats(s, seqLen, seqLen)
}

// Encode laeuft den Transformer ueber hiddenStates (n, L, width) und
// wendet die finale LayerNorm an
func (m *TextModel) Encode(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	mask := m.CausalMask(ctx, hiddenStates.Dim(1))
	hiddenStates = m.Transformer.Forward(ctx, hiddenStates, mask, m.TransformerOptions)
	return m.FinalNorm.Forward(ctx, hiddenStates, m.eps)
}

func (m *TextModel) Width() int {
	return m.width
}

func (m *TextModel) ContextLength() int {
	return m.contextLength
}

func newTextModel(c fs.Config) *TextModel {
	return &TextModel{
		Transformer: &Transformer{
			Layers: make([]ResidualBlock, c.Uint("text.block_count", 12)),
		},
		TextOptions: &TextOptions{
			TransformerOptions: TransformerOptions{
				width:    int(c.Uint("text.embedding_length", 512)),
				numHeads: int(c.Uint("text.attention.head_count", 8)),
				eps:      c.Float("text.attention.layer_norm_epsilon", 1e-5),
			},
			contextLength: int(c.Uint("text.context_length", 77)),
			vocabSize:     int(c.Uint("text.vocab_size", 49408)),
		},
	}
}

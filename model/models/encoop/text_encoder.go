package encoop

import (
	"fmt"

	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/model/models/clip"
)

// TextEncoder laeuft den eingefrorenen Text-Transformer ueber Prompt-
// Embeddings statt ueber Token-IDs
type TextEncoder struct {
	text  *clip.TextModel
	dtype ml.DType
}

func NewTextEncoder(m *clip.Model) *TextEncoder {
	return &TextEncoder{text: m.TextModel, dtype: m.DType()}
}

// Forward bildet Prompts (n, L, width) auf Text-Features (n, embed_dim) ab.
// Das Feature jeder Zeile ist die Ausgabe an der Position der hoechsten
// Token-ID (EOS) in tokenized.
func (e *TextEncoder) Forward(ctx ml.Context, prompts ml.Tensor, tokenized []int32) (ml.Tensor, error) {
	n, seqLen, width := prompts.Dim(0), prompts.Dim(1), prompts.Dim(2)
	if len(tokenized) != n*seqLen {
		return nil, fmt.Errorf("encoop: %d token ids for prompts %v", len(tokenized), prompts.Shape())
	}

	x := prompts.Add(ctx, e.text.PositionalEmbedding.Cast(ctx, e.dtype))
	x = e.text.Encode(ctx, x).Cast(ctx, e.dtype)

	eos := make([]int32, n)
	for i := range n {
		eos[i] = int32(i*seqLen + argmax(tokenized[i*seqLen:(i+1)*seqLen]))
	}

	x = x.Reshape(ctx, n*seqLen, width).Rows(ctx, ctx.FromInts(eos, n))
	return x.Matmul(ctx, e.text.Projection), nil
}

// argmax gibt den ersten Index des groessten Werts zurueck
func argmax(s []int32) int {
	best := 0
	for i, v := range s {
		if v > s[best] {
			best = i
		}
	}
	return best
}

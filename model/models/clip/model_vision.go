package clip

import (
	"github.com/7blacky7/encoop/fs"
	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/ml/nn"
)

// ============================================================================
// Vision Model - ViT Bild-Turm
// ============================================================================
//
// Ablauf: Patches -> conv1 als Matrix -> class token -> Positionen ->
// ln_pre -> Transformer -> ln_post auf dem class token -> proj

type VisionOptions struct {
	TransformerOptions

	imageSize,
	patchSize,
	numChannels int
}

type VisionModel struct {
	PatchEmbedding      ml.Tensor     `gguf:"conv1.weight"`
	ClassEmbedding      ml.Tensor     `gguf:"class_embedding"`
	PositionalEmbedding ml.Tensor     `gguf:"positional_embedding"`
	PreNorm             *nn.LayerNorm `gguf:"ln_pre"`
	Transformer         *Transformer  `gguf:"transformer"`
	PostNorm            *nn.LayerNorm `gguf:"ln_post"`
	Projection          ml.Tensor     `gguf:"proj"`

	*VisionOptions
}

// Forward bildet Bilder (B, C, H, W) auf Bild-Features (B, embed_dim) ab
func (m *VisionModel) Forward(ctx ml.Context, pixelValues ml.Tensor) ml.Tensor {
	batchSize := pixelValues.Dim(0)

	patches := pixelValues.Patchify(ctx, m.patchSize)
	kernel := m.PatchEmbedding.Reshape(ctx, m.width, m.numChannels*m.patchSize*m.patchSize)
	hiddenStates := patches.Mulmat(ctx, kernel)

	class := m.ClassEmbedding.Reshape(ctx, 1, 1, m.width).Repeat(ctx, 0, batchSize)
	hiddenStates = class.Concat(ctx, hiddenStates, 1)
	hiddenStates = hiddenStates.Add(ctx, m.PositionalEmbedding)

	hiddenStates = m.PreNorm.Forward(ctx, hiddenStates, m.eps)
	hiddenStates = m.Transformer.Forward(ctx, hiddenStates, nil, m.TransformerOptions)

	hiddenStates = hiddenStates.Slice(ctx, 1, 0, 1, 1).Reshape(ctx, batchSize, m.width)
	hiddenStates = m.PostNorm.Forward(ctx, hiddenStates, m.eps)
	return hiddenStates.Matmul(ctx, m.Projection)
}

func (m *VisionModel) ImageSize() int {
	return m.imageSize
}

func newVisionModel(c fs.Config) *VisionModel {
	return &VisionModel{
		Transformer: &Transformer{
			Layers: make([]ResidualBlock, c.Uint("vision.block_count", 12)),
		},
		VisionOptions: &VisionOptions{
			TransformerOptions: TransformerOptions{
				width:    int(c.Uint("vision.embedding_length", 768)),
				numHeads: int(c.Uint("vision.attention.head_count", 12)),
				eps:      c.Float("vision.attention.layer_norm_epsilon", 1e-5),
			},
			imageSize:   int(c.Uint("vision.image_size", 224)),
			patchSize:   int(c.Uint("vision.patch_size", 32)),
			numChannels: int(c.Uint("vision.num_channels", 3)),
		},
	}
}

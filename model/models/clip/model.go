// Package clip implementiert das eingefrorene CLIP-Backbone (ViT Bild-Turm
// und kausaler Text-Transformer). Die Gewichte werden ueber ihre torch
// state_dict Namen gebunden, so dass GGUF-Dateien und rohe torch-Archive
// dieselbe Struktur befuellen.
package clip

import (
	"errors"
	"fmt"
	"strings"

	"github.com/7blacky7/encoop/fs"
	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/model"
)

// Architecture ist der Wert von general.architecture
const Architecture = "clip"

var ErrMissingWeights = errors.New("clip: missing weights")

type Model struct {
	model.Base

	*TextModel
	Vision     *VisionModel `gguf:"visual"`
	LogitScale ml.Tensor    `gguf:"logit_scale"`

	projectionDim int
	merges        []string
}

// Validate prueft, dass alle Gewichte gebunden wurden
func (m *Model) Validate() error {
	var missing []string
	check := func(name string, t ml.Tensor) {
		if t == nil {
			missing = append(missing, name)
		}
	}

	check("logit_scale", m.LogitScale)
	if m.TokenEmbedding == nil {
		missing = append(missing, "token_embedding.weight")
	}
	check("positional_embedding", m.TextModel.PositionalEmbedding)
	check("text_projection", m.TextModel.Projection)
	if m.FinalNorm == nil {
		missing = append(missing, "ln_final")
	}
	missing = append(missing, m.TextModel.Transformer.missing("transformer")...)

	if m.Vision == nil {
		missing = append(missing, "visual")
	} else {
		check("visual.conv1.weight", m.Vision.PatchEmbedding)
		check("visual.class_embedding", m.Vision.ClassEmbedding)
		check("visual.positional_embedding", m.Vision.PositionalEmbedding)
		check("visual.proj", m.Vision.Projection)
		if m.Vision.PreNorm == nil || m.Vision.PostNorm == nil {
			missing = append(missing, "visual.ln_pre/ln_post")
		}
		missing = append(missing, m.Vision.Transformer.missing("visual.transformer")...)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingWeights, strings.Join(missing, ", "))
	}

	if m.TextModel.width%m.TextModel.numHeads != 0 || m.Vision.width%m.Vision.numHeads != 0 {
		return fmt.Errorf("clip: width is not divisible by the number of heads")
	}

	return nil
}

// missing listet die Bloecke ohne vollstaendige Gewichte
func (t *Transformer) missing(prefix string) (names []string) {
	for i, l := range t.Layers {
		if l.Norm1 == nil || l.Norm2 == nil || l.Attention == nil || l.Attention.InProjWeight == nil ||
			l.Attention.OutProj == nil || l.MLP == nil || l.MLP.FC == nil || l.MLP.Proj == nil {
			names = append(names, fmt.Sprintf("%s.resblocks.%d", prefix, i))
		}
	}
	return names
}

// EncodeImage liefert die Bild-Features (B, embed_dim). Die Bilder werden
// auf die Praezision der Gewichte gebracht.
func (m *Model) EncodeImage(ctx ml.Context, pixelValues ml.Tensor) ml.Tensor {
	return m.Vision.Forward(ctx, pixelValues.Cast(ctx, m.DType()))
}

// DType ist die Praezision der Gewichte (die von conv1)
func (m *Model) DType() ml.DType {
	return m.Vision.PatchEmbedding.DType()
}

// ImageSize ist die Eingabe-Aufloesung des Bild-Turms
func (m *Model) ImageSize() int {
	return m.Vision.imageSize
}

func (m *Model) ProjectionDim() int {
	return m.projectionDim
}

// Merges gibt die eingebetteten BPE-Merges zurueck (leer bei rohen Archiven)
func (m *Model) Merges() []string {
	return m.merges
}

func New(c fs.Config) (model.Model, error) {
	return &Model{
		TextModel:     newTextModel(c),
		Vision:        newVisionModel(c),
		projectionDim: int(c.Uint("projection_dim", 512)),
		merges:        c.Strings("tokenizer.ggml.merges"),
	}, nil
}

func init() {
	model.Register(Architecture, New)
}

// Package cliptest baut kleine CLIP-Modelle mit zufaelligen Gewichten fuer
// Tests anderer Pakete. Die Gewichte tragen die torch state_dict Namen.
package cliptest

import (
	"fmt"
	"math"
	"math/rand/v2"

	fsggml "github.com/7blacky7/encoop/fs/ggml"
	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/ml/backend/cpu"
	"github.com/7blacky7/encoop/model"
	"github.com/7blacky7/encoop/model/models/clip"
)

type Config struct {
	Width         int
	Heads         int
	Layers        int
	ContextLength int
	VocabSize     int
	ImageSize     int
	PatchSize     int
	EmbedDim      int

	DType ml.DType
	Seed  uint64
}

// Default passt zu tokenizer.New(nil) (514 Tokens)
func Default() Config {
	return Config{
		Width:         8,
		Heads:         2,
		Layers:        1,
		ContextLength: 16,
		VocabSize:     514,
		ImageSize:     8,
		PatchSize:     4,
		EmbedDim:      6,
		DType:         ml.DTypeF32,
		Seed:          1,
	}
}

// KV gibt die Metadaten des Modells zurueck
func (c Config) KV() fsggml.KV {
	return fsggml.KV{
		"general.architecture":             clip.Architecture,
		"clip.projection_dim":              uint32(c.EmbedDim),
		"clip.text.block_count":            uint32(c.Layers),
		"clip.text.embedding_length":       uint32(c.Width),
		"clip.text.attention.head_count":   uint32(c.Heads),
		"clip.text.context_length":         uint32(c.ContextLength),
		"clip.text.vocab_size":             uint32(c.VocabSize),
		"clip.vision.block_count":          uint32(c.Layers),
		"clip.vision.embedding_length":     uint32(c.Width),
		"clip.vision.attention.head_count": uint32(c.Heads),
		"clip.vision.image_size":           uint32(c.ImageSize),
		"clip.vision.patch_size":           uint32(c.PatchSize),
		"clip.vision.num_channels":         uint32(3),
	}
}

// Weights erzeugt deterministische Gewichte in torch-Namen und -Shapes
func (c Config) Weights() map[string]cpu.Weight {
	r := rand.New(rand.NewPCG(c.Seed, c.Seed^0x9e3779b97f4a7c15))
	w := make(map[string]cpu.Weight)

	add := func(name string, mean, std float64, shape ...int) {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float32, n)
		for i := range data {
			data[i] = float32(mean + std*r.NormFloat64())
		}
		w[name] = cpu.Weight{Shape: shape, Data: data}
	}

	blocks := func(prefix string) {
		for i := range c.Layers {
			p := fmt.Sprintf("%s.resblocks.%d.", prefix, i)
			add(p+"ln_1.weight", 1, 0.05, c.Width)
			add(p+"ln_1.bias", 0, 0.05, c.Width)
			add(p+"attn.in_proj_weight", 0, 0.3, 3*c.Width, c.Width)
			add(p+"attn.in_proj_bias", 0, 0.05, 3*c.Width)
			add(p+"attn.out_proj.weight", 0, 0.3, c.Width, c.Width)
			add(p+"attn.out_proj.bias", 0, 0.05, c.Width)
			add(p+"ln_2.weight", 1, 0.05, c.Width)
			add(p+"ln_2.bias", 0, 0.05, c.Width)
			add(p+"mlp.c_fc.weight", 0, 0.3, 4*c.Width, c.Width)
			add(p+"mlp.c_fc.bias", 0, 0.05, 4*c.Width)
			add(p+"mlp.c_proj.weight", 0, 0.15, c.Width, 4*c.Width)
			add(p+"mlp.c_proj.bias", 0, 0.05, c.Width)
		}
	}

	add("token_embedding.weight", 0, 0.5, c.VocabSize, c.Width)
	add("positional_embedding", 0, 0.1, c.ContextLength, c.Width)
	blocks("transformer")
	add("ln_final.weight", 1, 0.05, c.Width)
	add("ln_final.bias", 0, 0.05, c.Width)
	add("text_projection", 0, 0.4, c.Width, c.EmbedDim)

	grid := c.ImageSize / c.PatchSize
	add("visual.conv1.weight", 0, 0.3, c.Width, 3, c.PatchSize, c.PatchSize)
	add("visual.class_embedding", 0, 0.3, c.Width)
	add("visual.positional_embedding", 0, 0.1, grid*grid+1, c.Width)
	add("visual.ln_pre.weight", 1, 0.05, c.Width)
	add("visual.ln_pre.bias", 0, 0.05, c.Width)
	blocks("visual.transformer")
	add("visual.ln_post.weight", 1, 0.05, c.Width)
	add("visual.ln_post.bias", 0, 0.05, c.Width)
	add("visual.proj", 0, 0.4, c.Width, c.EmbedDim)

	w["logit_scale"] = cpu.Weight{Shape: []int{}, Data: []float32{float32(math.Log(1 / 0.07))}}
	return w
}

// New baut das Modell auf dem CPU-Backend
func New(c Config) (*clip.Model, error) {
	b := cpu.NewFromWeights(c.KV(), c.Weights(), ml.BackendParams{DType: c.DType})
	m, err := model.NewFromBackend(b)
	if err != nil {
		return nil, err
	}
	return m.(*clip.Model), nil
}

// Images erzeugt n zufaellige, normalisierte Bilder (n, 3, size, size)
func (c Config) Images(ctx ml.Context, n int, seed uint64) ml.Tensor {
	r := rand.New(rand.NewPCG(seed, seed+1))
	s := make([]float32, n*3*c.ImageSize*c.ImageSize)
	for i := range s {
		s[i] = float32(r.NormFloat64())
	}
	return ctx.FromFloats(s, n, 3, c.ImageSize, c.ImageSize)
}

package clip

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	fsggml "github.com/7blacky7/encoop/fs/ggml"
)

var ErrResNet = errors.New("clip: modified ResNet image towers are not supported")

// metadataKeys sind Eintraege im state_dict eines JIT-Archivs, die keine
// Gewichte sind
var metadataKeys = []string{"input_resolution", "context_length", "vocab_size"}

// StripMetadata entfernt die Nicht-Gewichte aus einem state_dict
func StripMetadata[V any](weights map[string]V) {
	for _, k := range metadataKeys {
		delete(weights, k)
	}
}

// ConfigFromShapes rekonstruiert die Architektur aus den Shapes eines rohen
// state_dict (row-major, torch Reihenfolge). Die Anzahl der Heads ist
// width/64 wie bei allen veroeffentlichten CLIP-Modellen.
func ConfigFromShapes(shapes map[string][]int) (fsggml.KV, error) {
	dim := func(name string, i int) (int, error) {
		s, ok := shapes[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingWeights, name)
		}
		if i < 0 {
			i += len(s)
		}
		if i < 0 || i >= len(s) {
			return 0, fmt.Errorf("clip: %s has shape %v", name, s)
		}
		return s[i], nil
	}

	if _, ok := shapes["visual.proj"]; !ok {
		if _, ok := shapes["visual.attnpool.c_proj.weight"]; ok {
			return nil, ErrResNet
		}
		return nil, fmt.Errorf("%w: visual.proj", ErrMissingWeights)
	}

	var errs []error
	get := func(name string, i int) uint32 {
		n, err := dim(name, i)
		if err != nil {
			errs = append(errs, err)
		}
		return uint32(n)
	}

	visionWidth := get("visual.conv1.weight", 0)
	patchSize := get("visual.conv1.weight", -1)
	numChannels := get("visual.conv1.weight", 1)
	numPositions := get("visual.positional_embedding", 0)
	textWidth := get("ln_final.weight", 0)
	contextLength := get("positional_embedding", 0)
	vocabSize := get("token_embedding.weight", 0)
	projectionDim := get("text_projection", 1)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	gridSize := uint32(math.Round(math.Sqrt(float64(numPositions - 1))))

	return fsggml.KV{
		"general.architecture":                     Architecture,
		"clip.projection_dim":                      projectionDim,
		"clip.text.block_count":                    countBlocks(shapes, "transformer.resblocks."),
		"clip.text.embedding_length":               textWidth,
		"clip.text.attention.head_count":           max(1, textWidth/64),
		"clip.text.attention.layer_norm_epsilon":   float32(1e-5),
		"clip.text.context_length":                 contextLength,
		"clip.text.vocab_size":                     vocabSize,
		"clip.vision.block_count":                  countBlocks(shapes, "visual.transformer.resblocks."),
		"clip.vision.embedding_length":             visionWidth,
		"clip.vision.attention.head_count":         max(1, visionWidth/64),
		"clip.vision.attention.layer_norm_epsilon": float32(1e-5),
		"clip.vision.image_size":                   patchSize * gridSize,
		"clip.vision.patch_size":                   patchSize,
		"clip.vision.num_channels":                 numChannels,
	}, nil
}

// countBlocks zaehlt die verschiedenen Block-Indizes unter prefix
func countBlocks(shapes map[string][]int, prefix string) uint32 {
	blocks := make(map[int]struct{})
	for name := range shapes {
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		idx, _, _ := strings.Cut(rest, ".")
		if n, err := strconv.Atoi(idx); err == nil {
			blocks[n] = struct{}{}
		}
	}
	return uint32(len(blocks))
}

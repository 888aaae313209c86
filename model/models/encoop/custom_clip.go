package encoop

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/model/models/clip"
	"github.com/7blacky7/encoop/tokenizer"
)

// normEps entspricht dem Default von F.normalize
const normEps = 1e-12

// CustomCLIP verbindet Bild-Turm, PromptLearner und TextEncoder zu einem
// Klassifikator ueber die Klassennamen
type CustomCLIP struct {
	PromptLearner *PromptLearner
	TextEncoder   *TextEncoder

	clip       *clip.Model
	splitBatch int
}

func NewCustomCLIP(opts Options, classNames []string, m *clip.Model, tok *tokenizer.Tokenizer) (*CustomCLIP, error) {
	pl, err := NewPromptLearner(opts.Prompt, classNames, m, tok)
	if err != nil {
		return nil, err
	}

	return &CustomCLIP{
		PromptLearner: pl,
		TextEncoder:   NewTextEncoder(m),
		clip:          m,
		splitBatch:    opts.SplitBatch,
	}, nil
}

// SetSplitBatch setzt die Chunk-Groesse des Forward
func (c *CustomCLIP) SetSplitBatch(n int) {
	c.splitBatch = n
}

func (c *CustomCLIP) SplitBatch() int {
	return c.splitBatch
}

// Backbone gibt das eingefrorene CLIP-Modell zurueck
func (c *CustomCLIP) Backbone() *clip.Model {
	return c.clip
}

// Forward teilt den Batch in Chunks der Groesse SplitBatch. Jeder Chunk
// nutzt den Kontext der Domaene seines ersten Elements. Die Logits
// (B, n_cls) der Chunks werden in Eingabe-Reihenfolge zusammengefuegt.
func (c *CustomCLIP) Forward(ctx ml.Context, images ml.Tensor, domains []int32) (ml.Tensor, error) {
	n := images.Dim(0)
	if len(domains) != n {
		return nil, fmt.Errorf("encoop: %d domain labels for %d images", len(domains), n)
	}
	if n == 0 {
		return nil, fmt.Errorf("encoop: empty batch")
	}

	size := c.splitBatch
	if size <= 0 || size > n {
		size = n
	}

	var logits ml.Tensor
	for low := 0; low < n; low += size {
		high := min(low+size, n)

		chunk := images
		if low > 0 || high < n {
			chunk = images.Slice(ctx, 0, low, high, 1)
		}

		l, err := c.Logits(ctx, chunk, int(domains[low]))
		if err != nil {
			return nil, err
		}

		if logits == nil {
			logits = l
		} else {
			logits = logits.Concat(ctx, l, 0)
		}
	}
	return logits, nil
}

// Logits klassifiziert images mit dem Kontext einer Domaene
func (c *CustomCLIP) Logits(ctx ml.Context, images ml.Tensor, domain int) (ml.Tensor, error) {
	return c.logits(ctx, c.clip.EncodeImage(ctx, images), domain)
}

func (c *CustomCLIP) logits(ctx ml.Context, imageFeatures ml.Tensor, domain int) (ml.Tensor, error) {
	prompts, err := c.PromptLearner.Forward(ctx, domain)
	if err != nil {
		return nil, err
	}

	textFeatures, err := c.TextEncoder.Forward(ctx, prompts, c.PromptLearner.Tokenized())
	if err != nil {
		return nil, err
	}

	imageFeatures = imageFeatures.L2Norm(ctx, normEps)
	textFeatures = textFeatures.L2Norm(ctx, normEps)

	return imageFeatures.Mulmat(ctx, textFeatures).Scale(ctx, c.LogitScale()), nil
}

// LogitScale ist exp(logit_scale) des Backbones
func (c *CustomCLIP) LogitScale() float64 {
	return math.Exp(float64(c.clip.LogitScale.Floats()[0]))
}

// EnsembleInference mittelt die Logits ueber alle Domaenen-Kontexte. Die
// Bild-Features werden einmal berechnet und fuer jede Domaene genutzt.
func (c *CustomCLIP) EnsembleInference(ctx ml.Context, images ml.Tensor) (ml.Tensor, error) {
	imageFeatures := c.clip.EncodeImage(ctx, images)

	all := make([]ml.Tensor, c.PromptLearner.NumDomains())
	for d := range all {
		l, err := c.logits(ctx, imageFeatures, d)
		if err != nil {
			return nil, err
		}
		all[d] = l
	}

	slog.Debug("ensemble inference", "images", images.Dim(0), "domains", len(all))
	return all[0].Stack(ctx, 0, all[1:]...).Mean(ctx, 0), nil
}

// Parameters listet alle Tensoren des Modells. Nur der Kontext des
// PromptLearners ist trainierbar, alle Backbone-Gewichte sind eingefroren.
func (c *CustomCLIP) Parameters() []Parameter {
	b := c.clip.Backend()
	names := b.Names()

	params := make([]Parameter, 0, len(names)+1)
	for _, name := range names {
		params = append(params, Parameter{Name: name, Tensor: b.Get(name)})
	}
	for _, p := range c.PromptLearner.Parameters() {
		p.Name = "prompt_learner." + p.Name
		params = append(params, p)
	}

	slices.SortFunc(params, func(a, b Parameter) int {
		return cmp.Compare(a.Name, b.Name)
	})
	return params
}

// StateDict gibt den Zustand des PromptLearners mit Modul-Prefix zurueck
func (c *CustomCLIP) StateDict() map[string]ml.Tensor {
	sd := make(map[string]ml.Tensor)
	for k, v := range c.PromptLearner.StateDict() {
		sd["prompt_learner."+k] = v
	}
	return sd
}

// Package encoop implementiert Context Optimization mit einem Kontext pro
// Quell-Domaene auf einem eingefrorenen CLIP-Backbone.
package encoop

import (
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/model/models/clip"
	"github.com/7blacky7/encoop/tokenizer"
)

// initStd ist die Standardabweichung der zufaelligen Kontext-Initialisierung
const initStd = 0.02

// State-Dict Schluessel des PromptLearners
const (
	KeyContext     = "ctx"
	KeyTokenPrefix = "token_prefix"
	KeyTokenSuffix = "token_suffix"
)

// PromptLearner haelt die lernbaren Kontext-Vektoren aller Domaenen und
// die eingefrorenen Token-Embeddings der Prompt-Vorlagen.
//
// ctx hat die Shape (D, n_ctx, dim) bzw. (D, n_cls, n_ctx, dim) im
// klassenspezifischen Modus. tokenPrefix ist (n_cls, 1, dim) (SOS),
// tokenSuffix ist (n_cls, L-1-n_ctx, dim) (Klassenname, ".", EOS, Padding).
type PromptLearner struct {
	ctx         ml.Tensor
	tokenPrefix ml.Tensor
	tokenSuffix ml.Tensor

	// tokenized sind die Token-IDs der Prompts (n_cls, L)
	tokenized []int32
	nameLens  []int

	classNames    []string
	numDomains    int
	nCtx          int
	dim           int
	seqLen        int
	classSpecific bool
	position      Placement
	prefix        string
}

// NewPromptLearner baut die Prompts "<kontext> <klasse>." fuer alle Klassen
// und initialisiert den Kontext aus CtxInit oder zufaellig.
func NewPromptLearner(opts PromptOptions, classNames []string, m *clip.Model, tok *tokenizer.Tokenizer) (*PromptLearner, error) {
	if len(classNames) == 0 {
		return nil, ErrNoClassNames
	}
	if opts.NumDomains < 1 {
		return nil, fmt.Errorf("%w: %d source domains", ErrInvalidConfiguration, opts.NumDomains)
	}
	if opts.ImageSize != m.ImageSize() {
		return nil, &ConfigMismatchError{Configured: opts.ImageSize, Backbone: m.ImageSize()}
	}

	pl := &PromptLearner{
		numDomains:    opts.NumDomains,
		nCtx:          opts.NCtx,
		dim:           m.FinalNorm.Weight.Dim(0),
		seqLen:        m.ContextLength(),
		classSpecific: opts.ClassSpecific,
		position:      opts.Position,
	}
	if pl.position == "" {
		pl.position = PlacementEnd
	}

	ctx := m.Backend().NewContext().NoGrad()
	defer ctx.Close()
	dtype := m.DType()

	if init := strings.TrimSpace(opts.CtxInit); init != "" {
		init = strings.ReplaceAll(init, "_", " ")
		pl.nCtx = len(strings.Fields(init))
		pl.classSpecific = false
		if err := pl.checkLength(); err != nil {
			return nil, err
		}

		ids, err := tok.Tokenize([]string{init}, pl.seqLen, false)
		if err != nil {
			return nil, err
		}

		// Zeilen 1..n_ctx sind die Embeddings der Init-Woerter (Zeile 0 ist SOS)
		embedding := m.Embed(ctx, ctx.FromInts(ids, 1, pl.seqLen)).Cast(ctx, dtype)
		pl.ctx = embedding.Slice(ctx, 1, 1, 1+pl.nCtx, 1).Repeat(ctx, 0, pl.numDomains)
		pl.prefix = init
		slog.Info("initializing context from words", "init", init, "n_ctx", pl.nCtx)
	} else {
		if err := pl.checkLength(); err != nil {
			return nil, err
		}

		shape := []int{pl.numDomains, pl.nCtx, pl.dim}
		if pl.classSpecific {
			shape = []int{pl.numDomains, len(classNames), pl.nCtx, pl.dim}
			slog.Info("initializing class-specific contexts")
		} else {
			slog.Info("initializing a generic context")
		}

		pl.ctx = ctx.FromFloats(normal(opts.Seed, shape), shape...).Cast(ctx, dtype)
		pl.prefix = strings.TrimSpace(strings.Repeat("X ", pl.nCtx))
	}
	pl.ctx.SetRequiresGrad(true)

	slog.Info("initial context", "prompt", pl.prefix, "n_ctx", pl.nCtx, "domains", pl.numDomains)

	prompts := make([]string, len(classNames))
	pl.classNames = make([]string, len(classNames))
	pl.nameLens = make([]int, len(classNames))
	for i, name := range classNames {
		name = strings.ReplaceAll(name, "_", " ")
		pl.classNames[i] = name
		pl.nameLens[i] = tok.Len(name)
		prompts[i] = pl.prefix + " " + name + "."
	}

	tokenized, err := tok.Tokenize(prompts, pl.seqLen, false)
	if err != nil {
		return nil, err
	}
	pl.tokenized = tokenized

	embedding := m.Embed(ctx, ctx.FromInts(tokenized, len(prompts), pl.seqLen)).Cast(ctx, dtype)
	pl.tokenPrefix = embedding.Slice(ctx, 1, 0, 1, 1)
	pl.tokenSuffix = embedding.Slice(ctx, 1, 1+pl.nCtx, pl.seqLen, 1)

	return pl, nil
}

func (pl *PromptLearner) checkLength() error {
	if pl.nCtx < 1 {
		return fmt.Errorf("%w: n_ctx must be positive, got %d", ErrInvalidConfiguration, pl.nCtx)
	}
	if 1+pl.nCtx >= pl.seqLen {
		return fmt.Errorf("%w: n_ctx %d does not fit context length %d", ErrInvalidConfiguration, pl.nCtx, pl.seqLen)
	}
	return nil
}

// normal zieht N(0, initStd^2) Werte ueber die Quantilfunktion
func normal(seed uint64, shape []int) []float32 {
	n := 1
	for _, d := range shape {
		n *= d
	}

	dist := distuv.Normal{Mu: 0, Sigma: initStd}
	r := rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb))
	s := make([]float32, n)
	for i := range s {
		// u liegt in (0, 1), Quantile(0) waere -Inf
		u := (float64(r.Uint64()>>11) + 0.5) / (1 << 53)
		s[i] = float32(dist.Quantile(u))
	}
	return s
}

// Forward setzt die Prompt-Embeddings (n_cls, L, dim) fuer eine Domaene
// zusammen. Nur der Kontext-Anteil ist differenzierbar.
func (pl *PromptLearner) Forward(ctx ml.Context, domain int) (ml.Tensor, error) {
	if domain < 0 || domain >= pl.numDomains {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrDomainOutOfRange, domain, pl.numDomains)
	}

	nCls := len(pl.classNames)

	var domainCtx ml.Tensor
	if pl.classSpecific {
		domainCtx = pl.ctx.Slice(ctx, 0, domain, domain+1, 1).Reshape(ctx, nCls, pl.nCtx, pl.dim)
	} else {
		domainCtx = pl.ctx.Slice(ctx, 0, domain, domain+1, 1).Reshape(ctx, 1, pl.nCtx, pl.dim).Repeat(ctx, 0, nCls)
	}

	switch pl.position {
	case PlacementEnd:
		return pl.tokenPrefix.Concat(ctx, domainCtx, 1).Concat(ctx, pl.tokenSuffix, 1), nil
	case PlacementMiddle, PlacementFront:
		return pl.splice(ctx, domainCtx), nil
	default:
		return nil, fmt.Errorf("%w: class token position %q", ErrInvalidConfiguration, pl.position)
	}
}

// splice baut die Prompts zeilenweise, wenn der Klassenname vor oder in
// der Mitte des Kontexts steht
func (pl *PromptLearner) splice(ctx ml.Context, domainCtx ml.Tensor) ml.Tensor {
	half := pl.nCtx / 2
	suffixLen := pl.tokenSuffix.Dim(1)

	var prompts ml.Tensor
	for i, nameLen := range pl.nameLens {
		prefix := pl.tokenPrefix.Slice(ctx, 0, i, i+1, 1)
		suffix := pl.tokenSuffix.Slice(ctx, 0, i, i+1, 1)
		row := domainCtx.Slice(ctx, 0, i, i+1, 1)

		class := span(ctx, suffix, 0, nameLen)
		rest := span(ctx, suffix, nameLen, suffixLen)

		var parts []ml.Tensor
		if pl.position == PlacementMiddle {
			parts = []ml.Tensor{prefix, span(ctx, row, 0, half), class, span(ctx, row, half, pl.nCtx), rest}
		} else {
			parts = []ml.Tensor{prefix, class, row, rest}
		}

		prompt := parts[0]
		for _, p := range parts[1:] {
			if p != nil {
				prompt = prompt.Concat(ctx, p, 1)
			}
		}

		if prompts == nil {
			prompts = prompt
		} else {
			prompts = prompts.Concat(ctx, prompt, 0)
		}
	}
	return prompts
}

// span schneidet [low, high) aus Dimension 1, nil fuer einen leeren Bereich
func span(ctx ml.Context, t ml.Tensor, low, high int) ml.Tensor {
	if low >= high {
		return nil
	}
	return t.Slice(ctx, 1, low, high, 1)
}

// ForwardBatch liefert die Prompts der Domaene des ersten Elements.
// Der Sampler garantiert, dass ein Chunk aus genau einer Domaene stammt.
func (pl *PromptLearner) ForwardBatch(ctx ml.Context, domains []int32) (ml.Tensor, error) {
	if len(domains) == 0 {
		return nil, fmt.Errorf("%w: empty domain batch", ErrDomainOutOfRange)
	}
	return pl.Forward(ctx, int(domains[0]))
}

// Context gibt den lernbaren Kontext-Tensor zurueck
func (pl *PromptLearner) Context() ml.Tensor {
	return pl.ctx
}

// Tokenized gibt die Token-IDs der Prompts zurueck, Shape (n_cls, L)
func (pl *PromptLearner) Tokenized() []int32 {
	return pl.tokenized
}

func (pl *PromptLearner) ClassNames() []string {
	return slices.Clone(pl.classNames)
}

// NameLens gibt die Anzahl der BPE-Tokens je Klassenname zurueck
func (pl *PromptLearner) NameLens() []int {
	return slices.Clone(pl.nameLens)
}

func (pl *PromptLearner) NumDomains() int {
	return pl.numDomains
}

func (pl *PromptLearner) NCtx() int {
	return pl.nCtx
}

// Parameters gibt die lernbaren Tensoren zurueck
func (pl *PromptLearner) Parameters() []Parameter {
	return []Parameter{{Name: KeyContext, Tensor: pl.ctx, Trainable: true}}
}

// StateDict gibt Kontext und Token-Puffer unter ihren Schluesseln zurueck
func (pl *PromptLearner) StateDict() map[string]ml.Tensor {
	return map[string]ml.Tensor{
		KeyContext:     pl.ctx,
		KeyTokenPrefix: pl.tokenPrefix,
		KeyTokenSuffix: pl.tokenSuffix,
	}
}

// LoadResult listet die Schluessel, die beim Laden fehlten oder unbekannt waren
type LoadResult struct {
	MissingKeys    []string
	UnexpectedKeys []string
}

// CheckStateDict prueft sd gegen den eigenen Zustand, ohne etwas zu
// schreiben. Ohne strict werden fehlende und unbekannte Schluessel nur
// gemeldet, abweichende Shapes sind immer ein Fehler.
func (pl *PromptLearner) CheckStateDict(sd map[string]ml.Tensor, strict bool) (LoadResult, error) {
	var result LoadResult
	own := pl.StateDict()

	for _, key := range slices.Sorted(maps.Keys(own)) {
		src, ok := sd[key]
		if !ok {
			result.MissingKeys = append(result.MissingKeys, key)
			continue
		}
		if !slices.Equal(src.Shape(), own[key].Shape()) {
			return LoadResult{}, fmt.Errorf("%w: %s has shape %v, expected %v", ErrConfigMismatch, key, src.Shape(), own[key].Shape())
		}
	}
	for _, key := range slices.Sorted(maps.Keys(sd)) {
		if _, ok := own[key]; !ok {
			result.UnexpectedKeys = append(result.UnexpectedKeys, key)
		}
	}

	if strict && (len(result.MissingKeys) > 0 || len(result.UnexpectedKeys) > 0) {
		return result, fmt.Errorf("%w: missing keys %v, unexpected keys %v", ErrConfigMismatch, result.MissingKeys, result.UnexpectedKeys)
	}
	return result, nil
}

// LoadStateDict uebernimmt die Werte aus sd nach CheckStateDict. Ein
// Fehler laesst den PromptLearner unveraendert.
func (pl *PromptLearner) LoadStateDict(sd map[string]ml.Tensor, strict bool) (LoadResult, error) {
	result, err := pl.CheckStateDict(sd, strict)
	if err != nil {
		return result, err
	}

	for key, dst := range pl.StateDict() {
		if src, ok := sd[key]; ok {
			dst.FromFloats(src.Floats())
		}
	}
	return result, nil
}

// load.go - Bau des CLIP-Modells aus einem Archiv
// Enthält: Load(), LoadFile(), Tokenizer()

package backbone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/7blacky7/encoop/convert"
	"github.com/7blacky7/encoop/envconfig"
	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/ml/backend/cpu"
	"github.com/7blacky7/encoop/model"
	"github.com/7blacky7/encoop/model/models/clip"
	"github.com/7blacky7/encoop/tokenizer"
)

// Load loest name auf und baut das Modell
func (r *Resolver) Load(ctx context.Context, name string, params ml.BackendParams) (*clip.Model, error) {
	p, err := r.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	m, err := LoadFile(p, params)
	if err != nil {
		return nil, &BackboneError{Op: "load", Name: name, Err: err}
	}
	return m, nil
}

// LoadFile versucht zuerst das kompilierte Format (GGUF mit Metadaten).
// Schlaegt das fehl, wird das Archiv als rohes state_dict gelesen und die
// Architektur aus den Shapes rekonstruiert.
func LoadFile(path string, params ml.BackendParams) (*clip.Model, error) {
	m, err := model.New(path, params)
	if err == nil {
		if cm, ok := m.(*clip.Model); ok {
			return cm, nil
		}
		err = fmt.Errorf("unexpected model %T", m)
	}
	slog.Debug("not a compiled backbone, reading raw weights", "path", path, "error", err)

	kv, weights, err := convert.LoadModelMetadata(path)
	if err != nil {
		if errors.Is(err, clip.ErrResNet) {
			return nil, errors.Join(ErrUnsupportedBackbone, err)
		}
		return nil, err
	}

	ws := make(map[string]cpu.Weight, len(weights))
	for name, t := range weights {
		ws[name] = cpu.Weight{Shape: t.Shape, Data: t.Data}
	}

	m, err = model.NewFromBackend(cpu.NewFromWeights(kv, ws, params))
	if err != nil {
		return nil, err
	}
	slog.Info("built backbone from raw weights", "path", path, "tensors", len(ws))
	return m.(*clip.Model), nil
}

// Tokenizer gibt den Tokenizer zu m zurueck: eingebettete Merges oder
// sonst die Datei aus ENCOOP_BPE
func Tokenizer(m *clip.Model) (*tokenizer.Tokenizer, error) {
	if merges := m.Merges(); len(merges) > 0 {
		return tokenizer.New(merges), nil
	}
	return tokenizer.Load(envconfig.BPE())
}

// backend_load.go - Laden von GGUF-Dateien
// Enthält: New() fuer die ml.Backend-Registrierung

package cpu

import (
	"fmt"
	"log/slog"

	fsggml "github.com/7blacky7/encoop/fs/ggml"
	"github.com/7blacky7/encoop/ml"
)

// New laedt eine GGUF-Datei vollstaendig in den Speicher
func New(modelPath string, params ml.BackendParams) (ml.Backend, error) {
	kv, tensors, err := fsggml.Open(modelPath)
	if err != nil {
		return nil, fmt.Errorf("cpu: load %s: %w", modelPath, err)
	}

	weights := make(map[string]Weight, len(tensors))
	var total uint64
	for name, t := range tensors {
		weights[name] = Weight{Shape: t.Dims(), Data: t.Floats()}
		total += t.Elements()
	}

	slog.Debug("loaded weights", "path", modelPath, "architecture", kv.Architecture(), "tensors", len(weights), "parameters", total)
	return NewFromWeights(kv, weights, params), nil
}

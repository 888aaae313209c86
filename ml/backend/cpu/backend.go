// backend.go - CPU-Backend fuer eingefrorene Modell-Gewichte
// Enthält: Backend struct, Weight, NewFromWeights(), Get(), Names(), NewContext()

package cpu

import (
	"maps"
	"slices"

	"github.com/7blacky7/encoop/fs"
	"github.com/7blacky7/encoop/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

// Backend haelt alle Gewichte einer Modell-Datei im Speicher
type Backend struct {
	config  fs.Config
	tensors map[string]*Tensor

	dtype      ml.DType
	numThreads int
}

// Weight beschreibt einen Tensor in row-major Reihenfolge
type Weight struct {
	Shape []int
	Data  []float32
}

// NewFromWeights erstellt ein Backend aus bereits dekodierten Gewichten.
// Die Daten werden uebernommen, nicht kopiert.
func NewFromWeights(config fs.Config, weights map[string]Weight, params ml.BackendParams) *Backend {
	dtype := params.DType
	if dtype == ml.DTypeOther {
		dtype = ml.DTypeF32
	}

	b := &Backend{
		config:     config,
		tensors:    make(map[string]*Tensor, len(weights)),
		dtype:      dtype,
		numThreads: params.NumThreads,
	}

	for name, w := range weights {
		t := &Tensor{
			name:  name,
			dtype: ml.DTypeF32,
			shape: slices.Clone(w.Shape),
			data:  w.Data,
		}
		if dtype != ml.DTypeF32 {
			roundTo(dtype, t.data, t.data)
			t.dtype = dtype
		}
		b.tensors[name] = t
	}

	return b
}

func (b *Backend) Config() fs.Config {
	return b.config
}

// Get gibt den Tensor zurueck oder nil, wenn er nicht existiert
func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.tensors[name]; ok {
		return t
	}
	return nil
}

func (b *Backend) Names() []string {
	return slices.Sorted(maps.Keys(b.tensors))
}

func (b *Backend) NewContext() ml.Context {
	return &Context{numThreads: b.numThreads}
}

func (b *Backend) Close() {
	clear(b.tensors)
}

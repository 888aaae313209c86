// convert_model.go - Konvertierung roher CLIP state_dicts zu GGUF
// Hauptfunktionen: LoadModelMetadata, ConvertModel, writeFile
package convert

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"

	"github.com/dustin/go-humanize"

	fsggml "github.com/7blacky7/encoop/fs/ggml"
	"github.com/7blacky7/encoop/model/models/clip"
)

// Options steuert die Konvertierung
type Options struct {
	// Merges werden als tokenizer.ggml.merges eingebettet
	Merges []string

	// Kind erzwingt einen Ziel-Typ, sonst wird der Typ der Quelle behalten
	Kind *fsggml.TensorType
}

// LoadModelMetadata liest das state_dict und rekonstruiert die Architektur
// aus den Tensor-Shapes
func LoadModelMetadata(path string) (fsggml.KV, map[string]Tensor, error) {
	weights, err := ReadTorch(path)
	if err != nil {
		return nil, nil, err
	}
	clip.StripMetadata(weights)

	shapes := make(map[string][]int, len(weights))
	for name, t := range weights {
		shapes[name] = t.Shape
	}

	kv, err := clip.ConfigFromShapes(shapes)
	if err != nil {
		return nil, nil, err
	}
	return kv, weights, nil
}

// ConvertModel schreibt das rohe Archiv src als kompiliertes GGUF nach f
func ConvertModel(src string, f *os.File, opts Options) error {
	kv, weights, err := LoadModelMetadata(src)
	if err != nil {
		return err
	}

	slog.Info("converting backbone", "source", src)
	return WriteModel(f, kv, weights, opts)
}

// WriteModel schreibt Metadaten und Gewichte als GGUF nach f
func WriteModel(f *os.File, kv fsggml.KV, weights map[string]Tensor, opts Options) error {
	if len(opts.Merges) > 0 {
		kv["tokenizer.ggml.merges"] = opts.Merges
	}

	ts := make([]*fsggml.Tensor, 0, len(weights))
	var size uint64
	for _, name := range slices.Sorted(maps.Keys(weights)) {
		w := weights[name]
		kind := w.Kind
		if opts.Kind != nil && kind != fsggml.TensorTypeI32 {
			kind = *opts.Kind
		}

		t := fsggml.NewFloatTensor(name, kind, w.Shape, w.Data)
		size += t.Size()
		ts = append(ts, t)
	}

	slog.Info("writing backbone", "tensors", len(ts), "size", humanize.Bytes(size),
		"vision_layers", kv.Uint("vision.block_count"), "text_layers", kv.Uint("text.block_count"))

	return writeFile(f, kv, ts)
}

// writeFile schreibt die GGUF-Datei. Ein leerer Tensor-Satz ist ein Fehler.
func writeFile(f *os.File, kv fsggml.KV, ts []*fsggml.Tensor) error {
	if len(ts) == 0 {
		return fmt.Errorf("convert: no tensors to write")
	}
	kv["general.alignment"] = cmp.Or(kv.Uint("general.alignment"), uint32(32))
	return fsggml.WriteGGUF(f, kv, ts)
}

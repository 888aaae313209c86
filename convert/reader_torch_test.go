package convert

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	fsggml "github.com/7blacky7/encoop/fs/ggml"
	"github.com/7blacky7/encoop/ml"
	_ "github.com/7blacky7/encoop/ml/backend"
	"github.com/7blacky7/encoop/model"
	"github.com/7blacky7/encoop/model/models/clip"
	"github.com/7blacky7/encoop/model/models/clip/cliptest"
)

func floatStorage(data ...float32) *pytorch.FloatStorage {
	return &pytorch.FloatStorage{Data: data}
}

func TestMaterialize(t *testing.T) {
	cases := []struct {
		name   string
		tensor *pytorch.Tensor
		want   Tensor
	}{
		{
			name:   "contiguous",
			tensor: &pytorch.Tensor{Source: floatStorage(1, 2, 3, 4, 5, 6), Size: []int{2, 3}, Stride: []int{3, 1}},
			want:   Tensor{Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}, Kind: fsggml.TensorTypeF32},
		},
		{
			name:   "offset",
			tensor: &pytorch.Tensor{Source: floatStorage(0, 0, 7, 8), StorageOffset: 2, Size: []int{2}, Stride: []int{1}},
			want:   Tensor{Shape: []int{2}, Data: []float32{7, 8}, Kind: fsggml.TensorTypeF32},
		},
		{
			// (2, 3) Tensor aus einem (3, 2) Block transponiert
			name:   "transposed",
			tensor: &pytorch.Tensor{Source: floatStorage(1, 2, 3, 4, 5, 6), Size: []int{2, 3}, Stride: []int{1, 2}},
			want:   Tensor{Shape: []int{2, 3}, Data: []float32{1, 3, 5, 2, 4, 6}, Kind: fsggml.TensorTypeF32},
		},
		{
			// jede zweite Spalte, kein dichter Block
			name:   "strided",
			tensor: &pytorch.Tensor{Source: floatStorage(1, 2, 3, 4, 5, 6, 7, 8), Size: []int{2, 2}, Stride: []int{4, 2}},
			want:   Tensor{Shape: []int{2, 2}, Data: []float32{1, 3, 5, 7}, Kind: fsggml.TensorTypeF32},
		},
		{
			name:   "scalar",
			tensor: &pytorch.Tensor{Source: floatStorage(4.6), Size: []int{}, Stride: []int{}},
			want:   Tensor{Shape: []int{}, Data: []float32{4.6}, Kind: fsggml.TensorTypeF32},
		},
		{
			name:   "long",
			tensor: &pytorch.Tensor{Source: &pytorch.LongStorage{Data: []int64{3, 1}}, Size: []int{2}, Stride: []int{1}},
			want:   Tensor{Shape: []int{2}, Data: []float32{3, 1}, Kind: fsggml.TensorTypeI32},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Materialize(tt.tensor)
			if err != nil {
				t.Fatalf("Fehler: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Materialize (-erwartet +erhalten):\n%s", diff)
			}
		})
	}
}

func TestPermutedMatchesStrided(t *testing.T) {
	data := make([]float32, 24)
	for i := range data {
		data[i] = float32(i)
	}

	// (2, 3, 4) Block, gelesen als Permutation (4, 2, 3)
	shape := []int{4, 2, 3}
	stride := []int{1, 12, 4}

	got, err := permuted(data, 0, shape, stride)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(strided(data, 0, shape, stride), got); diff != "" {
		t.Errorf("permuted weicht von strided ab:\n%s", diff)
	}

	if _, err := permuted(data, 0, []int{2, 2}, []int{4, 2}); err == nil {
		t.Error("erwartet Fehler fuer Luecken im Block")
	}
}

func TestEntries(t *testing.T) {
	od := types.NewOrderedDict()
	od.Set("b", 1)
	od.Set("a", 2)
	od.Set(3, "skip")

	got, err := Entries(od)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Entry{{"b", 1}, {"a", 2}}, got); diff != "" {
		t.Errorf("Reihenfolge (-erwartet +erhalten):\n%s", diff)
	}

	if _, err := Entries([]int{1}); !errors.Is(err, ErrNotStateDict) {
		t.Errorf("erwartet ErrNotStateDict, erhalten %v", err)
	}
}

func TestStateDictSkipsNonTensors(t *testing.T) {
	d := types.NewDict()
	d.Set("weight", &pytorch.Tensor{Source: floatStorage(1, 2), Size: []int{2}, Stride: []int{1}})
	d.Set("epoch", 3)

	sd, err := StateDict(d)
	if err != nil {
		t.Fatal(err)
	}
	if len(sd) != 1 {
		t.Fatalf("erwartet 1 Tensor, erhalten %d", len(sd))
	}

	empty := types.NewDict()
	empty.Set("epoch", 3)
	if _, err := StateDict(empty); !errors.Is(err, ErrNotStateDict) {
		t.Errorf("erwartet ErrNotStateDict, erhalten %v", err)
	}
}

func TestWriteModel(t *testing.T) {
	c := cliptest.Default()

	weights := make(map[string]Tensor)
	shapes := make(map[string][]int)
	for name, w := range c.Weights() {
		weights[name] = Tensor{Shape: w.Shape, Data: w.Data, Kind: fsggml.TensorTypeF32}
		shapes[name] = w.Shape
	}

	kv, err := clip.ConfigFromShapes(shapes)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "backbone.gguf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	kind := fsggml.TensorTypeF16
	if err := WriteModel(f, kv, weights, Options{Merges: []string{"a b"}, Kind: &kind}); err != nil {
		t.Fatalf("WriteModel: %v", err)
	}
	f.Close()

	m, err := model.New(path, ml.BackendParams{DType: ml.DTypeF32})
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}

	cm, ok := m.(*clip.Model)
	if !ok {
		t.Fatalf("erwartet *clip.Model, erhalten %T", m)
	}
	if cm.ImageSize() != c.ImageSize {
		t.Errorf("ImageSize: erwartet %d, erhalten %d", c.ImageSize, cm.ImageSize())
	}
	if diff := cmp.Diff([]string{"a b"}, cm.Merges()); diff != "" {
		t.Errorf("Merges (-erwartet +erhalten):\n%s", diff)
	}
}

func TestWriteModelRequiresTensors(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "empty.gguf"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := WriteModel(f, fsggml.KV{"general.architecture": clip.Architecture}, nil, Options{}); err == nil {
		t.Error("erwartet Fehler ohne Tensoren")
	}
}

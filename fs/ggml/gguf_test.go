package ggml

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTestFile(t *testing.T, kv KV, ts []*Tensor) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.gguf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := WriteGGUF(f, kv, ts); err != nil {
		t.Fatalf("WriteGGUF: %v", err)
	}
	return path
}

func TestWriteGGUFRoundTrip(t *testing.T) {
	kv := KV{
		"general.architecture":  "clip",
		"clip.text.block_count": uint32(12),
		"clip.logit_scale":      float32(4.6052),
		"tokenizer.ggml.merges": []string{"t h", "th e</w>"},
		"clip.vision.use_proj":  true,
	}

	ts := []*Tensor{
		NewFloatTensor("positional_embedding", TensorTypeF32, []int{2, 3}, []float32{1, 2, 3, 4, 5, 6}),
		NewFloatTensor("ln_final.weight", TensorTypeF16, []int{4}, []float32{0.5, -1.25, 2, 0}),
		NewFloatTensor("text_projection", TensorTypeBF16, []int{2, 2}, []float32{1, -2, 0.25, 8}),
	}

	path := writeTestFile(t, kv, ts)

	ok, err := IsGGUF(path)
	if err != nil || !ok {
		t.Fatalf("IsGGUF = %v, %v", ok, err)
	}

	gotKV, tensors, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got := gotKV.Architecture(); got != "clip" {
		t.Errorf("Architecture() = %q", got)
	}
	if got := gotKV.Uint("text.block_count"); got != 12 {
		t.Errorf("text.block_count = %d, erwartet 12", got)
	}
	if got := gotKV.Float("logit_scale"); got != 4.6052 {
		t.Errorf("logit_scale = %v", got)
	}
	if !gotKV.Bool("vision.use_proj") {
		t.Error("vision.use_proj sollte true sein")
	}
	if diff := cmp.Diff([]string{"t h", "th e</w>"}, gotKV.Strings("tokenizer.ggml.merges")); diff != "" {
		t.Errorf("merges (-want +got):\n%s", diff)
	}
	if got := gotKV.ParameterCount(); got != 14 {
		t.Errorf("ParameterCount() = %d, erwartet 14", got)
	}

	want := map[string]struct {
		dims []int
		data []float32
	}{
		"positional_embedding": {[]int{2, 3}, []float32{1, 2, 3, 4, 5, 6}},
		"ln_final.weight":      {[]int{4}, []float32{0.5, -1.25, 2, 0}},
		"text_projection":      {[]int{2, 2}, []float32{1, -2, 0.25, 8}},
	}

	if len(tensors) != len(want) {
		t.Fatalf("%d Tensors gelesen, erwartet %d", len(tensors), len(want))
	}

	for name, w := range want {
		tt, ok := tensors[name]
		if !ok {
			t.Errorf("Tensor %s fehlt", name)
			continue
		}
		if diff := cmp.Diff(w.dims, tt.Dims()); diff != "" {
			t.Errorf("%s dims (-want +got):\n%s", name, diff)
		}
		if diff := cmp.Diff(w.data, tt.Floats()); diff != "" {
			t.Errorf("%s data (-want +got):\n%s", name, diff)
		}
	}
}

func TestWriteGGUFRequiresArchitecture(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "x.gguf"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := WriteGGUF(f, KV{}, nil); err == nil {
		t.Error("Fehler erwartet ohne general.architecture")
	}
}

func TestDecodeRejectsOtherFormats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.pt")
	if err := os.WriteFile(path, []byte("PK\x03\x04rest-of-zip"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok, err := IsGGUF(path)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("ZIP-Datei als GGUF erkannt")
	}

	if _, _, err := Open(path); err != ErrUnsupportedFormat {
		t.Errorf("Open() = %v, erwartet ErrUnsupportedFormat", err)
	}
}

func TestKVArchitecturePrefix(t *testing.T) {
	kv := KV{
		"general.architecture":        "encoop",
		"encoop.checkpoint.epoch":     uint32(7),
		"tokenizer.ggml.bos_token_id": uint32(49406),
	}

	if got := kv.Uint("checkpoint.epoch"); got != 7 {
		t.Errorf("checkpoint.epoch = %d", got)
	}
	if got := kv.Uint("tokenizer.ggml.bos_token_id"); got != 49406 {
		t.Errorf("bos = %d", got)
	}
	if got := kv.Uint("missing", 3); got != 3 {
		t.Errorf("Default = %d, erwartet 3", got)
	}
}

func TestOpenFuncSkipsTensors(t *testing.T) {
	path := writeTestFile(t, KV{"general.architecture": "encoop"}, []*Tensor{
		NewFloatTensor("state_dict.ctx", TensorTypeF32, []int{2}, []float32{1, 2}),
		NewFloatTensor("state_dict.token_prefix", TensorTypeF32, []int{1}, []float32{3}),
	})

	var seen []string
	_, ts, err := OpenFunc(path, func(name string) bool {
		seen = append(seen, name)
		return name != "state_dict.token_prefix"
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(seen) != 2 {
		t.Errorf("keep aufgerufen fuer %v", seen)
	}
	if _, ok := ts["state_dict.token_prefix"]; ok {
		t.Error("token_prefix sollte verworfen sein")
	}
	if diff := cmp.Diff([]float32{1, 2}, ts["state_dict.ctx"].Floats()); diff != "" {
		t.Errorf("ctx (-erwartet +erhalten):\n%s", diff)
	}
}

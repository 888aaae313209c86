// reader_torch.go - Lesen von torch.save Archiven
//
// Enthält:
// - ReadTorch: state_dict eines Archivs als row-major float32 Tensoren
// - LoadTorch: rohes Pickle-Objekt (fuer Checkpoints mit Metadaten)
// - StateDict / Entries: Zugriff auf Dict und OrderedDict
//
// TorchScript-Archive (die veroeffentlichten CLIP .pt Dateien) werden
// nicht ausgefuehrt; gelesen wird nur das gepickelte state_dict.
package convert

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pdevine/tensor"

	fsggml "github.com/7blacky7/encoop/fs/ggml"
)

var ErrNotStateDict = errors.New("convert: archive does not contain a state dict")

// Tensor ist ein materialisierter torch Tensor
type Tensor struct {
	Shape []int
	Data  []float32

	// Kind ist der Typ der Quelle (F32, F16, BF16, I32)
	Kind fsggml.TensorType
}

// Entry ist ein Schluessel/Wert Paar eines Python Dicts
type Entry struct {
	Key   string
	Value any
}

// LoadTorch laedt ein torch.save Archiv (zip oder legacy) ohne es
// zu interpretieren
func LoadTorch(path string) (any, error) {
	v, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("convert: load %s: %w", path, err)
	}
	return v, nil
}

// ReadTorch liest das state_dict eines Archivs. Liegt es unter dem
// Schluessel "state_dict" (Checkpoints), wird dieses genutzt.
func ReadTorch(path string) (map[string]Tensor, error) {
	v, err := LoadTorch(path)
	if err != nil {
		return nil, err
	}

	if entries, err := Entries(v); err == nil {
		for _, e := range entries {
			if e.Key == "state_dict" {
				v = e.Value
				break
			}
		}
	}

	return StateDict(v)
}

// Entries gibt die Eintraege eines Dict oder OrderedDict in Reihenfolge
// zurueck. Nicht-String Schluessel werden uebersprungen.
func Entries(v any) ([]Entry, error) {
	var entries []Entry
	switch d := v.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			key, ok := k.(string)
			if !ok {
				continue
			}
			value, _ := d.Get(k)
			entries = append(entries, Entry{key, value})
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			key, ok := entry.Key.(string)
			if !ok {
				continue
			}
			entries = append(entries, Entry{key, entry.Value})
		}
	default:
		return nil, fmt.Errorf("%w: got %T", ErrNotStateDict, v)
	}
	return entries, nil
}

// StateDict materialisiert alle Tensoren eines Dicts. Eintraege, die
// keine Tensoren sind, werden ignoriert.
func StateDict(v any) (map[string]Tensor, error) {
	entries, err := Entries(v)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Tensor, len(entries))
	for _, e := range entries {
		pt, ok := e.Value.(*pytorch.Tensor)
		if !ok {
			slog.Debug("skipping non-tensor entry", "key", e.Key, "type", fmt.Sprintf("%T", e.Value))
			continue
		}

		t, err := Materialize(pt)
		if err != nil {
			return nil, fmt.Errorf("convert: %s: %w", e.Key, err)
		}
		out[e.Key] = t
	}

	if len(out) == 0 {
		return nil, ErrNotStateDict
	}
	return out, nil
}

// Materialize kopiert einen (moeglicherweise gestrideten) torch Tensor in
// ein dichtes row-major Array
func Materialize(pt *pytorch.Tensor) (Tensor, error) {
	data, kind, err := storageFloats(pt.Source)
	if err != nil {
		return Tensor{}, err
	}

	shape := slices.Clone(pt.Size)
	n := 1
	for _, d := range shape {
		n *= d
	}

	t := Tensor{Shape: shape, Kind: kind}
	switch {
	case n == 0:
		t.Data = []float32{}
	case isContiguous(shape, pt.Stride):
		if pt.StorageOffset+n > len(data) {
			return Tensor{}, fmt.Errorf("storage too small for %v at offset %d", shape, pt.StorageOffset)
		}
		t.Data = slices.Clone(data[pt.StorageOffset : pt.StorageOffset+n])
	default:
		if t.Data, err = permuted(data, pt.StorageOffset, shape, pt.Stride); err != nil {
			t.Data = strided(data, pt.StorageOffset, shape, pt.Stride)
		}
	}
	return t, nil
}

func storageFloats(s pytorch.StorageInterface) ([]float32, fsggml.TensorType, error) {
	switch s := s.(type) {
	case *pytorch.FloatStorage:
		return s.Data, fsggml.TensorTypeF32, nil
	case *pytorch.HalfStorage:
		return s.Data, fsggml.TensorTypeF16, nil
	case *pytorch.DoubleStorage:
		f := make([]float32, len(s.Data))
		for i, v := range s.Data {
			f[i] = float32(v)
		}
		return f, fsggml.TensorTypeF32, nil
	case *pytorch.LongStorage:
		f := make([]float32, len(s.Data))
		for i, v := range s.Data {
			f[i] = float32(v)
		}
		return f, fsggml.TensorTypeI32, nil
	case *pytorch.IntStorage:
		f := make([]float32, len(s.Data))
		for i, v := range s.Data {
			f[i] = float32(v)
		}
		return f, fsggml.TensorTypeI32, nil
	default:
		return nil, 0, fmt.Errorf("unsupported storage %T", s)
	}
}

// contiguousStrides gibt die row-major Strides einer Shape zurueck
func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

// isContiguous ignoriert Dimensionen der Groesse 1, deren Stride beliebig ist
func isContiguous(shape, stride []int) bool {
	if len(stride) != len(shape) {
		return len(shape) == 0
	}
	want := contiguousStrides(shape)
	for i := range shape {
		if shape[i] != 1 && stride[i] != want[i] {
			return false
		}
	}
	return true
}

// permuted behandelt Tensoren, die eine Permutation eines dichten Blocks
// sind (z.B. transponierte Gewichte). Der Block wird mit tensor.T und
// Transpose in die logische Reihenfolge gebracht.
func permuted(data []float32, offset int, shape, stride []int) ([]float32, error) {
	if len(stride) != len(shape) {
		return nil, errors.New("stride rank mismatch")
	}

	// Achsen nach absteigendem Stride = Speicher-Reihenfolge
	order := make([]int, len(shape))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return stride[b] - stride[a]
	})

	base := make([]int, len(shape))
	baseStride := make([]int, len(shape))
	for i, axis := range order {
		base[i] = shape[axis]
		baseStride[i] = stride[axis]
	}
	if !isContiguous(base, baseStride) {
		return nil, errors.New("not a permutation of a dense block")
	}

	n := 1
	for _, d := range base {
		n *= d
	}
	if offset+n > len(data) {
		return nil, errors.New("storage too small")
	}

	axes := make([]int, len(shape))
	for i, axis := range order {
		axes[axis] = i
	}

	dense := tensor.New(tensor.WithShape(base...), tensor.WithBacking(slices.Clone(data[offset:offset+n])))
	if err := dense.T(axes...); err != nil {
		return nil, err
	}
	if err := dense.Transpose(); err != nil {
		return nil, err
	}

	out, ok := dense.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected backing %T", dense.Data())
	}
	return out, nil
}

// strided kopiert Element fuer Element ueber die Strides
func strided(data []float32, offset int, shape, stride []int) []float32 {
	n := 1
	for _, d := range shape {
		n *= d
	}

	out := make([]float32, n)
	idx := make([]int, len(shape))
	for i := range out {
		pos := offset
		for d, k := range idx {
			pos += k * stride[d]
		}
		out[i] = data[pos]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

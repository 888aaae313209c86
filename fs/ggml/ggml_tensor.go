// Package ggml - Tensor Datenstrukturen
//
// Dieses Modul enthaelt Tensor-bezogene Typen und Methoden:
// - TensorType: F32, F16, BF16, I32
// - Tensor: Einzelner Tensor mit Name, Shape, Kind
// - Tensors: Collection von Tensors mit Offset
// - Float-Kodierung: ReadFloats / NewFloatTensor
package ggml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// TensorType ist äquivalent zu ggml_type, reduziert auf die Typen, die
// Backbones und Checkpoints verwenden
type TensorType uint32

const (
	TensorTypeF32  TensorType = 0
	TensorTypeF16  TensorType = 1
	TensorTypeI32  TensorType = 26
	TensorTypeBF16 TensorType = 30
)

// String gibt die String-Repräsentation des TensorType zurück
func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	case TensorTypeI32:
		return "I32"
	case TensorTypeBF16:
		return "BF16"
	default:
		return "unknown"
	}
}

// TypeSize gibt die Byte-Groesse pro Element zurueck
func (t TensorType) TypeSize() uint64 {
	switch t {
	case TensorTypeF32, TensorTypeI32:
		return 4
	case TensorTypeF16, TensorTypeBF16:
		return 2
	default:
		return 0
	}
}

// Tensors repraesentiert eine Sammlung von Tensors
type Tensors struct {
	items  []*Tensor
	Offset uint64
}

// Items gibt Tensors zurueck, optional gefiltert nach Prefix
func (s Tensors) Items(prefix ...string) []*Tensor {
	if len(prefix) == 0 {
		return s.items
	}

	var items []*Tensor
	for _, t := range s.items {
		if strings.HasPrefix(t.Name, prefix[0]) {
			items = append(items, t)
		}
	}

	return items
}

// Tensor repraesentiert einen einzelnen Tensor einer GGUF-Datei
type Tensor struct {
	Name   string `json:"name"`
	Kind   uint32 `json:"kind"`
	Offset uint64 `json:"-"`

	// Shape ist die Anzahl der Elemente in jeder Dimension, innerste
	// Dimension zuerst (ggml-Konvention)
	Shape []uint64 `json:"shape"`

	io.WriterTo `json:"-"`

	floats []float32
}

// Elements gibt die Gesamtanzahl der Elemente im Tensor zurueck
func (t Tensor) Elements() uint64 {
	var count uint64 = 1
	for _, n := range t.Shape {
		count *= n
	}
	return count
}

// Size gibt die Groesse des Tensors in Bytes zurueck
func (t Tensor) Size() uint64 {
	return t.Elements() * TensorType(t.Kind).TypeSize()
}

// Type gibt den Typ-Namen als String zurueck
func (t Tensor) Type() string {
	return TensorType(t.Kind).String()
}

// Dims gibt die Shape in Row-Major-Reihenfolge (aeusserste Dimension zuerst) zurueck
func (t Tensor) Dims() []int {
	dims := make([]int, len(t.Shape))
	for i, n := range t.Shape {
		dims[len(dims)-1-i] = int(n)
	}
	return dims
}

// Floats gibt die zuletzt gelesenen Daten zurueck
func (t *Tensor) Floats() []float32 {
	return t.floats
}

// ReadFloats liest die Tensor-Daten ab base+Offset und dekodiert sie zu float32
func (t *Tensor) ReadFloats(r io.ReaderAt, base uint64) ([]float32, error) {
	buf := make([]byte, t.Size())
	if _, err := r.ReadAt(buf, int64(base+t.Offset)); err != nil {
		return nil, fmt.Errorf("read tensor %s: %w", t.Name, err)
	}

	n := int(t.Elements())
	out := make([]float32, n)
	switch TensorType(t.Kind) {
	case TensorTypeF32:
		for i := range n {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	case TensorTypeF16:
		for i := range n {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[2*i:])).Float32()
		}
	case TensorTypeBF16:
		out = bfloat16.DecodeFloat32(buf)
	case TensorTypeI32:
		for i := range n {
			out[i] = float32(int32(binary.LittleEndian.Uint32(buf[4*i:])))
		}
	default:
		return nil, fmt.Errorf("tensor %s: %w: kind %d", t.Name, ErrUnsupportedFormat, t.Kind)
	}

	t.floats = out
	return out, nil
}

// NewFloatTensor erstellt einen schreibbaren Tensor. dims ist row-major
// (aeusserste Dimension zuerst) und wird in die ggml-Reihenfolge gedreht.
func NewFloatTensor(name string, kind TensorType, dims []int, data []float32) *Tensor {
	shape := make([]uint64, len(dims))
	for i, d := range dims {
		shape[i] = uint64(d)
	}
	slices.Reverse(shape)

	return &Tensor{
		Name:     name,
		Kind:     uint32(kind),
		Shape:    shape,
		WriterTo: floatWriter{kind: kind, data: data},
		floats:   data,
	}
}

// floatWriter kodiert float32-Daten im Ziel-Typ
type floatWriter struct {
	kind TensorType
	data []float32
}

func (w floatWriter) WriteTo(dst io.Writer) (int64, error) {
	var buf bytes.Buffer
	switch w.kind {
	case TensorTypeF32:
		if err := binary.Write(&buf, binary.LittleEndian, w.data); err != nil {
			return 0, err
		}
	case TensorTypeF16:
		u16s := make([]uint16, len(w.data))
		for i, f := range w.data {
			u16s[i] = float16.Fromfloat32(f).Bits()
		}
		if err := binary.Write(&buf, binary.LittleEndian, u16s); err != nil {
			return 0, err
		}
	case TensorTypeBF16:
		buf.Write(bfloat16.EncodeFloat32(w.data))
	case TensorTypeI32:
		i32s := make([]int32, len(w.data))
		for i, f := range w.data {
			i32s[i] = int32(f)
		}
		if err := binary.Write(&buf, binary.LittleEndian, i32s); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("%w: kind %d", ErrUnsupportedFormat, w.kind)
	}

	return buf.WriteTo(dst)
}

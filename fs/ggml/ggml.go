// Package ggml - Core Types und Interface
//
// Dieses Modul definiert die Kernstrukturen:
// - GGML: Container fuer geladene GGUF-Dateien (Backbones und Checkpoints)
// - container: Interface fuer Container-Formate
// - model: Interface fuer Datei-Inhalte (KV + Tensors)
// - Decode: Laedt eine GGUF-Datei aus einem Reader
// - Magic Constants: File-Format Erkennung
package ggml

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// GGML repraesentiert eine geladene GGUF-Datei
type GGML struct {
	container
	model
	Length int64
}

// model definiert das Interface fuer Datei-Inhalte
type model interface {
	KV() KV
	Tensors() Tensors
}

// container definiert das Interface fuer Container-Formate
type container interface {
	Name() string
	Decode(io.ReadSeeker) (model, error)
}

// Magic Constants fuer GGUF
const (
	// FILE_MAGIC_GGUF_LE fuer GGUF Little-Endian
	FILE_MAGIC_GGUF_LE = 0x46554747
	// FILE_MAGIC_GGUF_BE fuer GGUF Big-Endian
	FILE_MAGIC_GGUF_BE = 0x47475546
)

// ErrUnsupportedFormat wird zurueckgegeben wenn das Format nicht unterstuetzt wird
var ErrUnsupportedFormat = errors.New("ggml: unsupported file format")

// DetectContentType erkennt das Format anhand der Magic-Bytes
func DetectContentType(b []byte) string {
	if len(b) < 4 {
		return ""
	}

	switch binary.LittleEndian.Uint32(b[:4]) {
	case FILE_MAGIC_GGUF_LE, FILE_MAGIC_GGUF_BE:
		return "gguf"
	default:
		return ""
	}
}

// Decode dekodiert eine GGUF-Datei aus dem Reader.
//
// maxArraySize bestimmt die maximale Array-Groesse fuer KV-Werte.
// Bei negativem Wert werden alle Arrays gesammelt.
func Decode(rs io.ReadSeeker, maxArraySize int) (*GGML, error) {
	var magic uint32
	if err := binary.Read(rs, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}

	var c container
	switch magic {
	case FILE_MAGIC_GGUF_LE:
		c = &containerGGUF{ByteOrder: binary.LittleEndian, maxArraySize: maxArraySize}
	case FILE_MAGIC_GGUF_BE:
		c = &containerGGUF{ByteOrder: binary.BigEndian, maxArraySize: maxArraySize}
	default:
		return nil, ErrUnsupportedFormat
	}

	model, err := c.Decode(rs)
	if err != nil {
		return nil, err
	}

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	return &GGML{
		container: c,
		model:     model,
		Length:    offset,
	}, nil
}

// IsGGUF prueft die ersten vier Bytes einer Datei
func IsGGUF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	b, err := bufio.NewReader(f).Peek(4)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return DetectContentType(b) == "gguf", nil
}

// Open liest Metadaten und Tensor-Daten einer GGUF-Datei vollstaendig ein
func Open(path string) (KV, map[string]*Tensor, error) {
	return OpenFunc(path, nil)
}

// OpenFunc wie Open, liest aber nur Tensoren, fuer die keep true liefert.
// Verworfene Tensoren werden nie dekodiert. keep == nil behaelt alle.
func OpenFunc(path string, keep func(name string) bool) (KV, map[string]*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	g, err := Decode(f, -1)
	if err != nil {
		return nil, nil, err
	}

	base := g.Tensors().Offset
	tensors := make(map[string]*Tensor)
	for _, t := range g.Tensors().Items() {
		if keep != nil && !keep(t.Name) {
			continue
		}
		if _, err := t.ReadFloats(f, base); err != nil {
			return nil, nil, err
		}
		tensors[t.Name] = t
	}

	return g.KV(), tensors, nil
}

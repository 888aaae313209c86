// Package ggml - GGUF Decode Operations
//
// Dieses Modul enthaelt Funktionen zum Lesen von GGUF-Dateien:
// - containerGGUF: Header mit Versionsinformationen
// - gguf: Metadaten und Tensor-Infos einer Datei
// - readGGUF*: Lese-Funktionen fuer Basistypen und Strings
package ggml

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// GGUF Type Constants
const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

// containerGGUF repraesentiert den GGUF-Header. Version 1 verwendet
// 32-Bit-Zaehler, ab Version 2 sind es 64 Bit.
type containerGGUF struct {
	ByteOrder binary.ByteOrder
	Version   uint32

	NumTensor uint64
	NumKV     uint64

	maxArraySize int
}

func (c *containerGGUF) Name() string {
	return "gguf"
}

func (c *containerGGUF) Decode(rs io.ReadSeeker) (model, error) {
	if err := binary.Read(rs, c.ByteOrder, &c.Version); err != nil {
		return nil, err
	}

	if c.Version == 1 {
		var v1 struct{ NumTensor, NumKV uint32 }
		if err := binary.Read(rs, c.ByteOrder, &v1); err != nil {
			return nil, err
		}
		c.NumTensor, c.NumKV = uint64(v1.NumTensor), uint64(v1.NumKV)
	} else {
		var v struct{ NumTensor, NumKV uint64 }
		if err := binary.Read(rs, c.ByteOrder, &v); err != nil {
			return nil, err
		}
		c.NumTensor, c.NumKV = v.NumTensor, v.NumKV
	}

	model := &gguf{containerGGUF: c, kv: make(KV)}
	if err := model.Decode(rs); err != nil {
		return nil, err
	}

	return model, nil
}

// gguf repraesentiert den dekodierten Kopf einer GGUF-Datei
type gguf struct {
	*containerGGUF

	kv      KV
	tensors []*Tensor

	parameters   uint64
	tensorOffset uint64

	scratch [16 << 10]byte
}

func (llm *gguf) KV() KV {
	return llm.kv
}

func (llm *gguf) Tensors() Tensors {
	return Tensors{
		items:  llm.tensors,
		Offset: llm.tensorOffset,
	}
}

// Decode liest KV-Paare und Tensor-Infos und berechnet den Daten-Offset
func (llm *gguf) Decode(rs io.ReadSeeker) error {
	for range llm.NumKV {
		k, err := readGGUFString(llm, rs)
		if err != nil {
			return err
		}

		v, err := llm.readValue(rs)
		if err != nil {
			return fmt.Errorf("key %s: %w", k, err)
		}
		llm.kv[k] = v
	}

	if err := llm.decodeTensors(rs); err != nil {
		return err
	}

	llm.kv["general.parameter_count"] = llm.parameters

	alignment := llm.kv.Uint("general.alignment", 32)

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	llm.tensorOffset = uint64(offset + ggufPadding(offset, int64(alignment)))

	end, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	for _, t := range llm.tensors {
		if llm.tensorOffset+t.Offset+t.Size() > uint64(end) {
			return fmt.Errorf("tensor %s: data exceeds file size", t.Name)
		}
	}

	_, err = rs.Seek(int64(llm.tensorOffset), io.SeekStart)
	return err
}

func (llm *gguf) readValue(rs io.Reader) (any, error) {
	t, err := readGGUF[uint32](llm, rs)
	if err != nil {
		return nil, err
	}

	switch t {
	case ggufTypeUint8:
		return readGGUF[uint8](llm, rs)
	case ggufTypeInt8:
		return readGGUF[int8](llm, rs)
	case ggufTypeUint16:
		return readGGUF[uint16](llm, rs)
	case ggufTypeInt16:
		return readGGUF[int16](llm, rs)
	case ggufTypeUint32:
		return readGGUF[uint32](llm, rs)
	case ggufTypeInt32:
		return readGGUF[int32](llm, rs)
	case ggufTypeUint64:
		return readGGUF[uint64](llm, rs)
	case ggufTypeInt64:
		return readGGUF[int64](llm, rs)
	case ggufTypeFloat32:
		return readGGUF[float32](llm, rs)
	case ggufTypeFloat64:
		return readGGUF[float64](llm, rs)
	case ggufTypeBool:
		return readGGUF[bool](llm, rs)
	case ggufTypeString:
		return readGGUFString(llm, rs)
	case ggufTypeArray:
		return readGGUFArray(llm, rs)
	default:
		return nil, fmt.Errorf("invalid type: %d", t)
	}
}

// decodeTensors liest alle Tensor-Metadaten
func (llm *gguf) decodeTensors(rs io.Reader) error {
	for range llm.NumTensor {
		name, err := readGGUFString(llm, rs)
		if err != nil {
			return fmt.Errorf("failed to read tensor name: %w", err)
		}

		dims, err := readGGUF[uint32](llm, rs)
		if err != nil {
			return fmt.Errorf("failed to read tensor dimensions: %w", err)
		}

		shape := make([]uint64, dims)
		for i := range shape {
			shape[i], err = readGGUF[uint64](llm, rs)
			if err != nil {
				return fmt.Errorf("failed to read tensor shape: %w", err)
			}
		}

		kind, err := readGGUF[uint32](llm, rs)
		if err != nil {
			return fmt.Errorf("failed to read tensor kind: %w", err)
		}

		offset, err := readGGUF[uint64](llm, rs)
		if err != nil {
			return fmt.Errorf("failed to read tensor offset: %w", err)
		}

		tensor := Tensor{
			Name:   name,
			Kind:   kind,
			Offset: offset,
			Shape:  shape,
		}

		llm.tensors = append(llm.tensors, &tensor)
		llm.parameters += tensor.Elements()
	}
	return nil
}

// =============================================================================
// Low-Level Reader
// =============================================================================

func readGGUF[T any](llm *gguf, r io.Reader) (T, error) {
	var t T
	err := binary.Read(r, llm.ByteOrder, &t)
	return t, err
}

// readGGUFV1String liest einen V1-String (null-terminiert)
func readGGUFV1String(llm *gguf, r io.Reader) (string, error) {
	var length uint64
	if err := binary.Read(r, llm.ByteOrder, &length); err != nil {
		return "", err
	}

	var b bytes.Buffer
	if _, err := io.CopyN(&b, r, int64(length)); err != nil {
		return "", err
	}

	b.Truncate(b.Len() - 1)
	return b.String(), nil
}

func readGGUFString(llm *gguf, r io.Reader) (string, error) {
	if llm.Version == 1 {
		return readGGUFV1String(llm, r)
	}

	buf := llm.scratch[:8]
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	length := int(llm.ByteOrder.Uint64(buf))
	if length > len(llm.scratch) {
		buf = make([]byte, length)
	} else {
		buf = llm.scratch[:length]
	}

	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// discardGGUFString ueberspringt einen String im Reader
func discardGGUFString(llm *gguf, r io.Reader) error {
	length, err := readGGUF[uint64](llm, r)
	if err != nil {
		return err
	}
	_, err = io.CopyN(io.Discard, r, int64(length))
	return err
}

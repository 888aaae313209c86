// Package ggml - KV (Key-Value) Metadaten
//
// Dieses Modul enthaelt den KV-Typ und alle zugehoerigen Methoden:
// - KV: Map fuer GGUF Key-Value Metadaten
// - Architektur-spezifische Methoden (Architecture, Kind, ParameterCount)
// - Generische Getter (String, Uint, Float, Bool, Arrays)
package ggml

import (
	"iter"
	"log/slog"
	"maps"
	"strings"
)

// KV repraesentiert GGUF Key-Value Metadaten
type KV map[string]any

// Architecture gibt die Architektur zurueck ("clip" fuer Backbones, "encoop" fuer Checkpoints)
func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

// Kind gibt den Datei-Typ zurueck
func (kv KV) Kind() string {
	return kv.String("general.type", "unknown")
}

// ParameterCount gibt die Anzahl der Parameter zurueck
func (kv KV) ParameterCount() uint64 {
	val, _ := keyValue(kv, "general.parameter_count", uint64(0))
	return val
}

// Generische Getter

// String gibt einen String-Wert zurueck
func (kv KV) String(key string, defaultValue ...string) string {
	val, _ := keyValue(kv, key, append(defaultValue, "")...)
	return val
}

// Uint gibt einen uint32-Wert zurueck
func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

// Float gibt einen float32-Wert zurueck
func (kv KV) Float(key string, defaultValue ...float32) float32 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

// Uint64 gibt einen uint64-Wert zurueck
func (kv KV) Uint64(key string, defaultValue ...uint64) uint64 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

// Float64 gibt einen float64-Wert zurueck
func (kv KV) Float64(key string, defaultValue ...float64) float64 {
	val, _ := keyValue(kv, key, append(defaultValue, 0)...)
	return val
}

// Has meldet, ob key (qualifiziert) gesetzt ist
func (kv KV) Has(key string) bool {
	_, ok := kv[kv.qualify(key)]
	return ok
}

// Bool gibt einen bool-Wert zurueck
func (kv KV) Bool(key string, defaultValue ...bool) bool {
	val, _ := keyValue(kv, key, append(defaultValue, false)...)
	return val
}

// Strings gibt ein String-Array zurueck
func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	return arrayValue(kv, key, append(defaultValue, nil)[0])
}

// Ints gibt ein int32-Array zurueck
func (kv KV) Ints(key string, defaultValue ...[]int32) []int32 {
	return arrayValue(kv, key, append(defaultValue, nil)[0])
}

// Uints gibt ein uint32-Array zurueck
func (kv KV) Uints(key string, defaultValue ...[]uint32) []uint32 {
	return arrayValue(kv, key, append(defaultValue, nil)[0])
}

// Floats gibt ein float32-Array zurueck
func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	return arrayValue(kv, key, append(defaultValue, nil)[0])
}

// Len gibt die Anzahl der KV-Paare zurueck
func (kv KV) Len() int {
	return len(kv)
}

// Keys gibt einen Iterator ueber alle Keys zurueck
func (kv KV) Keys() iter.Seq[string] {
	return maps.Keys(kv)
}

// Value gibt den Wert fuer einen Key zurueck
func (kv KV) Value(key string) any {
	return kv[key]
}

// Type Constraints fuer keyValue

type valueTypes interface {
	uint8 | int8 | uint16 | int16 |
		uint32 | int32 | uint64 | int64 |
		string | float32 | float64 | bool
}

// qualify setzt den Architektur-Prefix vor Keys ausserhalb von general./tokenizer.
func (kv KV) qualify(key string) string {
	if !strings.HasPrefix(key, "tokenizer.") && !strings.HasPrefix(key, "general.") {
		return kv.Architecture() + "." + key
	}
	return key
}

// keyValue ist eine generische Hilfsfunktion zum Lesen von KV-Werten
func keyValue[T valueTypes](kv KV, key string, defaultValue ...T) (T, bool) {
	key = kv.qualify(key)

	if val, ok := kv[key].(T); ok {
		return val, true
	}

	slog.Debug("key with type not found", "key", key, "default", defaultValue[0])
	return defaultValue[0], false
}

// arrayValue liest Arrays sowohl aus dekodierten Dateien (*array) als auch
// aus im Speicher aufgebauten KVs (Slices)
func arrayValue[T any](kv KV, key string, defaultValue []T) []T {
	switch v := kv[kv.qualify(key)].(type) {
	case *array[T]:
		return v.values
	case []T:
		return v
	}
	return defaultValue
}

package fs

import "iter"

// Config is the key/value metadata of a weight file. Keys without a
// "general." or "tokenizer." prefix are resolved below the architecture
// namespace.
type Config interface {
	Architecture() string
	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Float(string, ...float32) float32
	Bool(string, ...bool) bool

	Strings(string, ...[]string) []string
	Ints(string, ...[]int32) []int32
	Uints(string, ...[]uint32) []uint32
	Floats(string, ...[]float32) []float32

	Len() int
	Keys() iter.Seq[string]
	Value(key string) any
}

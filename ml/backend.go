// backend.go - Backend-Interface und Registrierung
// Dieses Modul definiert das Backend-Interface und die Backend-Factory-Funktionen.
package ml

import (
	"fmt"

	"github.com/7blacky7/encoop/fs"
)

// Backend holds the frozen weights of a model file and creates contexts
// for computing on them.
type Backend interface {
	// Close frees all memory associated with this backend
	Close()

	Config() fs.Config

	// Get returns the named weight or nil if the file has no such tensor.
	Get(name string) Tensor

	// Names lists all weights in lexical order.
	Names() []string

	NewContext() Context
}

// BackendParams controls how the backend loads and executes models
type BackendParams struct {
	// DType is the precision weights are held in. DTypeF16 rounds every
	// weight through half precision at load time.
	DType DType

	// NumThreads bounds the goroutines used for batched kernels
	NumThreads int
}

var backends = make(map[string]func(string, BackendParams) (Backend, error))

// RegisterBackend registers a backend factory function.
func RegisterBackend(name string, f func(string, BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend opens modelPath with the first registered backend.
func NewBackend(modelPath string, params BackendParams) (Backend, error) {
	if f, ok := backends["cpu"]; ok {
		return f(modelPath, params)
	}

	return nil, fmt.Errorf("unsupported backend")
}

// Package model - Modell-Registry und Gewichtsbindung
//
// Dieses Paket bindet die Gewichte eines Backends an Modell-Strukturen:
// - Model: Interface fuer alle Architekturen
// - Base: Basis-Implementierung mit dem Backend
// - Register: Registriert Modell-Konstruktoren pro Architektur
// - New / NewFromBackend: Erstellt eine Model-Instanz aus einer Datei bzw. einem Backend
package model

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/7blacky7/encoop/fs"
	"github.com/7blacky7/encoop/ml"
	_ "github.com/7blacky7/encoop/ml/backend"
)

// Fehler-Definitionen
var (
	ErrUnsupportedModel = errors.New("model not supported")
)

// Model definiert das Interface fuer spezifische Modell-Architekturen
type Model interface {
	Backend() ml.Backend
}

// Validator ist ein optionales Interface fuer Post-Load-Validierung
type Validator interface {
	Validate() error
}

// Base implementiert gemeinsame Felder und Methoden fuer alle Modelle
type Base struct {
	b ml.Backend
}

// Backend gibt das Backend zurueck, das die Gewichte haelt
func (m *Base) Backend() ml.Backend {
	return m.b
}

// models speichert registrierte Modell-Konstruktoren
var models = make(map[string]func(fs.Config) (Model, error))

// Register registriert einen Modell-Konstruktor fuer eine Architektur
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// New laedt modelPath und initialisiert das passende Modell
func New(modelPath string, params ml.BackendParams) (Model, error) {
	b, err := ml.NewBackend(modelPath, params)
	if err != nil {
		return nil, err
	}

	m, err := NewFromBackend(b)
	if err != nil {
		b.Close()
		return nil, err
	}

	return m, nil
}

// NewFromBackend bindet die Gewichte eines bereits geladenen Backends an
// das Modell seiner Architektur
func NewFromBackend(b ml.Backend) (Model, error) {
	m, err := modelForArch(b.Config())
	if err != nil {
		return nil, err
	}

	base := Base{b: b}
	v := reflect.ValueOf(m)
	v.Elem().Set(populateFields(base, v.Elem()))

	if validator, ok := m.(Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// modelForArch erstellt ein Model basierend auf der Architektur
func modelForArch(c fs.Config) (Model, error) {
	arch := c.Architecture()

	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, arch)
	}

	return f(c)
}

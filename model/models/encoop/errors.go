package encoop

import (
	"errors"
	"fmt"
)

var (
	ErrConfigMismatch       = errors.New("encoop: configuration does not match the backbone")
	ErrInvalidConfiguration = errors.New("encoop: invalid configuration")
	ErrNoClassNames         = errors.New("encoop: no class names")
	ErrDomainOutOfRange     = errors.New("encoop: domain index out of range")
)

// ConfigMismatchError meldet eine Eingabe-Aufloesung, die nicht zur
// Aufloesung des Bild-Turms passt
type ConfigMismatchError struct {
	Configured int
	Backbone   int
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("encoop: configured input size (%d) must equal the backbone resolution (%d)", e.Configured, e.Backbone)
}

func (e *ConfigMismatchError) Unwrap() error {
	return ErrConfigMismatch
}

package checkpoint

import (
	"slices"
	"strings"
)

// Policy ist eine Deny-Liste von state_dict Schluesseln, die beim Laden
// verworfen werden. Ein Eintrag trifft den Schluessel selbst und jeden
// Schluessel, der auf "."+Eintrag endet.
type Policy struct {
	Deny []string
}

// DefaultPolicy verwirft die festen Token-Puffer des Prompt-Learners. Sie
// haengen von den Klassennamen ab und werden immer neu berechnet.
var DefaultPolicy = Policy{Deny: []string{"token_prefix", "token_suffix"}}

// Keep meldet, ob key geladen wird
func (p Policy) Keep(key string) bool {
	return !slices.ContainsFunc(p.Deny, func(deny string) bool {
		return key == deny || strings.HasSuffix(key, "."+deny)
	})
}

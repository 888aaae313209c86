// Package backbone loest Backbone-Namen in Archive auf, laedt sie bei
// Bedarf herunter und baut daraus das eingefrorene CLIP-Modell.
//
// Reihenfolge der Suche fuer einen Namen wie "ViT-B/16":
//
//	<ENCOOP_MODELS>/ViT-B-16.gguf   (kompiliert, encoop convert)
//	<ENCOOP_MODELS>/ViT-B-16.pt     (rohes torch Archiv)
//	<ENCOOP_BACKBONE_URL>/ViT-B-16.pt
//
// Ein Name kann auch eine URL oder ein lokaler Pfad sein.
package backbone

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/7blacky7/encoop/model/models/clip"
)

var (
	ErrUnsupportedBackbone = errors.New("backbone: unsupported backbone")
	ErrNotFound            = errors.New("backbone: archive not found")
	ErrDigestMismatch      = errors.New("backbone: digest mismatch")
)

// BackboneError beschreibt, welcher Schritt fuer welchen Backbone fehlschlug
type BackboneError struct {
	Op   string
	Name string
	Err  error
}

func (e *BackboneError) Error() string {
	return fmt.Sprintf("backbone %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *BackboneError) Unwrap() error {
	return e.Err
}

// Info beschreibt einen bekannten Backbone
type Info struct {
	Name      string
	File      string
	ImageSize int
}

var known = map[string]Info{
	"ViT-B/32":       {Name: "ViT-B/32", File: "ViT-B-32", ImageSize: 224},
	"ViT-B/16":       {Name: "ViT-B/16", File: "ViT-B-16", ImageSize: 224},
	"ViT-L/14":       {Name: "ViT-L/14", File: "ViT-L-14", ImageSize: 224},
	"ViT-L/14@336px": {Name: "ViT-L/14@336px", File: "ViT-L-14-336px", ImageSize: 336},
}

// Available gibt die bekannten Namen sortiert zurueck
func Available() []string {
	return slices.Sorted(maps.Keys(known))
}

// Lookup gibt die Info eines bekannten Namens zurueck. ResNet Namen
// (RN50, RN101, RN50x4, ...) werden mit ErrUnsupportedBackbone abgelehnt.
func Lookup(name string) (Info, error) {
	if info, ok := known[name]; ok {
		return info, nil
	}

	if strings.HasPrefix(name, "RN") {
		return Info{}, &BackboneError{Op: "lookup", Name: name, Err: errors.Join(ErrUnsupportedBackbone, clip.ErrResNet)}
	}

	return Info{}, &BackboneError{
		Op:   "lookup",
		Name: name,
		Err:  fmt.Errorf("%w: available %v", ErrUnsupportedBackbone, Available()),
	}
}

// isURL meldet http(s) URLs
func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// expectedDigest gibt das erste 64-stellige Hex-Segment des URL-Pfads
// zurueck (Form der CLIP Download-URLs), sonst ""
func expectedDigest(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	for seg := range strings.SplitSeq(u.Path, "/") {
		if len(seg) == 64 && isHex(seg) {
			return strings.ToLower(seg)
		}
	}
	return ""
}

func isHex(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		return !('0' <= r && r <= '9' || 'a' <= r && r <= 'f' || 'A' <= r && r <= 'F')
	})
}

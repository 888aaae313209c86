// config_utils.go - Utility-Funktionen und Export fuer Konfiguration
//
// Dieses Modul enthaelt:
// - Bool: Boolean-Getter
// - String: String-Getter
// - Uint: Integer-Getter mit Default-Wert
// - EnvVar: Struktur fuer Environment-Variablen-Info
// - AsMap: Gibt alle Konfigurationen als Map zurueck
package envconfig

import (
	"log/slog"
	"runtime"
	"strconv"
)

// =============================================================================
// Boolean-Getter
// =============================================================================

// Bool gibt eine Funktion zurueck, die einen Bool liest (Default: false).
// Ein gesetzter, aber unlesbarer Wert zaehlt als true.
func Bool(k string) func() bool {
	return func() bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return false
	}
}

// =============================================================================
// String-Getter
// =============================================================================

// String gibt eine Funktion zurueck, die einen String liest
func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

// =============================================================================
// Integer-Getter
// =============================================================================

// Uint gibt eine Funktion zurueck, die einen uint mit Default-Wert liest
func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

// =============================================================================
// Export-Strukturen und -Funktionen
// =============================================================================

// EnvVar repraesentiert eine Environment-Variable mit Metadaten
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap gibt alle Konfigurationen als Map zurueck
// Enthaelt Namen, aktuelle Werte und Beschreibungen
func AsMap() map[string]EnvVar {
	ret := map[string]EnvVar{
		"ENCOOP_DEBUG":            {"ENCOOP_DEBUG", LogLevel(), "Show additional debug information (e.g. ENCOOP_DEBUG=1)"},
		"ENCOOP_MODELS":           {"ENCOOP_MODELS", Models(), "The path to the backbone directory"},
		"ENCOOP_BACKBONE_URL":     {"ENCOOP_BACKBONE_URL", BackboneURL(), "Base URL backbone archives are downloaded from"},
		"ENCOOP_BPE":              {"ENCOOP_BPE", BPE(), "Path of the CLIP BPE merges file"},
		"ENCOOP_DOWNLOAD_TIMEOUT": {"ENCOOP_DOWNLOAD_TIMEOUT", DownloadTimeout(), "How long a single download may take (default \"30m\")"},
		"ENCOOP_DOWNLOAD_RETRIES": {"ENCOOP_DOWNLOAD_RETRIES", DownloadRetries(), "Number of download retries (default 3)"},
		"ENCOOP_NO_DOWNLOAD":      {"ENCOOP_NO_DOWNLOAD", NoDownload(), "Never download backbones, use local archives only"},
		"ENCOOP_NUM_WORKERS":      {"ENCOOP_NUM_WORKERS", NumWorkers(), "Override the number of image decoding workers"},

		// Proxy-Einstellungen
		"HTTP_PROXY":  {"HTTP_PROXY", String("HTTP_PROXY")(), "HTTP proxy"},
		"HTTPS_PROXY": {"HTTPS_PROXY", String("HTTPS_PROXY")(), "HTTPS proxy"},
		"NO_PROXY":    {"NO_PROXY", String("NO_PROXY")(), "No proxy"},
	}

	// Nicht-Windows: Case-sensitive Proxy-Variablen
	if runtime.GOOS != "windows" {
		ret["http_proxy"] = EnvVar{"http_proxy", String("http_proxy")(), "HTTP proxy"}
		ret["https_proxy"] = EnvVar{"https_proxy", String("https_proxy")(), "HTTPS proxy"}
		ret["no_proxy"] = EnvVar{"no_proxy", String("no_proxy")(), "No proxy"}
	}

	return ret
}

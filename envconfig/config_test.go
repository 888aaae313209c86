package envconfig

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"0":     slog.LevelInfo,
		"true":  slog.LevelDebug,
		"1":     slog.LevelDebug,
		"2":     slog.Level(-8),
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("ENCOOP_DEBUG", value)
			if got := LogLevel(); got != want {
				t.Errorf("LogLevel() = %v, erwartet %v", got, want)
			}
		})
	}
}

func TestVarTrimsQuotes(t *testing.T) {
	t.Setenv("ENCOOP_MODELS", `  "/tmp/backbones" `)
	if got := Models(); got != "/tmp/backbones" {
		t.Errorf("Models() = %q, erwartet /tmp/backbones", got)
	}
}

func TestBPEDefaultsToModelsDir(t *testing.T) {
	t.Setenv("ENCOOP_MODELS", "/data/clip")
	t.Setenv("ENCOOP_BPE", "")
	want := filepath.Join("/data/clip", "bpe_simple_vocab_16e6.txt.gz")
	if got := BPE(); got != want {
		t.Errorf("BPE() = %q, erwartet %q", got, want)
	}
}

func TestDownloadTimeout(t *testing.T) {
	cases := map[string]time.Duration{
		"":    30 * time.Minute,
		"90":  90 * time.Second,
		"5m":  5 * time.Minute,
		"abc": 30 * time.Minute,
	}

	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv("ENCOOP_DOWNLOAD_TIMEOUT", value)
			if got := DownloadTimeout(); got != want {
				t.Errorf("DownloadTimeout() = %v, erwartet %v", got, want)
			}
		})
	}
}

func TestUintInvalidFallsBack(t *testing.T) {
	t.Setenv("ENCOOP_DOWNLOAD_RETRIES", "viele")
	if got := DownloadRetries(); got != 3 {
		t.Errorf("DownloadRetries() = %d, erwartet 3", got)
	}
}

func TestBackboneURLStripsSlash(t *testing.T) {
	t.Setenv("ENCOOP_BACKBONE_URL", "https://mirror.example/clip/")
	if got := BackboneURL(); got != "https://mirror.example/clip" {
		t.Errorf("BackboneURL() = %q", got)
	}
}

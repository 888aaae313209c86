// config.go - Haupt-Konfigurationsfunktionen fuer encoop
//
// Dieses Modul enthaelt:
// - Models: Gibt das Backbone-Verzeichnis zurueck (ENCOOP_MODELS)
// - BackboneURL: Basis-URL fuer Backbone-Downloads (ENCOOP_BACKBONE_URL)
// - BPE: Pfad der BPE-Merges-Datei (ENCOOP_BPE)
// - DownloadTimeout: Timeout fuer einzelne Downloads (ENCOOP_DOWNLOAD_TIMEOUT)
// - LogLevel: Gibt Log-Level zurueck (ENCOOP_DEBUG)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Worker- und Retry-Einstellungen
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Models gibt das Verzeichnis zurueck, in dem Backbones abgelegt werden
// Konfigurierbar via ENCOOP_MODELS
// Default: $HOME/.cache/encoop
func Models() string {
	if s := Var("ENCOOP_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".cache", "encoop")
}

// BackboneURL gibt die Basis-URL zurueck, unter der Backbone-Archive liegen
// Konfigurierbar via ENCOOP_BACKBONE_URL
// Leer = kein Download, nur lokale Archive
func BackboneURL() string {
	return strings.TrimRight(Var("ENCOOP_BACKBONE_URL"), "/")
}

// BPE gibt den Pfad der CLIP BPE-Merges-Datei zurueck
// Konfigurierbar via ENCOOP_BPE
// Default: <Models>/bpe_simple_vocab_16e6.txt.gz
func BPE() string {
	if s := Var("ENCOOP_BPE"); s != "" {
		return s
	}
	return filepath.Join(Models(), "bpe_simple_vocab_16e6.txt.gz")
}

// DownloadTimeout gibt das Timeout fuer einen einzelnen Download zurueck
// Konfigurierbar via ENCOOP_DOWNLOAD_TIMEOUT
// 0 oder negative Werte = unendlich
// Default: 30 Minuten
func DownloadTimeout() (timeout time.Duration) {
	timeout = 30 * time.Minute
	if s := Var("ENCOOP_DOWNLOAD_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			timeout = d
		} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			timeout = time.Duration(n) * time.Second
		}
	}

	if timeout <= 0 {
		return time.Duration(math.MaxInt64)
	}

	return timeout
}

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via ENCOOP_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("ENCOOP_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

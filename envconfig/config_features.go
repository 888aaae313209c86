// config_features.go - Laufzeit-Einstellungen
//
// Dieses Modul enthaelt:
// - Worker-Anzahl fuer den Daten-Loader
// - Retry-Verhalten fuer Downloads
package envconfig

// =============================================================================
// Laufzeit-Einstellungen
// =============================================================================

var (
	// NumWorkers ueberschreibt DATALOADER.NUM_WORKERS (0 = Config-Wert verwenden)
	NumWorkers = Uint("ENCOOP_NUM_WORKERS", 0)

	// DownloadRetries ist die Anzahl der Wiederholungen pro Download
	DownloadRetries = Uint("ENCOOP_DOWNLOAD_RETRIES", 3)

	// NoDownload verbietet Netzwerkzugriffe beim Laden von Backbones
	NoDownload = Bool("ENCOOP_NO_DOWNLOAD")
)

// download.go - Aufloesen und Herunterladen von Backbone-Archiven
// Enthält: Resolver, Resolve(), Pull(), fetch() mit Retry und SHA-256 Pruefung

package backbone

import (
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/7blacky7/encoop/envconfig"
)

// BPEFile ist der Name der CLIP Merge-Datei neben den Archiven
const BPEFile = "bpe_simple_vocab_16e6.txt.gz"

const maxBackoff = 5 * time.Second

// Resolver findet Archive im lokalen Verzeichnis und laedt fehlende herunter
type Resolver struct {
	// Dir ist das lokale Archiv-Verzeichnis
	Dir string

	// BaseURL ist die Download-Basis, leer = kein Download bekannter Namen
	BaseURL string

	Client  *http.Client
	Retries int

	// Offline verbietet jeden Netzwerkzugriff
	Offline bool

	// Concurrency begrenzt parallele Downloads in Pull
	Concurrency int
}

// DefaultResolver liest die Einstellungen aus der Umgebung
func DefaultResolver() *Resolver {
	return &Resolver{
		Dir:         envconfig.Models(),
		BaseURL:     envconfig.BackboneURL(),
		Client:      &http.Client{Timeout: envconfig.DownloadTimeout()},
		Retries:     int(envconfig.DownloadRetries()),
		Offline:     envconfig.NoDownload(),
		Concurrency: 2,
	}
}

// Resolve gibt den lokalen Pfad des Archivs fuer name zurueck und laedt
// es bei Bedarf herunter
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if isURL(name) {
		return r.fetch(ctx, name, filepath.Join(r.Dir, path.Base(name)))
	}

	if _, err := os.Stat(name); err == nil {
		return name, nil
	}

	info, err := Lookup(name)
	if err != nil {
		return "", err
	}

	for _, ext := range []string{".gguf", ".pt"} {
		p := filepath.Join(r.Dir, info.File+ext)
		if _, err := os.Stat(p); err == nil {
			slog.Debug("using local backbone", "name", name, "path", p)
			return p, nil
		}
	}

	if r.BaseURL == "" {
		return "", &BackboneError{Op: "resolve", Name: name, Err: fmt.Errorf("%w in %s and no download URL set", ErrNotFound, r.Dir)}
	}
	return r.fetch(ctx, r.BaseURL+"/"+info.File+".pt", filepath.Join(r.Dir, info.File+".pt"))
}

// Pull loest alle Namen parallel auf. Mit BaseURL wird auch die BPE-Datei
// geholt, wenn sie fehlt.
func (r *Resolver) Pull(ctx context.Context, names ...string) ([]string, error) {
	paths := make([]string, len(names))
	sem := semaphore.NewWeighted(int64(cmp.Or(r.Concurrency, 1)))

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			p, err := r.Resolve(ctx, name)
			paths[i] = p
			return err
		})
	}

	if r.BaseURL != "" {
		g.Go(func() error {
			dest := filepath.Join(r.Dir, BPEFile)
			if _, err := os.Stat(dest); err == nil {
				return nil
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			_, err := r.fetch(ctx, r.BaseURL+"/"+BPEFile, dest)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// fetch laedt rawURL nach dest. Existiert dest bereits, wird nichts geladen.
func (r *Resolver) fetch(ctx context.Context, rawURL, dest string) (string, error) {
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	if r.Offline {
		return "", &BackboneError{Op: "download", Name: rawURL, Err: fmt.Errorf("%w: downloads disabled", ErrNotFound)}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	digest := expectedDigest(rawURL)
	retries := max(r.Retries, 1)

	var n int
	var lastErr error
	for attempt := range retries {
		if attempt > 0 {
			if err := backoff(ctx, &n); err != nil {
				return "", err
			}
		}

		err := r.download(ctx, rawURL, dest, digest)
		if err == nil {
			return dest, nil
		}

		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return "", err
		case errors.Is(err, ErrDigestMismatch):
			return "", &BackboneError{Op: "download", Name: rawURL, Err: err}
		}

		slog.Warn("download failed", "url", rawURL, "attempt", attempt+1, "error", err)
		lastErr = err
	}

	return "", &BackboneError{Op: "download", Name: rawURL, Err: lastErr}
}

func (r *Resolver) download(ctx context.Context, rawURL, dest, digest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	client := cmp.Or(r.Client, http.DefaultClient)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.partial")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	start := time.Now()
	n, err := io.Copy(io.MultiWriter(tmp, h), resp.Body)
	if err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if got := hex.EncodeToString(h.Sum(nil)); digest != "" && got != digest {
		return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, digest, got)
	}

	slog.Info("downloaded", "url", rawURL, "size", humanize.Bytes(uint64(n)), "elapsed", time.Since(start).Round(time.Millisecond))
	return os.Rename(tmp.Name(), dest)
}

// backoff wartet n^2 * 10ms (gestreut, hoechstens maxBackoff)
func backoff(ctx context.Context, n *int) error {
	*n++
	d := min(time.Duration(*n**n)*10*time.Millisecond, maxBackoff)
	d = time.Duration(float64(d) * (rand.Float64() + 0.5))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package backbone

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/7blacky7/encoop/convert"
	fsggml "github.com/7blacky7/encoop/fs/ggml"
	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/model/models/clip"
	"github.com/7blacky7/encoop/model/models/clip/cliptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLookup(t *testing.T) {
	info, err := Lookup("ViT-L/14@336px")
	require.NoError(t, err)
	assert.Equal(t, "ViT-L-14-336px", info.File)
	assert.Equal(t, 336, info.ImageSize)

	_, err = Lookup("RN50")
	require.ErrorIs(t, err, ErrUnsupportedBackbone)
	require.ErrorIs(t, err, clip.ErrResNet)

	var be *BackboneError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "lookup", be.Op)

	_, err = Lookup("ViT-H/14")
	require.ErrorIs(t, err, ErrUnsupportedBackbone)
	assert.NotErrorIs(t, err, clip.ErrResNet)
}

func TestExpectedDigest(t *testing.T) {
	d := "5806e77cd80f8b59890b7e101eabd078d9fb84e6937f9e85e4ecb61988df416f"
	assert.Equal(t, d, expectedDigest("https://example.com/clip/models/"+d+"/ViT-B-16.pt"))
	assert.Empty(t, expectedDigest("https://example.com/clip/ViT-B-16.pt"))
}

func TestResolvePrefersCompiled(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ViT-B-16.pt", "ViT-B-16.gguf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	r := &Resolver{Dir: dir, Offline: true}
	p, err := r.Resolve(t.Context(), "ViT-B/16")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ViT-B-16.gguf"), p)

	require.NoError(t, os.Remove(p))
	p, err = r.Resolve(t.Context(), "ViT-B/16")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ViT-B-16.pt"), p)

	_, err = r.Resolve(t.Context(), "ViT-B/32")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveLocalPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "custom.pt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))

	got, err := (&Resolver{Offline: true}).Resolve(t.Context(), p)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDownload(t *testing.T) {
	payload := []byte("backbone archive bytes")
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// erster Versuch schlaegt fehl
		if requests.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := &Resolver{Dir: dir, Client: srv.Client(), Retries: 3}

	p, err := r.Resolve(t.Context(), srv.URL+"/models/"+digest+"/ViT-B-32.pt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ViT-B-32.pt"), p)
	assert.EqualValues(t, 2, requests.Load())

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, payload, b)

	// vorhandene Datei wird nicht erneut geladen
	_, err = r.Resolve(t.Context(), srv.URL+"/models/"+digest+"/ViT-B-32.pt")
	require.NoError(t, err)
	assert.EqualValues(t, 2, requests.Load())
}

func TestDownloadDigestMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := &Resolver{Dir: dir, Client: srv.Client(), Retries: 3}

	digest := "5806e77cd80f8b59890b7e101eabd078d9fb84e6937f9e85e4ecb61988df416f"
	_, err := r.Resolve(t.Context(), srv.URL+"/"+digest+"/ViT-B-16.pt")
	require.ErrorIs(t, err, ErrDigestMismatch)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "keine Reste nach fehlgeschlagenem Download")
}

func TestPullFetchesBPE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	r := &Resolver{Dir: dir, BaseURL: srv.URL, Client: srv.Client(), Retries: 1, Concurrency: 2}

	paths, err := r.Pull(t.Context(), "ViT-B/32", "ViT-B/16")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "ViT-B-32.pt"), filepath.Join(dir, "ViT-B-16.pt")}, paths)
	assert.FileExists(t, filepath.Join(dir, BPEFile))
}

func TestPullCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := &Resolver{Dir: t.TempDir(), BaseURL: srv.URL, Client: srv.Client(), Retries: 2}
	_, err := r.Pull(ctx, "ViT-B/32")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "erwartet context.Canceled, erhalten %v", err)
}

func TestLoadFileCompiled(t *testing.T) {
	c := cliptest.Default()

	weights := make(map[string]convert.Tensor)
	shapes := make(map[string][]int)
	for name, w := range c.Weights() {
		weights[name] = convert.Tensor{Shape: w.Shape, Data: w.Data, Kind: fsggml.TensorTypeF32}
		shapes[name] = w.Shape
	}
	kv, err := clip.ConfigFromShapes(shapes)
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "tiny.gguf")
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, convert.WriteModel(f, kv, weights, convert.Options{Merges: []string{"d o"}}))
	require.NoError(t, f.Close())

	m, err := LoadFile(p, ml.BackendParams{DType: ml.DTypeF32})
	require.NoError(t, err)
	assert.Equal(t, c.ImageSize, m.ImageSize())

	tok, err := Tokenizer(m)
	require.NoError(t, err)
	assert.Equal(t, 515, tok.VocabSize())
}

func TestLoadFileRejectsGarbage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "garbage.pt")
	require.NoError(t, os.WriteFile(p, []byte("definitely not an archive"), 0o644))

	_, err := LoadFile(p, ml.BackendParams{})
	require.Error(t, err)
}

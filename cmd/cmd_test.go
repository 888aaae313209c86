package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7blacky7/encoop/config"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// run fuehrt das CLI mit args aus und gibt stdout zurueck
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&out)
	cli.SetErr(&out)
	cli.SetArgs(args)
	err := cli.ExecuteContext(t.Context())
	return out.String(), err
}

func TestBuildConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	datasetFile := writeFile(t, dir, "dataset.yaml", `DATASET:
  NAME: "PACS"
  SOURCE_DOMAINS: ["photo", "sketch", "cartoon"]
  TARGET_DOMAINS: ["art_painting"]
`)
	configFile := writeFile(t, dir, "trainer.yaml", `SEED: 3
DATASET:
  NAME: "OfficeHomeDG"
OPTIM:
  LR: 0.01
  MAX_EPOCH: 5
`)

	trainCmd := newTrainCmd()
	require.NoError(t, trainCmd.ParseFlags([]string{
		"--dataset-config-file", datasetFile,
		"--config-file", configFile,
		"--seed", "7",
		"--source-domains", "photo,sketch",
		"--root", "/data",
		"OPTIM.LR", "0.02",
		"TRAINER.COOP.N_CTX", "8",
	}))

	cfg, err := buildConfig(trainCmd, trainCmd.Flags().Args())
	require.NoError(t, err)

	// Trainer-Datei ueberschreibt die Dataset-Datei
	assert.Equal(t, "OfficeHomeDG", cfg.Dataset.Name)
	assert.Equal(t, []string{"art_painting"}, cfg.Dataset.TargetDomains)
	// Flags ueberschreiben die Dateien
	assert.Equal(t, 7, cfg.Seed)
	assert.Equal(t, []string{"photo", "sketch"}, cfg.Dataset.SourceDomains)
	assert.Equal(t, "/data", cfg.Dataset.Root)
	// Trailing Overrides gewinnen zuletzt
	assert.InDelta(t, 0.02, cfg.Optim.LR, 1e-12)
	assert.Equal(t, 8, cfg.Trainer.CoOp.NCtx)
	assert.Equal(t, 5, cfg.Optim.MaxEpoch)
	// Unveraenderte Defaults bleiben
	assert.Equal(t, config.Default().Model.Backbone.Name, cfg.Model.Backbone.Name)
}

func TestBuildConfigErrors(t *testing.T) {
	cases := map[string][]string{
		"odd overrides": {"OPTIM.LR"},
		"unknown key":   {"OPTIM.LEARNING_RATE", "0.1"},
		"invalid value": {"TRAINER.COOP.PREC", "int8"},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			trainCmd := newTrainCmd()
			require.NoError(t, trainCmd.ParseFlags(args))
			_, err := buildConfig(trainCmd, trainCmd.Flags().Args())
			assert.Error(t, err)
		})
	}
}

func TestBuildConfigMissingFile(t *testing.T) {
	trainCmd := newTrainCmd()
	require.NoError(t, trainCmd.ParseFlags([]string{"--config-file", filepath.Join(t.TempDir(), "missing.yaml")}))
	_, err := buildConfig(trainCmd, nil)
	assert.Error(t, err)
}

func TestEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENCOOP_MODELS", dir)
	t.Setenv("ENCOOP_NUM_WORKERS", "3")

	out, err := run(t, "env")
	require.NoError(t, err)

	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "DESCRIPTION")
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "ENCOOP_MODELS") {
			assert.Contains(t, line, dir)
		}
		if strings.HasPrefix(line, "ENCOOP_NUM_WORKERS") {
			assert.Contains(t, line, "3")
		}
	}

	// sortiert nach Name
	assert.Less(t, strings.Index(out, "ENCOOP_BPE"), strings.Index(out, "ENCOOP_MODELS"))
}

func TestConvertErrors(t *testing.T) {
	t.Setenv("ENCOOP_MODELS", t.TempDir())
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.gguf")

	t.Run("args", func(t *testing.T) {
		_, err := run(t, "convert", "only-one.pt")
		assert.Error(t, err)
	})

	t.Run("type", func(t *testing.T) {
		_, err := run(t, "convert", "--type", "q4_0", "src.pt", dst)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported tensor type")
		assert.NoFileExists(t, dst)
	})

	t.Run("explicit bpe", func(t *testing.T) {
		_, err := run(t, "convert", "--bpe", filepath.Join(dir, "missing.txt.gz"), "src.pt", dst)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.NoFileExists(t, dst)
	})

	t.Run("source", func(t *testing.T) {
		// ohne Merges-Datei nur eine Warnung, das fehlende Archiv ist der Fehler
		_, err := run(t, "convert", filepath.Join(dir, "missing.pt"), dst)
		require.Error(t, err)
		assert.NoFileExists(t, dst, "keine halbe Ausgabe nach Fehler")
	})
}

func TestParseTensorType(t *testing.T) {
	kind, err := parseTensorType("")
	require.NoError(t, err)
	assert.Nil(t, kind)

	for _, s := range []string{"f32", "F16", "bf16"} {
		kind, err := parseTensorType(s)
		require.NoError(t, err, s)
		assert.NotNil(t, kind, s)
	}

	_, err = parseTensorType("q8_0")
	assert.Error(t, err)
}

func TestPull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	dir := t.TempDir()
	t.Setenv("ENCOOP_MODELS", dir)
	t.Setenv("ENCOOP_BACKBONE_URL", srv.URL)
	t.Setenv("ENCOOP_DOWNLOAD_RETRIES", "1")

	out, err := run(t, "pull", "ViT-B/32")
	require.NoError(t, err)

	assert.Equal(t, "ViT-B/32\t"+filepath.Join(dir, "ViT-B-32.pt")+"\n", out)
	assert.FileExists(t, filepath.Join(dir, "ViT-B-32.pt"))
	assert.FileExists(t, filepath.Join(dir, "bpe_simple_vocab_16e6.txt.gz"))
}

func TestPullUnknown(t *testing.T) {
	t.Setenv("ENCOOP_MODELS", t.TempDir())
	t.Setenv("ENCOOP_BACKBONE_URL", "")

	_, err := run(t, "pull", "RN50")
	assert.Error(t, err)
}

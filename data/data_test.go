package data

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/7blacky7/encoop/vision"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writePNG(t *testing.T, path string, c color.Color) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	img := image.NewRGBA(image.Rect(0, 0, 12, 10))
	for y := range 10 {
		for x := range 12 {
			img.Set(x, y, c)
		}
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// officeHome legt <root>/office_home_dg/<domain>/{train,val}/<class> an
func officeHome(t *testing.T, perClass int) string {
	t.Helper()
	root := t.TempDir()
	for _, domain := range []string{"art", "clipart", "product"} {
		for _, split := range []string{"train", "val"} {
			for ci, class := range []string{"Alarm_Clock", "Bike"} {
				for i := range perClass {
					name := filepath.Join(root, "office_home_dg", domain, split, class, string(rune('a'+i))+".png")
					writePNG(t, name, color.RGBA{uint8(80 * ci), uint8(20 * i), 0, 255})
				}
			}
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "office_home_dg", "art", "train", "README"), []byte("x"), 0o644))
	return root
}

func TestBuildWithSplits(t *testing.T) {
	root := officeHome(t, 3)

	ds, err := Build(Options{
		Root:          root,
		Name:          "OfficeHomeDG",
		SourceDomains: []string{"art", "clipart"},
		TargetDomains: []string{"product"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Alarm_Clock", "Bike"}, ds.ClassNames)
	assert.Len(t, ds.TrainX, 2*2*3)
	assert.Len(t, ds.Val, 2*2*3)
	// Ziel-Domain: alle Splits
	assert.Len(t, ds.Test, 2*2*3)

	for _, it := range ds.TrainX {
		assert.Contains(t, []int{0, 1}, it.Domain)
		assert.Equal(t, ds.ClassNames[it.Label], it.ClassName)
		assert.Contains(t, it.Path, string(filepath.Separator)+"train"+string(filepath.Separator))
	}
	for _, it := range ds.Test {
		assert.Equal(t, 0, it.Domain)
	}
}

func TestBuildWithoutSplits(t *testing.T) {
	root := t.TempDir()
	for _, domain := range []string{"photo", "sketch"} {
		writePNG(t, filepath.Join(root, "custom", domain, "dog", "1.png"), color.White)
		writePNG(t, filepath.Join(root, "custom", domain, "horse", "1.png"), color.Black)
	}

	ds, err := Build(Options{Root: root, Name: "custom", SourceDomains: []string{"photo"}, TargetDomains: []string{"sketch"}})
	require.NoError(t, err)
	assert.Len(t, ds.TrainX, 2)
	assert.Empty(t, ds.Val)
	assert.Len(t, ds.Test, 2)
}

func TestBuildErrors(t *testing.T) {
	root := officeHome(t, 1)

	_, err := Build(Options{Root: root, Name: "OfficeHomeDG"})
	require.ErrorIs(t, err, ErrNoDomains)

	_, err = Build(Options{Root: root, Name: "OfficeHomeDG", SourceDomains: []string{"real_world"}})
	require.ErrorIs(t, err, ErrUnknownDomain)
}

func TestFewShot(t *testing.T) {
	var items []Datum
	for label := range 3 {
		for i := range 10 {
			items = append(items, Datum{Path: filepath.Join("x", string(rune('a'+i))), Label: label})
		}
	}
	items = append(items, Datum{Label: 3})

	got := FewShot(items, 4, 7)
	counts := make(map[int]int)
	for _, it := range got {
		counts[it.Label]++
	}
	assert.Equal(t, map[int]int{0: 4, 1: 4, 2: 4, 3: 1}, counts)
	assert.Equal(t, got, FewShot(items, 4, 7), "gleicher Seed, gleiche Auswahl")
	assert.Equal(t, items, FewShot(items, 0, 7))
}

func domainItems(sizes ...int) []Datum {
	var items []Datum
	for d, n := range sizes {
		for range n {
			items = append(items, Datum{Domain: d})
		}
	}
	return items
}

func TestRandomDomainSampler(t *testing.T) {
	items := domainItems(10, 7, 9)
	s, err := NewRandomDomainSampler(items, 6, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, s.PerDomain())

	batches := s.Batches(rand.New(rand.NewPCG(1, 2)))
	require.NotEmpty(t, batches)

	seen := make(map[int]bool)
	for _, b := range batches {
		require.Len(t, b, 6)
		// zusammenhaengende Bloecke gleicher Domain, jede Domain einmal
		var domains []int
		for k := 0; k < len(b); k += 2 {
			assert.Equal(t, items[b[k]].Domain, items[b[k+1]].Domain)
			domains = append(domains, items[b[k]].Domain)
		}
		slices.Sort(domains)
		assert.Equal(t, []int{0, 1, 2}, domains)

		for _, idx := range b {
			assert.False(t, seen[idx], "Index %d doppelt gezogen", idx)
			seen[idx] = true
		}
	}

	// Domain 1 hat 7 Bilder: nach 3 Batches bleibt 1 < 2 uebrig
	assert.Len(t, batches, 3)
}

func TestRandomDomainSamplerSubset(t *testing.T) {
	items := domainItems(8, 8, 8)
	s, err := NewRandomDomainSampler(items, 4, 2)
	require.NoError(t, err)

	for _, b := range s.Batches(rand.New(rand.NewPCG(3, 4))) {
		require.Len(t, b, 4)
		assert.Equal(t, items[b[0]].Domain, items[b[1]].Domain)
		assert.Equal(t, items[b[2]].Domain, items[b[3]].Domain)
		assert.NotEqual(t, items[b[0]].Domain, items[b[2]].Domain)
	}
}

func TestRandomDomainSamplerErrors(t *testing.T) {
	_, err := NewRandomDomainSampler(domainItems(4, 4), 5, 0)
	require.ErrorIs(t, err, ErrInvalidSampler)

	_, err = NewRandomDomainSampler(domainItems(4, 4), 4, 3)
	require.ErrorIs(t, err, ErrInvalidSampler)

	_, err = NewRandomDomainSampler(domainItems(4, 1), 4, 2)
	require.ErrorIs(t, err, ErrInvalidSampler)

	_, err = NewRandomDomainSampler(nil, 4, 2)
	require.ErrorIs(t, err, ErrInvalidSampler)
}

func TestSequentialSampler(t *testing.T) {
	got := NewSequentialSampler(5, 2).Batches(nil)
	assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4}}, got)
	assert.Empty(t, NewSequentialSampler(0, 2).Batches(nil))
}

func TestLoader(t *testing.T) {
	root := officeHome(t, 2)
	ds, err := Build(Options{Root: root, Name: "OfficeHomeDG", SourceDomains: []string{"art", "clipart"}})
	require.NoError(t, err)

	opts := vision.DefaultTransformOptions()
	opts.Size = [2]int{8, 8}
	train, err := vision.NewPipeline(opts, true)
	require.NoError(t, err)

	idxs := []int{0, 3, 5, 7}
	a, err := NewLoader(ds.TrainX, train, 1, 42).Load(t.Context(), idxs, 1)
	require.NoError(t, err)
	b, err := NewLoader(ds.TrainX, train, 4, 42).Load(t.Context(), idxs, 1)
	require.NoError(t, err)

	assert.Equal(t, [4]int{4, 3, 8, 8}, a.Shape)
	assert.Len(t, a.Images, 4*3*8*8)
	assert.Equal(t, a.Images, b.Images, "Ergebnis unabhaengig von der Worker-Anzahl")
	for i, idx := range idxs {
		assert.EqualValues(t, ds.TrainX[idx].Label, a.Labels[i])
		assert.EqualValues(t, ds.TrainX[idx].Domain, a.Domains[i])
	}

	_, err = NewLoader(ds.TrainX, train, 2, 42).Load(t.Context(), []int{len(ds.TrainX)}, 1)
	require.Error(t, err)
}

func TestLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "broken.png")
	require.NoError(t, os.WriteFile(bad, []byte("not a png"), 0o644))

	opts := vision.DefaultTransformOptions()
	opts.Size = [2]int{4, 4}
	test, err := vision.NewPipeline(opts, false)
	require.NoError(t, err)

	_, err = NewLoader([]Datum{{Path: bad}}, test, 2, 0).Load(t.Context(), []int{0}, 0)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = NewLoader([]Datum{{Path: bad}}, test, 2, 0).Load(ctx, []int{0}, 0)
	require.ErrorIs(t, err, context.Canceled)
}

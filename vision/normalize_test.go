// MODUL: normalize_test
// ZWECK: Tests fuer Normalisierung und CHW Layout
// INPUT: Synthetische Bilder
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, go-cmp
// HINWEISE: Vergleicht mit Handrechnung (x/255 - mean) / std

package vision

import (
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestNormalizeRGB(t *testing.T) {
	img := createTestImage(2, 1, color.RGBA{255, 0, 51, 255})

	got := NormalizeRGB(img, ClipMean, ClipStd)
	want := []float32{
		(1 - ClipMean[0]) / ClipStd[0], (1 - ClipMean[0]) / ClipStd[0],
		(0 - ClipMean[1]) / ClipStd[1], (0 - ClipMean[1]) / ClipStd[1],
		(0.2 - ClipMean[2]) / ClipStd[2], (0.2 - ClipMean[2]) / ClipStd[2],
	}

	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("NormalizeRGB (-erwartet +erhalten):\n%s", diff)
	}
}

func TestNormalizeChannelFirst(t *testing.T) {
	img := gradientImage(3, 2)
	got := NormalizeRGB(img, NoNormMean, NoNormStd)

	// Kanal R enthaelt x, Kanal G enthaelt y
	want := []float32{0, 1, 2, 0, 1, 2, 0, 0, 0, 1, 1, 1, 0, 0, 0, 0, 0, 0}
	for i := range want {
		want[i] /= 255
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CHW Layout (-erwartet +erhalten):\n%s", diff)
	}

	if diff := cmp.Diff([]int{3, 2, 3}, img.TensorShape()); diff != "" {
		t.Errorf("TensorShape: %s", diff)
	}
}

// MODUL: transform
// ZWECK: Trainings- und Test-Transformationen der Daten-Pipeline
// INPUT: ImageInput, Zufallsquelle, TransformOptions (INPUT.* Konfiguration)
// OUTPUT: normalisierte CHW float32-Slices der Groesse 3*H*W
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: math/rand/v2, image.go, normalize.go
// HINWEISE: Training: random_resized_crop | resize, random_flip, normalize.
//           Test: kuerzere Seite auf max(SIZE), center crop, normalize.

package vision

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

var ErrUnknownTransform = errors.New("vision: unknown transform")

// Namen aus INPUT.TRANSFORMS
const (
	RandomResizedCrop = "random_resized_crop"
	RandomFlip        = "random_flip"
	CenterCropName    = "center_crop"
	Normalize         = "normalize"
)

// TransformOptions entspricht dem INPUT Block der Konfiguration
type TransformOptions struct {
	// Size ist (H, W)
	Size          [2]int
	Interpolation Interpolation
	Transforms    []string
	Mean, Std     [3]float32

	// Flaechenanteil fuer random_resized_crop
	Scale [2]float64
}

// DefaultTransformOptions ist die CLIP Vorverarbeitung bei 224x224
func DefaultTransformOptions() TransformOptions {
	return TransformOptions{
		Size:          [2]int{224, 224},
		Interpolation: Bicubic,
		Transforms:    []string{RandomResizedCrop, RandomFlip, Normalize},
		Mean:          ClipMean,
		Std:           ClipStd,
		Scale:         [2]float64{0.08, 1},
	}
}

type step func(img *ImageInput, rng *rand.Rand) (*ImageInput, error)

// Pipeline wendet eine Folge von Schritten an und normalisiert das
// Ergebnis. Eine Pipeline ist zustandslos, die Zufallsquelle gehoert dem
// Aufrufer (eine pro Worker).
type Pipeline struct {
	steps     []step
	normalize bool
	mean, std [3]float32
	size      [2]int
}

// NewPipeline baut die Trainings- (train) oder Test-Pipeline
func NewPipeline(opts TransformOptions, train bool) (*Pipeline, error) {
	for _, name := range opts.Transforms {
		if !slices.Contains([]string{RandomResizedCrop, RandomFlip, CenterCropName, Normalize}, name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
		}
	}
	if opts.Size[0] <= 0 || opts.Size[1] <= 0 {
		return nil, fmt.Errorf("vision: invalid input size %v", opts.Size)
	}
	if opts.Scale == [2]float64{} {
		opts.Scale = [2]float64{0.08, 1}
	}

	h, w := opts.Size[0], opts.Size[1]
	interp := opts.Interpolation

	p := &Pipeline{
		normalize: slices.Contains(opts.Transforms, Normalize),
		mean:      opts.Mean,
		std:       opts.Std,
		size:      opts.Size,
	}

	if !train {
		p.steps = []step{
			func(img *ImageInput, _ *rand.Rand) (*ImageInput, error) {
				return ResizeShorter(img, max(h, w), interp)
			},
			func(img *ImageInput, _ *rand.Rand) (*ImageInput, error) {
				return CenterCrop(img, w, h)
			},
		}
		return p, nil
	}

	switch {
	case slices.Contains(opts.Transforms, RandomResizedCrop):
		scale := opts.Scale
		p.steps = append(p.steps, func(img *ImageInput, rng *rand.Rand) (*ImageInput, error) {
			x, y, cw, ch := resizedCropBox(img.Width, img.Height, scale, rng)
			img, err := Crop(img, x, y, cw, ch)
			if err != nil {
				return nil, err
			}
			return ResizeImage(img, w, h, interp)
		})
	case slices.Contains(opts.Transforms, CenterCropName):
		p.steps = append(p.steps,
			func(img *ImageInput, _ *rand.Rand) (*ImageInput, error) {
				return ResizeShorter(img, max(h, w), interp)
			},
			func(img *ImageInput, _ *rand.Rand) (*ImageInput, error) {
				return CenterCrop(img, w, h)
			})
	default:
		p.steps = append(p.steps, func(img *ImageInput, _ *rand.Rand) (*ImageInput, error) {
			return ResizeImage(img, w, h, interp)
		})
	}

	if slices.Contains(opts.Transforms, RandomFlip) {
		p.steps = append(p.steps, func(img *ImageInput, rng *rand.Rand) (*ImageInput, error) {
			if rng.Float64() < 0.5 {
				return FlipHorizontal(img), nil
			}
			return img, nil
		})
	}

	return p, nil
}

// Size gibt (H, W) der Ausgabe zurueck
func (p *Pipeline) Size() [2]int {
	return p.size
}

// Apply transformiert img und schreibt das CHW-Ergebnis nach dst
func (p *Pipeline) Apply(dst []float32, img *ImageInput, rng *rand.Rand) error {
	if want := 3 * p.size[0] * p.size[1]; len(dst) != want {
		return fmt.Errorf("vision: destination holds %d values, need %d", len(dst), want)
	}

	var err error
	for _, s := range p.steps {
		if img, err = s(img, rng); err != nil {
			return err
		}
	}

	mean, std := NoNormMean, NoNormStd
	if p.normalize {
		mean, std = p.mean, p.std
	}
	NormalizeInto(dst, img, mean, std)
	return nil
}

// resizedCropBox waehlt einen Ausschnitt mit zufaelliger Flaeche aus scale
// und Seitenverhaeltnis in [3/4, 4/3]. Nach 10 Fehlversuchen wird zentral
// mit dem naechsten gueltigen Seitenverhaeltnis geschnitten.
func resizedCropBox(width, height int, scale [2]float64, rng *rand.Rand) (x, y, w, h int) {
	const minRatio, maxRatio = 3.0 / 4, 4.0 / 3
	area := float64(width * height)
	logMin, logMax := math.Log(minRatio), math.Log(maxRatio)

	for range 10 {
		target := area * (scale[0] + rng.Float64()*(scale[1]-scale[0]))
		ratio := math.Exp(logMin + rng.Float64()*(logMax-logMin))

		w = int(math.Round(math.Sqrt(target * ratio)))
		h = int(math.Round(math.Sqrt(target / ratio)))
		if 0 < w && w <= width && 0 < h && h <= height {
			y = rng.IntN(height - h + 1)
			x = rng.IntN(width - w + 1)
			return x, y, w, h
		}
	}

	inRatio := float64(width) / float64(height)
	switch {
	case inRatio < minRatio:
		w = width
		h = int(math.Round(float64(w) / minRatio))
	case inRatio > maxRatio:
		h = height
		w = int(math.Round(float64(h) * maxRatio))
	default:
		w, h = width, height
	}
	return (width - w) / 2, (height - h) / 2, w, h
}

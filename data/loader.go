// loader.go - Paralleles Laden von Batches
// Enthält: Batch, Loader, Load() mit errgroup Workern

package data

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/7blacky7/encoop/vision"
)

// Batch ist ein geladener Batch. Images hat die Shape (n, 3, H, W).
type Batch struct {
	Images  []float32
	Shape   [4]int
	Labels  []int32
	Domains []int32
	Paths   []string
}

// Len gibt die Anzahl der Bilder zurueck
func (b *Batch) Len() int {
	return len(b.Labels)
}

// Loader dekodiert und transformiert Bilder mit einer festen Anzahl Worker
type Loader struct {
	items    []Datum
	pipeline *vision.Pipeline
	workers  int
	seed     uint64
}

// NewLoader baut einen Loader. workers <= 0 verwendet GOMAXPROCS.
func NewLoader(items []Datum, pipeline *vision.Pipeline, workers int, seed uint64) *Loader {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Loader{items: items, pipeline: pipeline, workers: workers, seed: seed}
}

// Items gibt die Daten des Loaders zurueck
func (l *Loader) Items() []Datum {
	return l.items
}

// Load laedt die Indizes idxs. Die Zufallsquelle jedes Bildes haengt nur
// von Seed, Epoche und Index ab, das Ergebnis also nicht von der Anzahl
// der Worker.
func (l *Loader) Load(ctx context.Context, idxs []int, epoch int) (*Batch, error) {
	for _, idx := range idxs {
		if idx < 0 || idx >= len(l.items) {
			return nil, fmt.Errorf("data: index %d out of range [0, %d)", idx, len(l.items))
		}
	}

	size := l.pipeline.Size()
	stride := 3 * size[0] * size[1]

	b := &Batch{
		Images:  make([]float32, len(idxs)*stride),
		Shape:   [4]int{len(idxs), 3, size[0], size[1]},
		Labels:  make([]int32, len(idxs)),
		Domains: make([]int32, len(idxs)),
		Paths:   make([]string, len(idxs)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, idx := range idxs {
		it := l.items[idx]
		b.Labels[i] = int32(it.Label)
		b.Domains[i] = int32(it.Domain)
		b.Paths[i] = it.Path

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			img, err := vision.LoadImage(it.Path)
			if err != nil {
				return err
			}

			rng := rand.New(rand.NewPCG(l.seed, uint64(epoch)<<32|uint64(idx)))
			return l.pipeline.Apply(b.Images[i*stride:(i+1)*stride], img, rng)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return b, nil
}

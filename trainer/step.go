// step.go - Ein Trainingsschritt
// Enthält: Summary, ForwardBackward(), accuracy()

package trainer

import (
	"fmt"
	"math"

	"github.com/7blacky7/encoop/data"
	"github.com/7blacky7/encoop/optim"
)

// Summary ist das Ergebnis eines Schritts. Acc ist in Prozent.
type Summary struct {
	Loss float64
	Acc  float64
}

// ForwardBackward fuehrt Forward, Cross-Entropy, Backward und den
// Optimierer-Schritt fuer einen Batch aus. Ein nicht endlicher Loss bricht
// vor dem Backward ab. Nach dem letzten Batch einer Epoche wird die
// Lernrate aktualisiert.
func (t *Trainer) ForwardBackward(b *data.Batch) (Summary, error) {
	ctx := t.backend.NewContext()
	defer ctx.Close()

	images := ctx.FromFloats(b.Images, b.Shape[:]...)
	labels := ctx.FromInts(b.Labels, len(b.Labels))

	logits, err := t.model.Forward(ctx, images, b.Domains)
	if err != nil {
		return Summary{}, err
	}
	loss := logits.CrossEntropy(ctx, labels)
	s := Summary{
		Loss: float64(loss.Floats()[0]),
		Acc:  accuracy(logits.Floats(), t.numClasses, b.Labels),
	}
	if math.IsNaN(s.Loss) || math.IsInf(s.Loss, 0) {
		return s, fmt.Errorf("%w: %v at epoch %d batch %d", ErrLossNotFinite, s.Loss, t.epoch+1, t.batchIdx+1)
	}

	optim.ZeroGrad(t.params)
	if t.scaler != nil {
		if err := ctx.Backward(loss.Scale(ctx, t.scaler.Scale())); err != nil {
			return Summary{}, err
		}
		if _, err := t.scaler.Step(t.optim, optim.Grads(t.params)); err != nil {
			return Summary{}, err
		}
	} else {
		if err := ctx.Backward(loss); err != nil {
			return Summary{}, err
		}
		if err := t.optim.Step(optim.Grads(t.params)); err != nil {
			return Summary{}, err
		}
	}

	if t.batchIdx+1 == t.numBatches {
		t.updateLR()
	}
	return s, nil
}

// updateLR schreitet den Scheduler und uebernimmt die neue Lernrate
func (t *Trainer) updateLR() {
	t.optim.SetLR(t.sched.Step())
}

// argmax gibt pro Zeile den Index des groessten Wertes zurueck
func argmax(logits []float32, numClasses int) []int {
	preds := make([]int, len(logits)/numClasses)
	for i := range preds {
		row := logits[i*numClasses : (i+1)*numClasses]
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		preds[i] = best
	}
	return preds
}

// accuracy ist der Top-1 Anteil richtiger Vorhersagen in Prozent
func accuracy(logits []float32, numClasses int, labels []int32) float64 {
	if len(labels) == 0 {
		return 0
	}

	var correct int
	for i, p := range argmax(logits, numClasses) {
		if p == int(labels[i]) {
			correct++
		}
	}
	return 100 * float64(correct) / float64(len(labels))
}

package optim

import (
	"log/slog"
	"math"
)

// GradScaler skaliert den Loss fuer amp dynamisch. Schritte mit Inf/NaN
// Gradienten werden uebersprungen und die Skala halbiert; nach
// growthInterval erfolgreichen Schritten wird sie verdoppelt.
type GradScaler struct {
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	tracker        int
}

func NewGradScaler() *GradScaler {
	return &GradScaler{
		scale:          65536,
		growthFactor:   2,
		backoffFactor:  0.5,
		growthInterval: 2000,
	}
}

func (s *GradScaler) Scale() float64 {
	return s.scale
}

// Step teilt die Gradienten durch die Skala und fuehrt den Schritt aus,
// wenn alle endlich sind. Danach wird die Skala angepasst.
func (s *GradScaler) Step(opt Optimizer, grads [][]float32) (bool, error) {
	inv := 1 / s.scale
	finite := true
	for _, g := range grads {
		for i, v := range g {
			g[i] = float32(float64(v) * inv)
			if math.IsInf(float64(g[i]), 0) || math.IsNaN(float64(g[i])) {
				finite = false
			}
		}
	}

	if !finite {
		s.scale *= s.backoffFactor
		s.tracker = 0
		slog.Debug("skipping step with non-finite gradients", "scale", s.scale)
		return false, nil
	}

	if err := opt.Step(grads); err != nil {
		return false, err
	}

	s.tracker++
	if s.tracker == s.growthInterval {
		s.scale *= s.growthFactor
		s.tracker = 0
	}
	return true, nil
}

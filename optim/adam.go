package optim

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"
)

const (
	slotExpAvg   = "exp_avg"
	slotExpAvgSq = "exp_avg_sq"
)

// adam folgt torch.optim.Adam bzw. AdamW (entkoppelter Weight Decay)
type adam struct {
	base
	decoupled bool
}

func newAdam(cfg Config, params []Param, decoupled bool) *adam {
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	return &adam{base: newBase(cfg, params, slotExpAvg, slotExpAvgSq), decoupled: decoupled}
}

func (o *adam) Name() string {
	if o.decoupled {
		return "adamw"
	}
	return "adam"
}

func (o *adam) Step(grads [][]float32) error {
	if err := o.checkGrads(grads); err != nil {
		return err
	}
	o.step++

	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	bc1 := 1 - math.Pow(b1, float64(o.step))
	bc2 := 1 - math.Pow(b2, float64(o.step))
	stepSize := o.lr / bc1

	avg, avgSq := o.slots[slotExpAvg], o.slots[slotExpAvgSq]

	for i, p := range o.params {
		w := p.Tensor.Floats()
		g := grads[i]

		if o.cfg.WeightDecay != 0 {
			if o.decoupled {
				blas32.Scal(float32(1-o.lr*o.cfg.WeightDecay), vec(w))
			} else {
				g = append([]float32(nil), g...)
				blas32.Axpy(float32(o.cfg.WeightDecay), vec(w), vec(g))
			}
		}

		if avg[i] == nil {
			avg[i] = make([]float32, len(w))
			avgSq[i] = make([]float32, len(w))
		}
		m, v := avg[i], avgSq[i]

		for j, gj := range g {
			m[j] = float32(b1*float64(m[j]) + (1-b1)*float64(gj))
			v[j] = float32(b2*float64(v[j]) + (1-b2)*float64(gj)*float64(gj))

			denom := math.Sqrt(float64(v[j]))/math.Sqrt(bc2) + o.cfg.Eps
			w[j] -= float32(stepSize * float64(m[j]) / denom)
		}

		p.Tensor.FromFloats(w)
	}
	return nil
}

package optim

import (
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

const slotMomentum = "momentum_buffer"

// sgd folgt torch.optim.SGD: Weight Decay als L2-Term, Momentum mit
// Dampening und optional Nesterov
type sgd struct {
	base
}

func newSGD(cfg Config, params []Param) *sgd {
	return &sgd{base: newBase(cfg, params, slotMomentum)}
}

func (o *sgd) Name() string {
	return "sgd"
}

func (o *sgd) Step(grads [][]float32) error {
	if err := o.checkGrads(grads); err != nil {
		return err
	}
	o.step++

	momentum := float32(o.cfg.Momentum)
	bufs := o.slots[slotMomentum]

	for i, p := range o.params {
		w := p.Tensor.Floats()
		g := slices.Clone(grads[i])

		if o.cfg.WeightDecay != 0 {
			blas32.Axpy(float32(o.cfg.WeightDecay), vec(w), vec(g))
		}

		if momentum != 0 {
			if bufs[i] == nil {
				bufs[i] = slices.Clone(g)
			} else {
				blas32.Scal(momentum, vec(bufs[i]))
				blas32.Axpy(float32(1-o.cfg.Dampening), vec(g), vec(bufs[i]))
			}

			if o.cfg.Nesterov {
				blas32.Axpy(momentum, vec(bufs[i]), vec(g))
			} else {
				g = bufs[i]
			}
		}

		blas32.Axpy(float32(-o.lr), vec(g), vec(w))
		p.Tensor.FromFloats(w)
	}
	return nil
}

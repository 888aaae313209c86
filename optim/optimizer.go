// Package optim enthaelt die Optimierer (SGD, Adam, AdamW), die
// Lernraten-Scheduler mit Warmup und den dynamischen Loss-Scaler fuer amp.
//
// Optimierer arbeiten auf ml.Tensor Parametern: sie lesen die Werte,
// wenden den Schritt mit blas32-Vektoroperationen an und schreiben die
// Werte ueber FromFloats zurueck (bei F16 gerundet).
package optim

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/7blacky7/encoop/ml"
)

var (
	ErrUnknownOptimizer = errors.New("optim: unknown optimizer")
	ErrUnknownScheduler = errors.New("optim: unknown scheduler")
	ErrStateMismatch    = errors.New("optim: state does not match the parameters")
)

// Param ist ein trainierbarer Tensor mit stabilem Namen fuer den Zustand
type Param struct {
	Name   string
	Tensor ml.Tensor
}

// Optimizer aktualisiert Parameter anhand ihrer Gradienten
type Optimizer interface {
	Name() string

	// Step wendet einen Schritt an. grads[i] gehoert zu Params()[i].
	Step(grads [][]float32) error

	LR() float64
	SetLR(lr float64)

	Params() []Param

	// State gibt eine Kopie des internen Zustands zurueck
	State() State
	// LoadState prueft alle Puffer, bevor einer uebernommen wird
	LoadState(State) error
}

// State ist der serialisierbare Zustand eines Optimierers. Die Schluessel
// von Slots sind "<param>.<puffer>", z.B. "prompt_learner.ctx.exp_avg".
type State struct {
	Step  uint64
	LR    float64
	Slots map[string][]float32
}

// Config entspricht dem OPTIM Block der Trainer-Konfiguration
type Config struct {
	Name        string
	LR          float64
	WeightDecay float64

	Momentum  float64
	Dampening float64
	Nesterov  bool

	Beta1 float64
	Beta2 float64
	Eps   float64
}

// New baut den Optimierer cfg.Name fuer params
func New(cfg Config, params []Param) (Optimizer, error) {
	if len(params) == 0 {
		return nil, errors.New("optim: no trainable parameters")
	}
	if cfg.LR <= 0 {
		return nil, fmt.Errorf("optim: learning rate must be positive, got %v", cfg.LR)
	}

	if cfg.Eps == 0 {
		cfg.Eps = 1e-8
	}

	switch strings.ToLower(cfg.Name) {
	case "sgd":
		return newSGD(cfg, params), nil
	case "adam":
		return newAdam(cfg, params, false), nil
	case "adamw":
		return newAdam(cfg, params, true), nil
	default:
		return nil, fmt.Errorf("%w: %q (sgd, adam, adamw)", ErrUnknownOptimizer, cfg.Name)
	}
}

// Grads liest die akkumulierten Gradienten der Parameter
func Grads(params []Param) [][]float32 {
	grads := make([][]float32, len(params))
	for i, p := range params {
		grads[i] = p.Tensor.Grad()
	}
	return grads
}

// ZeroGrad setzt die Gradienten aller Parameter zurueck
func ZeroGrad(params []Param) {
	for _, p := range params {
		p.Tensor.ZeroGrad()
	}
}

func vec(s []float32) blas32.Vector {
	return blas32.Vector{N: len(s), Inc: 1, Data: s}
}

// base haelt die gemeinsamen Felder aller Optimierer
type base struct {
	cfg    Config
	params []Param
	lr     float64
	step   uint64

	// slots[puffer][param-index]
	slots map[string][][]float32
}

func newBase(cfg Config, params []Param, slots ...string) base {
	b := base{
		cfg:    cfg,
		params: slices.Clone(params),
		lr:     cfg.LR,
		slots:  make(map[string][][]float32, len(slots)),
	}
	for _, s := range slots {
		b.slots[s] = make([][]float32, len(params))
	}
	return b
}

func (b *base) LR() float64 {
	return b.lr
}

func (b *base) SetLR(lr float64) {
	b.lr = lr
}

func (b *base) Params() []Param {
	return slices.Clone(b.params)
}

func (b *base) checkGrads(grads [][]float32) error {
	if len(grads) != len(b.params) {
		return fmt.Errorf("optim: %d gradients for %d parameters", len(grads), len(b.params))
	}
	for i, g := range grads {
		if n := len(b.params[i].Tensor.Floats()); len(g) != n {
			return fmt.Errorf("optim: gradient of %s has %d values, expected %d", b.params[i].Name, len(g), n)
		}
	}
	return nil
}

func (b *base) State() State {
	s := State{Step: b.step, LR: b.lr, Slots: make(map[string][]float32)}
	for slot, bufs := range b.slots {
		for i, buf := range bufs {
			if buf != nil {
				s.Slots[b.params[i].Name+"."+slot] = slices.Clone(buf)
			}
		}
	}
	return s
}

func (b *base) LoadState(s State) error {
	byName := make(map[string]int, len(b.params))
	for i, p := range b.params {
		byName[p.Name] = i
	}

	type assignment struct {
		slot  string
		index int
		data  []float32
	}

	var pending []assignment
	for key, data := range s.Slots {
		name, slot, ok := splitSlot(key)
		if !ok {
			return fmt.Errorf("%w: malformed key %q", ErrStateMismatch, key)
		}
		if _, known := b.slots[slot]; !known {
			return fmt.Errorf("%w: %s has no buffer %q", ErrStateMismatch, b.cfg.Name, slot)
		}
		i, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: unknown parameter %q", ErrStateMismatch, name)
		}
		if n := len(b.params[i].Tensor.Floats()); len(data) != n {
			return fmt.Errorf("%w: %s has %d values, expected %d", ErrStateMismatch, key, len(data), n)
		}
		pending = append(pending, assignment{slot, i, data})
	}

	for _, a := range pending {
		b.slots[a.slot][a.index] = slices.Clone(a.data)
	}
	b.step = s.Step
	if s.LR > 0 {
		b.lr = s.LR
	}
	return nil
}

// splitSlot trennt "<param>.<puffer>" am letzten Punkt
func splitSlot(key string) (name, slot string, ok bool) {
	i := strings.LastIndexByte(key, '.')
	if i <= 0 || i == len(key)-1 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

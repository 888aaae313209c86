// MODUL: optim_test
// ZWECK: Tests fuer SGD, Adam, AdamW, Zustand und GradScaler
// INPUT: Parameter auf dem CPU-Backend
// OUTPUT: Testresultate
// NEBENEFFEKTE: keine
// ABHAENGIGKEITEN: testing, go-cmp, ml/backend/cpu
// HINWEISE: Erwartete Werte von Hand nach den torch-Formeln berechnet

package optim

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/ml/backend/cpu"
)

func param(name string, values ...float32) Param {
	ctx := cpu.NewFromWeights(nil, nil, ml.BackendParams{}).NewContext()
	t := ctx.FromFloats(values, len(values))
	t.SetRequiresGrad(true)
	return Param{Name: name, Tensor: t}
}

var approx = cmpopts.EquateApprox(0, 1e-5)

func TestSGD(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		w     []float32
		grads [][]float32
		want  []float32
	}{
		{"plain", Config{Name: "sgd", LR: 0.1}, []float32{1, 2}, [][]float32{{0.5, -1}}, []float32{0.95, 2.1}},
		{"momentum", Config{Name: "sgd", LR: 0.1, Momentum: 0.9}, []float32{1}, [][]float32{{1}, {1}}, []float32{0.71}},
		{"dampening", Config{Name: "sgd", LR: 0.1, Momentum: 0.9, Dampening: 0.5}, []float32{1}, [][]float32{{1}, {1}}, []float32{0.76}},
		{"nesterov", Config{Name: "SGD", LR: 0.1, Momentum: 0.9, Nesterov: true}, []float32{1}, [][]float32{{1}}, []float32{0.81}},
		{"weight decay", Config{Name: "sgd", LR: 0.1, WeightDecay: 0.5}, []float32{2}, [][]float32{{0}}, []float32{1.9}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			p := param("w", tt.w...)
			opt, err := New(tt.cfg, []Param{p})
			if err != nil {
				t.Fatalf("New() Fehler: %v", err)
			}
			for _, g := range tt.grads {
				if err := opt.Step([][]float32{append([]float32(nil), g...)}); err != nil {
					t.Fatalf("Step() Fehler: %v", err)
				}
			}
			if diff := cmp.Diff(tt.want, p.Tensor.Floats(), approx); diff != "" {
				t.Errorf("Gewichte mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAdamFirstStepIsSignStep(t *testing.T) {
	p := param("w", 1, -1)
	opt, err := New(Config{Name: "adam", LR: 0.01}, []Param{p})
	if err != nil {
		t.Fatal(err)
	}
	if err := opt.Step([][]float32{{0.3, -2}}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0.99, -0.99}, p.Tensor.Floats(), approx); diff != "" {
		t.Errorf("Gewichte mismatch (-want +got):\n%s", diff)
	}
	if opt.Name() != "adam" {
		t.Errorf("Name() = %q", opt.Name())
	}
}

func TestAdamWeightDecay(t *testing.T) {
	// AdamW: entkoppelter Decay, bei Gradient 0 bleibt nur der Decay
	p := param("w", 1)
	opt, err := New(Config{Name: "adamw", LR: 0.01, WeightDecay: 0.1}, []Param{p})
	if err != nil {
		t.Fatal(err)
	}
	if err := opt.Step([][]float32{{0}}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0.999}, p.Tensor.Floats(), approx); diff != "" {
		t.Errorf("AdamW mismatch (-want +got):\n%s", diff)
	}

	// Adam: Decay geht in den Gradienten ein, erster Schritt = lr * sign
	p = param("w", 1)
	opt, err = New(Config{Name: "adam", LR: 0.01, WeightDecay: 0.1}, []Param{p})
	if err != nil {
		t.Fatal(err)
	}
	if err := opt.Step([][]float32{{0}}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0.99}, p.Tensor.Floats(), approx); diff != "" {
		t.Errorf("Adam mismatch (-want +got):\n%s", diff)
	}
}

func TestStateRoundTrip(t *testing.T) {
	for _, name := range []string{"sgd", "adam"} {
		t.Run(name, func(t *testing.T) {
			cfg := Config{Name: name, LR: 0.05, Momentum: 0.9}
			a, b := param("ctx", 1, 2, 3), param("ctx", 1, 2, 3)

			optA, _ := New(cfg, []Param{a})
			optB, _ := New(cfg, []Param{b})

			grads := func() [][]float32 { return [][]float32{{0.1, -0.2, 0.3}} }
			for range 2 {
				if err := optA.Step(grads()); err != nil {
					t.Fatal(err)
				}
			}

			b.Tensor.FromFloats(a.Tensor.Floats())
			if err := optB.LoadState(optA.State()); err != nil {
				t.Fatalf("LoadState() Fehler: %v", err)
			}

			if err := optA.Step(grads()); err != nil {
				t.Fatal(err)
			}
			if err := optB.Step(grads()); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(a.Tensor.Floats(), b.Tensor.Floats()); diff != "" {
				t.Errorf("Fortsetzung weicht ab (-A +B):\n%s", diff)
			}
		})
	}
}

func TestLoadStateRejectsMismatch(t *testing.T) {
	p := param("ctx", 1, 2)
	opt, _ := New(Config{Name: "adam", LR: 0.1}, []Param{p})

	cases := map[string]State{
		"unbekannter Parameter": {Slots: map[string][]float32{"other.exp_avg": {1, 2}}},
		"unbekannter Puffer":    {Slots: map[string][]float32{"ctx.momentum_buffer": {1, 2}}},
		"falsche Laenge":        {Slots: map[string][]float32{"ctx.exp_avg": {1}}},
		"kein Punkt":            {Slots: map[string][]float32{"ctx": {1, 2}}},
	}
	for name, s := range cases {
		if err := opt.LoadState(s); !errors.Is(err, ErrStateMismatch) {
			t.Errorf("%s: LoadState() = %v, erwartet ErrStateMismatch", name, err)
		}
	}
	if got := opt.State(); len(got.Slots) != 0 || got.Step != 0 {
		t.Errorf("Zustand nach fehlgeschlagenem Laden veraendert: %+v", got)
	}
}

func TestNewErrors(t *testing.T) {
	p := param("w", 1)
	if _, err := New(Config{Name: "rmsprop", LR: 0.1}, []Param{p}); !errors.Is(err, ErrUnknownOptimizer) {
		t.Errorf("New(rmsprop) = %v, erwartet ErrUnknownOptimizer", err)
	}
	if _, err := New(Config{Name: "sgd"}, []Param{p}); err == nil {
		t.Error("New() ohne Lernrate liefert keinen Fehler")
	}
	if _, err := New(Config{Name: "sgd", LR: 0.1}, nil); err == nil {
		t.Error("New() ohne Parameter liefert keinen Fehler")
	}

	opt, _ := New(Config{Name: "sgd", LR: 0.1}, []Param{p})
	if err := opt.Step([][]float32{{1, 2}}); err == nil {
		t.Error("Step() mit falscher Gradienten-Laenge liefert keinen Fehler")
	}
}

func TestGradScaler(t *testing.T) {
	p := param("w", 1)
	opt, _ := New(Config{Name: "sgd", LR: 1}, []Param{p})
	s := NewGradScaler()

	stepped, err := s.Step(opt, [][]float32{{float32(math.Inf(1))}})
	if err != nil {
		t.Fatal(err)
	}
	if stepped {
		t.Error("Schritt mit Inf-Gradient wurde ausgefuehrt")
	}
	if s.Scale() != 32768 {
		t.Errorf("Scale() = %v, erwartet 32768", s.Scale())
	}
	if got := p.Tensor.Floats()[0]; got != 1 {
		t.Errorf("Gewicht nach uebersprungenem Schritt = %v", got)
	}

	stepped, err = s.Step(opt, [][]float32{{16384}})
	if err != nil {
		t.Fatal(err)
	}
	if !stepped {
		t.Error("endlicher Schritt wurde uebersprungen")
	}
	if diff := cmp.Diff([]float32{0.5}, p.Tensor.Floats(), approx); diff != "" {
		t.Errorf("Gradient nicht entskaliert (-want +got):\n%s", diff)
	}
}

func TestGradsAndZeroGrad(t *testing.T) {
	ctx := cpu.NewFromWeights(nil, nil, ml.BackendParams{}).NewContext()
	w := ctx.FromFloats([]float32{1, 2}, 1, 2)
	w.SetRequiresGrad(true)

	loss := w.Mulmat(ctx, ctx.FromFloats([]float32{3, 4}, 1, 2)).Reshape(ctx, 1)
	if err := ctx.Backward(loss); err != nil {
		t.Fatal(err)
	}

	params := []Param{{Name: "w", Tensor: w}}
	if diff := cmp.Diff([][]float32{{3, 4}}, Grads(params)); diff != "" {
		t.Errorf("Grads mismatch (-want +got):\n%s", diff)
	}
	ZeroGrad(params)
	if diff := cmp.Diff([][]float32{{0, 0}}, Grads(params)); diff != "" {
		t.Errorf("Grads nach ZeroGrad (-want +got):\n%s", diff)
	}
}

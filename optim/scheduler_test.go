package optim

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func lrs(t *testing.T, cfg SchedulerConfig, baseLR float64, n int) []float64 {
	t.Helper()
	s, err := NewScheduler(cfg, baseLR)
	if err != nil {
		t.Fatalf("NewScheduler() Fehler: %v", err)
	}
	out := []float64{s.LR()}
	for range n - 1 {
		out = append(out, s.Step())
	}
	return out
}

func TestSchedulers(t *testing.T) {
	cases := []struct {
		name string
		cfg  SchedulerConfig
		want []float64
	}{
		{
			"cosine",
			SchedulerConfig{Name: "cosine", MaxEpoch: 4},
			[]float64{1, 0.8535534, 0.5, 0.1464466, 0},
		},
		{
			"single_step",
			SchedulerConfig{Name: "single_step", StepSize: []int{2}, Gamma: 0.1},
			[]float64{1, 1, 0.1, 0.1, 0.01},
		},
		{
			"single_step ohne stepsize",
			SchedulerConfig{Name: "single_step", MaxEpoch: 3, Gamma: 0.5},
			[]float64{1, 1, 1, 0.5},
		},
		{
			"multi_step",
			SchedulerConfig{Name: "multi_step", StepSize: []int{3, 1}, Gamma: 0.5},
			[]float64{1, 0.5, 0.5, 0.25},
		},
		{
			"constant warmup",
			SchedulerConfig{Name: "cosine", MaxEpoch: 4, Warmup: WarmupConfig{Epochs: 1, Type: "constant", ConsLR: 1e-5}},
			[]float64{1e-5, 1, 0.5, 0.1464466, 0},
		},
		{
			"linear warmup mit recount",
			SchedulerConfig{Name: "cosine", MaxEpoch: 4, Warmup: WarmupConfig{Epochs: 2, Type: "linear", MinLR: 0.01, Recount: true}},
			[]float64{0.01, 0.5, 1, 0.8535534, 0.5},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := lrs(t, tt.cfg, 1, len(tt.want))
			if diff := cmp.Diff(tt.want, got, approx); diff != "" {
				t.Errorf("Lernraten mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSchedulerResume(t *testing.T) {
	cfg := SchedulerConfig{Name: "cosine", MaxEpoch: 10}
	a, _ := NewScheduler(cfg, 0.002)
	for range 4 {
		a.Step()
	}

	b, _ := NewScheduler(cfg, 0.002)
	b.SetEpoch(a.Epoch())
	if a.LR() != b.LR() {
		t.Errorf("LR nach SetEpoch = %v, erwartet %v", b.LR(), a.LR())
	}
}

func TestSchedulerErrors(t *testing.T) {
	cases := []SchedulerConfig{
		{Name: "onecycle", MaxEpoch: 5},
		{Name: "cosine", MaxEpoch: 5, Warmup: WarmupConfig{Epochs: 1, Type: "exp"}},
	}
	for _, cfg := range cases {
		if _, err := NewScheduler(cfg, 1); !errors.Is(err, ErrUnknownScheduler) {
			t.Errorf("NewScheduler(%+v) = %v, erwartet ErrUnknownScheduler", cfg, err)
		}
	}

	if _, err := NewScheduler(SchedulerConfig{Name: "multi_step"}, 1); err == nil {
		t.Error("multi_step ohne Meilensteine liefert keinen Fehler")
	}
}

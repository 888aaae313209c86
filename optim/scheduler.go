// scheduler.go - Lernraten-Scheduler pro Epoche
//
// Enthält:
// - SchedulerConfig: Name (cosine, single_step, multi_step) und Warmup
// - Scheduler: geschlossene Form der Lernrate fuer die aktuelle Epoche
//
// Warmup: Waehrend der ersten Warmup.Epochs Schritte gilt eine konstante
// (constant) oder linear steigende (linear) Rate. Danach uebernimmt der
// Nachfolger. Ohne Recount startet der Nachfolger bei Epoche Warmup.Epochs,
// mit Recount bei 0.
package optim

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

type WarmupConfig struct {
	Epochs  int
	Type    string
	ConsLR  float64
	MinLR   float64
	Recount bool
}

type SchedulerConfig struct {
	Name     string
	MaxEpoch int
	StepSize []int
	Gamma    float64
	Warmup   WarmupConfig
}

type Scheduler struct {
	cfg    SchedulerConfig
	baseLR float64
	epoch  int

	successor func(epoch int) float64
}

func NewScheduler(cfg SchedulerConfig, baseLR float64) (*Scheduler, error) {
	s := &Scheduler{cfg: cfg, baseLR: baseLR}

	switch strings.ToLower(cfg.Name) {
	case "cosine":
		if cfg.MaxEpoch <= 0 {
			return nil, fmt.Errorf("optim: cosine schedule needs MAX_EPOCH > 0")
		}
		tMax := float64(cfg.MaxEpoch)
		s.successor = func(epoch int) float64 {
			return baseLR * (1 + math.Cos(math.Pi*float64(epoch)/tMax)) / 2
		}
	case "single_step":
		size := 0
		if len(cfg.StepSize) > 0 {
			size = cfg.StepSize[len(cfg.StepSize)-1]
		}
		if size <= 0 {
			size = cfg.MaxEpoch
		}
		if size <= 0 {
			return nil, fmt.Errorf("optim: single_step schedule needs STEPSIZE or MAX_EPOCH")
		}
		s.successor = func(epoch int) float64 {
			return baseLR * math.Pow(cfg.Gamma, float64(epoch/size))
		}
	case "multi_step":
		if len(cfg.StepSize) == 0 {
			return nil, fmt.Errorf("optim: multi_step schedule needs a list of milestones")
		}
		milestones := slices.Sorted(slices.Values(cfg.StepSize))
		s.successor = func(epoch int) float64 {
			n := 0
			for _, m := range milestones {
				if epoch >= m {
					n++
				}
			}
			return baseLR * math.Pow(cfg.Gamma, float64(n))
		}
	default:
		return nil, fmt.Errorf("%w: %q (cosine, single_step, multi_step)", ErrUnknownScheduler, cfg.Name)
	}

	if cfg.Warmup.Epochs > 0 {
		switch cfg.Warmup.Type {
		case "constant", "linear":
		default:
			return nil, fmt.Errorf("%w: warmup type %q (constant, linear)", ErrUnknownScheduler, cfg.Warmup.Type)
		}
	}

	return s, nil
}

// LR gibt die Lernrate der aktuellen Epoche zurueck
func (s *Scheduler) LR() float64 {
	w := s.cfg.Warmup
	if w.Epochs <= 0 {
		return s.successor(s.epoch)
	}

	switch {
	case s.epoch < w.Epochs:
		if w.Type == "constant" {
			return w.ConsLR
		}
		if s.epoch == 0 {
			return w.MinLR
		}
		return s.baseLR * float64(s.epoch) / float64(w.Epochs)
	case s.epoch == w.Epochs:
		// Der Nachfolger wurde noch nicht geschritten
		return s.successor(0)
	default:
		start := w.Epochs
		if w.Recount {
			start = 0
		}
		return s.successor(start + s.epoch - w.Epochs)
	}
}

// Step beendet eine Epoche und gibt die neue Lernrate zurueck
func (s *Scheduler) Step() float64 {
	s.epoch++
	return s.LR()
}

func (s *Scheduler) Epoch() int {
	return s.epoch
}

// SetEpoch setzt den Zaehler, z.B. beim Fortsetzen eines Trainings
func (s *Scheduler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// checkpoint.go - Speichern, Laden und Fortsetzen
// Enthält: SaveModel(), LoadModel(), ResumeIfExists(), checkStateDict(), applyStateDict()

package trainer

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/7blacky7/encoop/checkpoint"
	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/model/models/encoop"
)

// SaveModel schreibt den Zustand aller registrierten Modelle nach
// <dir>/<name>/. fileName == "" ergibt model.pth.tar-<epoch+1>.
func (t *Trainer) SaveModel(epoch int, dir string, valResult *float64, fileName string) error {
	sd := make(map[string]checkpoint.Tensor)
	for key, v := range t.model.PromptLearner.StateDict() {
		sd[key] = checkpoint.Tensor{Shape: slices.Clone(v.Shape()), Data: slices.Clone(v.Floats())}
	}

	state := t.optim.State()
	ck := &checkpoint.Checkpoint{
		StateDict:      sd,
		Epoch:          epoch + 1,
		ValResult:      valResult,
		Optimizer:      &state,
		SchedulerEpoch: t.sched.Epoch(),
		RunID:          t.runID,
	}

	for _, name := range t.ModelNames() {
		if _, err := checkpoint.Save(filepath.Join(dir, name), ck, fileName, false); err != nil {
			return err
		}
	}
	return nil
}

// LoadModel laedt model-best (epoch <= 0) oder model.pth.tar-<epoch> aus
// dir. Alle Pfade und alle Shapes werden geprueft, bevor ein Zustand
// uebernommen wird; die Token-Puffer werden beim Dekodieren verworfen.
func (t *Trainer) LoadModel(dir string, epoch int) error {
	if dir == "" {
		slog.Warn("load_model skipped, no pretrained model given")
		return nil
	}

	cks, err := checkpoint.LoadAll(dir, t.ModelNames(), epoch, checkpoint.DefaultPolicy)
	if err != nil {
		return err
	}

	ctx := t.backend.NewContext().NoGrad()
	defer ctx.Close()

	states := make(map[string]map[string]ml.Tensor, len(cks))
	results := make(map[string]encoop.LoadResult, len(cks))
	for _, name := range t.ModelNames() {
		tensors, res, err := t.checkStateDict(ctx, cks[name].StateDict)
		if err != nil {
			return fmt.Errorf("trainer: %s: %w", name, err)
		}
		states[name], results[name] = tensors, res
	}

	for _, name := range t.ModelNames() {
		if _, err := t.model.PromptLearner.LoadStateDict(states[name], false); err != nil {
			return fmt.Errorf("trainer: %s: %w", name, err)
		}

		ck, res := cks[name], results[name]
		args := []any{"name", name, "path", checkpoint.Path(dir, name, epoch), "epoch", ck.Epoch}
		if ck.ValResult != nil {
			args = append(args, "val_result", *ck.ValResult)
		}
		if len(res.MissingKeys) > 0 {
			args = append(args, "missing", res.MissingKeys)
		}
		if len(res.UnexpectedKeys) > 0 {
			args = append(args, "unexpected", res.UnexpectedKeys)
		}
		slog.Info("loading weights", args...)
	}
	return nil
}

// ResumeIfExists setzt Kontext, Optimierer und Scheduler aus dem letzten
// Checkpoint in dir fort und gibt die naechste Epoche zurueck. Ohne
// Pointer-Datei beginnt das Training bei 0.
func (t *Trainer) ResumeIfExists(dir string) (int, error) {
	var paths []string
	for _, name := range t.ModelNames() {
		file, ok, err := checkpoint.Latest(filepath.Join(dir, name))
		if err != nil {
			return 0, err
		}
		if !ok {
			slog.Info("no checkpoint found, training from scratch", "dir", dir)
			return 0, nil
		}
		paths = append(paths, filepath.Join(dir, name, file))
	}

	ctx := t.backend.NewContext().NoGrad()
	defer ctx.Close()

	cks := make([]*checkpoint.Checkpoint, len(paths))
	states := make([]map[string]ml.Tensor, len(paths))
	for i, path := range paths {
		ck, err := checkpoint.Load(path, checkpoint.DefaultPolicy)
		if err != nil {
			return 0, err
		}
		tensors, _, err := t.checkStateDict(ctx, ck.StateDict)
		if err != nil {
			return 0, fmt.Errorf("trainer: resume %s: %w", path, err)
		}
		cks[i], states[i] = ck, tensors
	}

	var start int
	for i, path := range paths {
		ck := cks[i]
		if _, err := t.model.PromptLearner.LoadStateDict(states[i], false); err != nil {
			return 0, fmt.Errorf("trainer: resume %s: %w", path, err)
		}
		if ck.Optimizer != nil {
			if err := t.optim.LoadState(*ck.Optimizer); err != nil {
				return 0, fmt.Errorf("trainer: resume %s: %w", path, err)
			}
		}
		t.sched.SetEpoch(ck.SchedulerEpoch)
		t.optim.SetLR(t.sched.LR())

		slog.Info("resumed", "path", path, "epoch", ck.Epoch, "run", ck.RunID, "lr", t.optim.LR())
		start = ck.Epoch
	}
	return start, nil
}

// checkStateDict wandelt sd in Tensoren und prueft sie nicht-strikt gegen
// den PromptLearner. Von der Policy verworfene Schluessel zaehlen nicht als
// fehlend.
func (t *Trainer) checkStateDict(ctx ml.Context, sd map[string]checkpoint.Tensor) (map[string]ml.Tensor, encoop.LoadResult, error) {
	tensors := make(map[string]ml.Tensor, len(sd))
	for key, v := range sd {
		tensors[key] = ctx.FromFloats(v.Data, v.Shape...)
	}

	res, err := t.model.PromptLearner.CheckStateDict(tensors, false)
	if err != nil {
		return nil, encoop.LoadResult{}, err
	}
	res.MissingKeys = slices.DeleteFunc(res.MissingKeys, func(key string) bool {
		return !checkpoint.DefaultPolicy.Keep(key)
	})
	return tensors, res, nil
}

// applyStateDict prueft sd und laedt es in den PromptLearner
func (t *Trainer) applyStateDict(sd map[string]checkpoint.Tensor) (encoop.LoadResult, error) {
	ctx := t.backend.NewContext().NoGrad()
	defer ctx.Close()

	tensors, res, err := t.checkStateDict(ctx, sd)
	if err != nil {
		return res, err
	}
	if _, err := t.model.PromptLearner.LoadStateDict(tensors, false); err != nil {
		return encoop.LoadResult{}, err
	}
	return res, nil
}

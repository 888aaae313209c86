// train.go - Trainings-Schleife und Auswertung
// Enthält: Train(), runEpoch(), afterEpoch(), afterTrain(), Test()

package trainer

import (
	"context"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/7blacky7/encoop/checkpoint"
	"github.com/7blacky7/encoop/data"
)

// Split waehlt die Daten fuer Test
type Split string

const (
	SplitVal  Split = "val"
	SplitTest Split = "test"
)

// Train setzt einen vorhandenen Lauf fort und trainiert bis OPTIM.MAX_EPOCH
func (t *Trainer) Train(ctx context.Context) error {
	dir := t.outputDir()
	if t.cfg.Resume != "" {
		dir = t.cfg.Resume
	}
	start, err := t.ResumeIfExists(dir)
	if err != nil {
		return err
	}
	t.startEpoch = start

	begin := time.Now()
	slog.Info("start training", "run", t.runID, "epochs", t.cfg.Optim.MaxEpoch, "start_epoch", t.startEpoch+1)

	for t.epoch = t.startEpoch; t.epoch < t.cfg.Optim.MaxEpoch; t.epoch++ {
		if err := t.runEpoch(ctx); err != nil {
			return err
		}
		if err := t.afterEpoch(ctx); err != nil {
			return err
		}
	}

	if err := t.afterTrain(ctx); err != nil {
		return err
	}
	slog.Info("finished training", "run", t.runID, "elapsed", time.Since(begin).Round(time.Second))
	return nil
}

func (t *Trainer) runEpoch(ctx context.Context) error {
	batches := t.sampler.Batches(t.rng)
	t.numBatches = len(batches)

	var losses, accs []float64
	begin := time.Now()
	freq := max(t.cfg.Train.PrintFreq, 1)

	for i, idxs := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		t.batchIdx = i

		b, err := t.trainLoader.Load(ctx, idxs, t.epoch)
		if err != nil {
			return err
		}

		lr := t.optim.LR()
		s, err := t.ForwardBackward(b)
		if err != nil {
			return err
		}
		losses = append(losses, s.Loss)
		accs = append(accs, s.Acc)

		if (i+1)%freq == 0 || t.numBatches < freq {
			perBatch := time.Since(begin) / time.Duration(i+1)
			remaining := (t.numBatches - i - 1) + (t.cfg.Optim.MaxEpoch-t.epoch-1)*t.numBatches
			slog.Info("train",
				"epoch", t.epoch+1, "max_epoch", t.cfg.Optim.MaxEpoch,
				"batch", i+1, "num_batches", t.numBatches,
				"loss", stat.Mean(losses, nil), "acc", stat.Mean(accs, nil),
				"lr", lr, "eta", (perBatch * time.Duration(remaining)).Round(time.Second))
		}
	}
	return nil
}

func (t *Trainer) afterEpoch(ctx context.Context) error {
	last := t.epoch+1 == t.cfg.Optim.MaxEpoch
	doTest := !t.cfg.Test.NoTest
	freq := t.cfg.Train.CheckpointFreq
	meetFreq := freq > 0 && (t.epoch+1)%freq == 0

	if doTest && t.cfg.Test.FinalModel == "best_val" {
		res, err := t.Test(ctx, SplitVal)
		if err != nil {
			return err
		}
		if res.Accuracy > t.bestResult {
			t.bestResult = res.Accuracy
			if err := t.SaveModel(t.epoch, t.outputDir(), &res.Accuracy, checkpoint.BestFile); err != nil {
				return err
			}
		}
	}

	if meetFreq || last {
		return t.SaveModel(t.epoch, t.outputDir(), nil, "")
	}
	return nil
}

func (t *Trainer) afterTrain(ctx context.Context) error {
	if t.cfg.Test.NoTest {
		return nil
	}

	if t.cfg.Test.FinalModel == "best_val" {
		slog.Info("deploy the model with the best val performance")
		if err := t.LoadModel(t.outputDir(), 0); err != nil {
			return err
		}
	} else {
		slog.Info("deploy the last-epoch model")
	}

	_, err := t.Test(ctx, SplitTest)
	return err
}

// Test wertet den Split mit EnsembleInference aus. SplitVal ohne
// Validierungsdaten faellt auf die Testdaten zurueck.
func (t *Trainer) Test(ctx context.Context, split Split) (Result, error) {
	items := t.dataset.Test
	if split == SplitVal && len(t.dataset.Val) > 0 {
		items = t.dataset.Val
	} else {
		split = SplitTest
	}

	loader := data.NewLoader(items, t.testPipeline, t.workers, t.seed)
	sampler := data.NewSequentialSampler(len(items), t.cfg.DataLoader.Test.BatchSize)
	ev := NewEvaluator(t.dataset.ClassNames, t.cfg.Test.PerClassResult)

	slog.Info("evaluate", "split", split, "images", len(items))
	for _, idxs := range sampler.Batches(nil) {
		b, err := loader.Load(ctx, idxs, 0)
		if err != nil {
			return Result{}, err
		}

		mctx := t.backend.NewContext().NoGrad()
		logits, err := t.model.EnsembleInference(mctx, mctx.FromFloats(b.Images, b.Shape[:]...))
		if err != nil {
			mctx.Close()
			return Result{}, err
		}
		ev.Process(logits.Floats(), b.Labels)
		mctx.Close()
	}

	res := ev.Evaluate()
	slog.Info("evaluation result", "split", split, "total", res.Total, "correct", res.Correct,
		"accuracy", res.Accuracy, "error", res.Error, "macro_f1", res.MacroF1)
	res.Render(t.out)
	return res, nil
}

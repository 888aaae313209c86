// convert.go - Validierung und Abbildung auf die Paket-Optionen
// Enthält: Validate, TransformOptions, OptimConfig, SchedulerConfig,
// DatasetOptions, ModelOptions, SplitBatch

package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/7blacky7/encoop/data"
	"github.com/7blacky7/encoop/model/models/encoop"
	"github.com/7blacky7/encoop/optim"
	"github.com/7blacky7/encoop/vision"
)

var precisions = []string{"fp16", "fp32", "amp"}

// Validate prueft die Konfiguration und gibt alle Fehler gesammelt zurueck
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if !slices.Contains(precisions, c.Trainer.CoOp.Prec) {
		invalid("TRAINER.COOP.PREC must be one of %v, got %q", precisions, c.Trainer.CoOp.Prec)
	}
	if c.DataLoader.TrainX.Sampler != "RandomDomainSampler" {
		invalid("DATALOADER.TRAIN_X.SAMPLER must be RandomDomainSampler, got %q", c.DataLoader.TrainX.Sampler)
	}
	if n := c.DataLoader.TrainX.NDomain; n > 0 && c.DataLoader.TrainX.BatchSize%n != 0 {
		invalid("DATALOADER.TRAIN_X.BATCH_SIZE %d is not divisible by N_DOMAIN %d", c.DataLoader.TrainX.BatchSize, n)
	}
	if c.DataLoader.TrainX.BatchSize <= 0 || c.DataLoader.Test.BatchSize <= 0 {
		invalid("batch sizes must be positive")
	}
	if c.Trainer.CoOp.NCtx <= 0 && strings.TrimSpace(c.Trainer.CoOp.CtxInit) == "" {
		invalid("TRAINER.COOP.N_CTX must be positive without CTX_INIT")
	}
	switch encoop.Placement(c.Trainer.CoOp.ClassTokenPosition) {
	case encoop.PlacementEnd, encoop.PlacementMiddle, encoop.PlacementFront:
	default:
		invalid("TRAINER.COOP.CLASS_TOKEN_POSITION %q", c.Trainer.CoOp.ClassTokenPosition)
	}
	if c.Input.Size[0] <= 0 || c.Input.Size[1] <= 0 {
		invalid("INPUT.SIZE %v", c.Input.Size)
	}
	if _, err := vision.ParseInterpolation(c.Input.Interpolation); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	if len(c.Input.PixelMean) != 3 || len(c.Input.PixelStd) != 3 {
		invalid("INPUT.PIXEL_MEAN and INPUT.PIXEL_STD need 3 values")
	}
	if c.Optim.MaxEpoch <= 0 {
		invalid("OPTIM.MAX_EPOCH must be positive")
	}
	if c.Test.FinalModel != "last_step" && c.Test.FinalModel != "best_val" {
		invalid("TEST.FINAL_MODEL %q", c.Test.FinalModel)
	}

	return errors.Join(errs...)
}

// TransformOptions bildet den INPUT Block ab
func (c *Config) TransformOptions() (vision.TransformOptions, error) {
	interp, err := vision.ParseInterpolation(c.Input.Interpolation)
	if err != nil {
		return vision.TransformOptions{}, err
	}

	opts := vision.TransformOptions{
		Size:          c.Input.Size,
		Interpolation: interp,
		Transforms:    slices.Clone(c.Input.Transforms),
		Scale:         c.Input.RRCropScale,
	}
	copy(opts.Mean[:], c.Input.PixelMean)
	copy(opts.Std[:], c.Input.PixelStd)
	return opts, nil
}

// OptimConfig bildet den Optimierer-Teil von OPTIM ab
func (c *Config) OptimConfig() optim.Config {
	return optim.Config{
		Name:        c.Optim.Name,
		LR:          c.Optim.LR,
		WeightDecay: c.Optim.WeightDecay,
		Momentum:    c.Optim.Momentum,
		Dampening:   c.Optim.SGDDampening,
		Nesterov:    c.Optim.SGDNesterov,
		Beta1:       c.Optim.AdamBeta1,
		Beta2:       c.Optim.AdamBeta2,
		Eps:         1e-8,
	}
}

// SchedulerConfig bildet den Scheduler-Teil von OPTIM ab
func (c *Config) SchedulerConfig() optim.SchedulerConfig {
	return optim.SchedulerConfig{
		Name:     c.Optim.LRScheduler,
		MaxEpoch: c.Optim.MaxEpoch,
		StepSize: slices.Clone(c.Optim.StepSize),
		Gamma:    c.Optim.Gamma,
		Warmup: optim.WarmupConfig{
			Epochs:  c.Optim.WarmupEpoch,
			Type:    c.Optim.WarmupType,
			ConsLR:  c.Optim.WarmupConsLR,
			MinLR:   c.Optim.WarmupMinLR,
			Recount: c.Optim.WarmupRecount,
		},
	}
}

// DatasetOptions bildet den DATASET Block ab
func (c *Config) DatasetOptions() data.Options {
	return data.Options{
		Root:          c.Dataset.Root,
		Name:          c.Dataset.Name,
		SourceDomains: slices.Clone(c.Dataset.SourceDomains),
		TargetDomains: slices.Clone(c.Dataset.TargetDomains),
		NumShots:      c.Dataset.NumShots,
		Seed:          c.SeedValue(),
	}
}

// NumDomains ist die Anzahl der Quell-Domains
func (c *Config) NumDomains() int {
	return len(c.Dataset.SourceDomains)
}

// ModelOptions bildet TRAINER.COOP auf die Modell-Optionen ab
func (c *Config) ModelOptions() encoop.Options {
	return encoop.Options{
		Prompt: encoop.PromptOptions{
			NumDomains:    c.NumDomains(),
			NCtx:          c.Trainer.CoOp.NCtx,
			CtxInit:       c.Trainer.CoOp.CtxInit,
			ClassSpecific: c.Trainer.CoOp.CSC,
			Position:      encoop.Placement(c.Trainer.CoOp.ClassTokenPosition),
			ImageSize:     c.Input.Size[0],
			Seed:          c.SeedValue(),
		},
		SplitBatch: c.SplitBatch(),
	}
}

// SplitBatch ist die Chunk-Groesse des Trainings-Forward: ein Chunk je
// Domain-Block des RandomDomainSampler
func (c *Config) SplitBatch() int {
	n := c.DataLoader.TrainX.NDomain
	if n <= 0 {
		n = c.NumDomains()
	}
	if n <= 0 {
		return 0
	}
	return c.DataLoader.TrainX.BatchSize / n
}

// SeedValue gibt SEED als Startwert zurueck. Negative Werte ergeben 0.
func (c *Config) SeedValue() uint64 {
	return uint64(max(c.Seed, 0))
}

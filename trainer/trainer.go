// Package trainer enthaelt den EnCoOp Trainer: Aufbau des Modells,
// forward_backward pro Batch, die Trainings-Schleife mit Checkpoints und
// die Auswertung per Domain-Ensemble.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/7blacky7/encoop/backbone"
	"github.com/7blacky7/encoop/checkpoint"
	"github.com/7blacky7/encoop/config"
	"github.com/7blacky7/encoop/data"
	"github.com/7blacky7/encoop/envconfig"
	"github.com/7blacky7/encoop/ml"
	"github.com/7blacky7/encoop/model/models/clip"
	"github.com/7blacky7/encoop/model/models/encoop"
	"github.com/7blacky7/encoop/optim"
	"github.com/7blacky7/encoop/tokenizer"
	"github.com/7blacky7/encoop/vision"
)

// ModelName ist der Name, unter dem der PromptLearner registriert ist
const ModelName = "prompt_learner"

var (
	ErrNoTrainableParameters = errors.New("trainer: model has no trainable parameters")
	ErrLossNotFinite         = errors.New("trainer: loss is not finite")
)

// Trainer haelt Modell, Optimierer, Scheduler und Daten eines Laufs
type Trainer struct {
	cfg     *config.Config
	dataset *data.Dataset
	model   *encoop.CustomCLIP
	backend ml.Backend

	params []optim.Param
	optim  optim.Optimizer
	sched  *optim.Scheduler
	scaler *optim.GradScaler

	sampler      *data.RandomDomainSampler
	trainLoader  *data.Loader
	testPipeline *vision.Pipeline
	workers      int
	seed         uint64
	rng          *rand.Rand
	runID        string
	out          io.Writer
	nDomain      int
	numClasses   int
	startEpoch   int
	epoch        int
	batchIdx     int
	numBatches   int
	bestResult   float64
}

// Build laedt Datensatz und Backbone und baut den Trainer
func Build(ctx context.Context, cfg *config.Config, r *backbone.Resolver) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ds, err := data.Build(cfg.DatasetOptions())
	if err != nil {
		return nil, err
	}

	params := ml.BackendParams{DType: ml.DTypeF32, NumThreads: cfg.DataLoader.NumWorkers}
	if cfg.Trainer.CoOp.Prec == "fp16" {
		params.DType = ml.DTypeF16
	}

	slog.Info("loading CLIP", "backbone", cfg.Model.Backbone.Name, "dtype", params.DType)
	m, err := r.Load(ctx, cfg.Model.Backbone.Name, params)
	if err != nil {
		return nil, err
	}

	tok, err := backbone.Tokenizer(m)
	if err != nil {
		return nil, err
	}

	return New(cfg, ds, m, tok)
}

// New baut den Trainer fuer ein geladenes Backbone
func New(cfg *config.Config, ds *data.Dataset, m *clip.Model, tok *tokenizer.Tokenizer) (*Trainer, error) {
	seed := cfg.SeedValue()
	if cfg.Seed < 0 {
		seed = rand.Uint64()
	}

	t := &Trainer{
		cfg:        cfg,
		dataset:    ds,
		backend:    m.Backend(),
		seed:       seed,
		rng:        rand.New(rand.NewPCG(seed, seed^0xda3e39cb94b95bdb)),
		runID:      uuid.NewString(),
		out:        os.Stdout,
		numClasses: ds.NumClasses(),
		bestResult: -1,
	}

	t.nDomain = cfg.DataLoader.TrainX.NDomain
	if t.nDomain <= 0 {
		t.nDomain = len(ds.SourceDomains)
	}

	opts := cfg.ModelOptions()
	opts.Prompt.NumDomains = len(ds.SourceDomains)
	opts.SplitBatch = cfg.DataLoader.TrainX.BatchSize / t.nDomain

	slog.Info("Building custom CLIP", "run", t.runID, "classes", t.numClasses,
		"domains", opts.Prompt.NumDomains, "split_batch", opts.SplitBatch)
	model, err := encoop.NewCustomCLIP(opts, ds.ClassNames, m, tok)
	if err != nil {
		return nil, err
	}
	t.model = model

	slog.Info("Turning off gradients in both the image and the text encoder")
	var frozen int
	for _, p := range model.Parameters() {
		p.Tensor.SetRequiresGrad(p.Trainable)
		if !p.Trainable {
			frozen++
			continue
		}
		t.params = append(t.params, optim.Param{Name: p.Name, Tensor: p.Tensor})
	}
	if len(t.params) == 0 {
		return nil, ErrNoTrainableParameters
	}
	slog.Info("parameters", "trainable", len(t.params), "frozen", frozen)

	if cfg.Model.InitWeights != "" {
		if err := t.loadInitWeights(cfg.Model.InitWeights); err != nil {
			return nil, err
		}
	}

	if t.optim, err = optim.New(cfg.OptimConfig(), t.params); err != nil {
		return nil, err
	}
	if t.sched, err = optim.NewScheduler(cfg.SchedulerConfig(), cfg.Optim.LR); err != nil {
		return nil, err
	}
	t.optim.SetLR(t.sched.LR())

	if cfg.Trainer.CoOp.Prec == "amp" {
		t.scaler = optim.NewGradScaler()
	}

	if err := t.buildLoaders(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trainer) buildLoaders() error {
	topts, err := t.cfg.TransformOptions()
	if err != nil {
		return err
	}

	train, err := vision.NewPipeline(topts, true)
	if err != nil {
		return err
	}
	if t.testPipeline, err = vision.NewPipeline(topts, false); err != nil {
		return err
	}

	t.workers = t.cfg.DataLoader.NumWorkers
	if n := envconfig.NumWorkers(); n > 0 {
		t.workers = int(n)
	}

	t.sampler, err = data.NewRandomDomainSampler(t.dataset.TrainX, t.cfg.DataLoader.TrainX.BatchSize, t.nDomain)
	if err != nil {
		return err
	}
	t.trainLoader = data.NewLoader(t.dataset.TrainX, train, t.workers, t.seed)
	return nil
}

// loadInitWeights laedt MODEL.INIT_WEIGHTS in den PromptLearner
func (t *Trainer) loadInitWeights(path string) error {
	ck, err := checkpoint.Load(path, checkpoint.DefaultPolicy)
	if err != nil {
		return err
	}

	res, err := t.applyStateDict(ck.StateDict)
	if err != nil {
		return fmt.Errorf("trainer: init weights %s: %w", path, err)
	}
	slog.Info("loaded init weights", "path", path, "missing", res.MissingKeys, "unexpected", res.UnexpectedKeys)
	return nil
}

// SetOutput setzt das Ziel der Ergebnis-Tabellen (Default os.Stdout)
func (t *Trainer) SetOutput(w io.Writer) {
	t.out = w
}

func (t *Trainer) Model() *encoop.CustomCLIP {
	return t.model
}

func (t *Trainer) Dataset() *data.Dataset {
	return t.dataset
}

func (t *Trainer) RunID() string {
	return t.runID
}

// ModelNames listet die registrierten Modelle
func (t *Trainer) ModelNames() []string {
	return []string{ModelName}
}

// Epoch ist die aktuelle Epoche, StartEpoch die erste des Laufs
func (t *Trainer) Epoch() int {
	return t.epoch
}

func (t *Trainer) StartEpoch() int {
	return t.startEpoch
}

// LR ist die aktuelle Lernrate des Optimierers
func (t *Trainer) LR() float64 {
	return t.optim.LR()
}

func (t *Trainer) outputDir() string {
	return filepath.Clean(t.cfg.OutputDir)
}

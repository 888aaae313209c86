// Package config enthaelt die Trainer-Konfiguration im yacs-Format der
// CoOp YAML Dateien (Schluessel in Grossbuchstaben, verschachtelt).
//
// Reihenfolge beim Aufbau: Defaults, Dataset-Datei, Trainer-Datei,
// CLI-Flags, "KEY VALUE" Overrides. Danach Validate.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownKey    = errors.New("config: unknown key")
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Pair ist ein (H, W) Paar. Akzeptiert werden Listen und die yacs
// Tupel-Schreibweise "(224, 224)".
type Pair [2]int

func (p *Pair) UnmarshalYAML(node *yaml.Node) error {
	var ints []int
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&ints); err != nil {
			return err
		}
	case yaml.ScalarNode:
		s := strings.Trim(strings.TrimSpace(node.Value), "()[]")
		for f := range strings.SplitSeq(s, ",") {
			if f = strings.TrimSpace(f); f == "" {
				continue
			}
			n, err := strconv.Atoi(f)
			if err != nil {
				return fmt.Errorf("config: line %d: %q is not a pair of integers", node.Line, node.Value)
			}
			ints = append(ints, n)
		}
	default:
		return fmt.Errorf("config: line %d: expected a pair", node.Line)
	}

	switch len(ints) {
	case 1:
		*p = Pair{ints[0], ints[0]}
	case 2:
		*p = Pair{ints[0], ints[1]}
	default:
		return fmt.Errorf("config: line %d: expected 2 values, got %d", node.Line, len(ints))
	}
	return nil
}

func (p Pair) MarshalYAML() (any, error) {
	return []int{p[0], p[1]}, nil
}

// FloatPair ist ein Paar von Gleitkommazahlen, z.B. RRCROP_SCALE
type FloatPair [2]float64

func (p *FloatPair) UnmarshalYAML(node *yaml.Node) error {
	var fs []float64
	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&fs); err != nil {
			return err
		}
	case yaml.ScalarNode:
		s := strings.Trim(strings.TrimSpace(node.Value), "()[]")
		for f := range strings.SplitSeq(s, ",") {
			if f = strings.TrimSpace(f); f == "" {
				continue
			}
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return fmt.Errorf("config: line %d: %q is not a pair of numbers", node.Line, node.Value)
			}
			fs = append(fs, v)
		}
	}
	if len(fs) != 2 {
		return fmt.Errorf("config: line %d: expected 2 values, got %d", node.Line, len(fs))
	}
	*p = FloatPair{fs[0], fs[1]}
	return nil
}

func (p FloatPair) MarshalYAML() (any, error) {
	return []float64{p[0], p[1]}, nil
}

type Input struct {
	Size          Pair      `yaml:"SIZE"`
	Interpolation string    `yaml:"INTERPOLATION"`
	Transforms    []string  `yaml:"TRANSFORMS"`
	PixelMean     []float32 `yaml:"PIXEL_MEAN"`
	PixelStd      []float32 `yaml:"PIXEL_STD"`
	RRCropScale   FloatPair `yaml:"RRCROP_SCALE"`
}

type Dataset struct {
	Root          string   `yaml:"ROOT"`
	Name          string   `yaml:"NAME"`
	SourceDomains []string `yaml:"SOURCE_DOMAINS"`
	TargetDomains []string `yaml:"TARGET_DOMAINS"`
	NumShots      int      `yaml:"NUM_SHOTS"`
}

type TrainX struct {
	Sampler   string `yaml:"SAMPLER"`
	BatchSize int    `yaml:"BATCH_SIZE"`
	NDomain   int    `yaml:"N_DOMAIN"`
}

type TestLoader struct {
	BatchSize int `yaml:"BATCH_SIZE"`
}

type DataLoader struct {
	NumWorkers int        `yaml:"NUM_WORKERS"`
	TrainX     TrainX     `yaml:"TRAIN_X"`
	Test       TestLoader `yaml:"TEST"`
}

type Backbone struct {
	Name string `yaml:"NAME"`
}

type Model struct {
	Backbone    Backbone `yaml:"BACKBONE"`
	InitWeights string   `yaml:"INIT_WEIGHTS"`
}

type Optim struct {
	Name         string  `yaml:"NAME"`
	LR           float64 `yaml:"LR"`
	WeightDecay  float64 `yaml:"WEIGHT_DECAY"`
	Momentum     float64 `yaml:"MOMENTUM"`
	SGDDampening float64 `yaml:"SGD_DAMPNING"`
	SGDNesterov  bool    `yaml:"SGD_NESTEROV"`
	AdamBeta1    float64 `yaml:"ADAM_BETA1"`
	AdamBeta2    float64 `yaml:"ADAM_BETA2"`

	MaxEpoch    int     `yaml:"MAX_EPOCH"`
	LRScheduler string  `yaml:"LR_SCHEDULER"`
	StepSize    []int   `yaml:"STEPSIZE"`
	Gamma       float64 `yaml:"GAMMA"`

	WarmupEpoch   int     `yaml:"WARMUP_EPOCH"`
	WarmupType    string  `yaml:"WARMUP_TYPE"`
	WarmupConsLR  float64 `yaml:"WARMUP_CONS_LR"`
	WarmupMinLR   float64 `yaml:"WARMUP_MIN_LR"`
	WarmupRecount bool    `yaml:"WARMUP_RECOUNT"`
}

type Train struct {
	PrintFreq      int `yaml:"PRINT_FREQ"`
	CheckpointFreq int `yaml:"CHECKPOINT_FREQ"`
}

type Test struct {
	NoTest         bool   `yaml:"NO_TEST"`
	FinalModel     string `yaml:"FINAL_MODEL"`
	PerClassResult bool   `yaml:"PER_CLASS_RESULT"`
}

type CoOp struct {
	NCtx               int    `yaml:"N_CTX"`
	CtxInit            string `yaml:"CTX_INIT"`
	CSC                bool   `yaml:"CSC"`
	ClassTokenPosition string `yaml:"CLASS_TOKEN_POSITION"`
	Prec               string `yaml:"PREC"`
}

type Trainer struct {
	Name string `yaml:"NAME"`
	CoOp CoOp   `yaml:"COOP"`
}

// Config ist die vollstaendige Trainer-Konfiguration
type Config struct {
	OutputDir  string     `yaml:"OUTPUT_DIR"`
	Resume     string     `yaml:"RESUME"`
	Seed       int        `yaml:"SEED"`
	Input      Input      `yaml:"INPUT"`
	Dataset    Dataset    `yaml:"DATASET"`
	DataLoader DataLoader `yaml:"DATALOADER"`
	Model      Model      `yaml:"MODEL"`
	Optim      Optim      `yaml:"OPTIM"`
	Train      Train      `yaml:"TRAIN"`
	Test       Test       `yaml:"TEST"`
	Trainer    Trainer    `yaml:"TRAINER"`
}

// Default gibt die Defaults des Trainers zurueck
func Default() *Config {
	return &Config{
		OutputDir: "./output",
		Seed:      -1,
		Input: Input{
			Size:          Pair{224, 224},
			Interpolation: "bilinear",
			Transforms:    []string{"random_resized_crop", "random_flip", "normalize"},
			PixelMean:     []float32{0.485, 0.456, 0.406},
			PixelStd:      []float32{0.229, 0.224, 0.225},
			RRCropScale:   FloatPair{0.08, 1},
		},
		DataLoader: DataLoader{
			NumWorkers: 4,
			TrainX:     TrainX{Sampler: "RandomDomainSampler", BatchSize: 32},
			Test:       TestLoader{BatchSize: 32},
		},
		Model: Model{Backbone: Backbone{Name: "ViT-B/16"}},
		Optim: Optim{
			Name:          "sgd",
			LR:            0.002,
			WeightDecay:   5e-4,
			Momentum:      0.9,
			AdamBeta1:     0.9,
			AdamBeta2:     0.999,
			MaxEpoch:      10,
			LRScheduler:   "cosine",
			StepSize:      []int{-1},
			Gamma:         0.1,
			WarmupEpoch:   -1,
			WarmupType:    "linear",
			WarmupConsLR:  1e-5,
			WarmupMinLR:   1e-5,
			WarmupRecount: true,
		},
		Train: Train{PrintFreq: 10, CheckpointFreq: 0},
		Test:  Test{FinalModel: "last_step"},
		Trainer: Trainer{
			Name: "EnCoOp",
			CoOp: CoOp{
				NCtx:               16,
				ClassTokenPosition: "end",
				Prec:               "fp16",
			},
		},
	}
}

// Load baut die Konfiguration aus den Defaults und den Dateien in
// Reihenfolge. Leere Pfade werden uebersprungen.
func Load(files ...string) (*Config, error) {
	cfg := Default()
	for _, path := range files {
		if path == "" {
			continue
		}
		if err := cfg.MergeFromFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// MergeFromFile ueberschreibt die in path gesetzten Schluessel
func (c *Config) MergeFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := c.merge(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Config) merge(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// MergeFromList setzt Schluessel aus einer Liste "KEY VALUE KEY VALUE ...",
// z.B. []string{"OPTIM.LR", "0.01", "TRAINER.COOP.CSC", "True"}
func (c *Config) MergeFromList(opts []string) error {
	if len(opts)%2 != 0 {
		return fmt.Errorf("%w: override list has odd length %d", ErrInvalidConfig, len(opts))
	}
	if len(opts) == 0 {
		return nil
	}

	var root yaml.Node
	if err := root.Encode(c); err != nil {
		return err
	}

	for i := 0; i < len(opts); i += 2 {
		key, value := opts[i], opts[i+1]

		target, err := lookup(&root, key)
		if err != nil {
			return err
		}

		var v yaml.Node
		if err := yaml.Unmarshal([]byte(pythonLiteral(value)), &v); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
		}
		if len(v.Content) == 0 {
			return fmt.Errorf("%w: %s: empty value", ErrInvalidConfig, key)
		}
		*target = *v.Content[0]
	}

	var next Config
	if err := root.Decode(&next); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	*c = next
	return nil
}

// lookup folgt dem gepunkteten Pfad durch die Mapping-Knoten
func lookup(root *yaml.Node, key string) (*yaml.Node, error) {
	node := root
	for part := range strings.SplitSeq(key, ".") {
		if node.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}

		var next *yaml.Node
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == part {
				next = node.Content[i+1]
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		node = next
	}
	return node, nil
}

// pythonLiteral uebersetzt die Python-Schreibweisen der yacs Overrides
// (True, False, None, Tupel) in YAML
func pythonLiteral(s string) string {
	switch s {
	case "True":
		return "true"
	case "False":
		return "false"
	case "None":
		return `""`
	}
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return "[" + s[1:len(s)-1] + "]"
	}
	return s
}

// cmd_train.go - train Command
// Hauptfunktionen: newTrainCmd, TrainHandler, buildConfig
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/7blacky7/encoop/backbone"
	"github.com/7blacky7/encoop/config"
	"github.com/7blacky7/encoop/trainer"
)

// newTrainCmd - Erstellt den train Command
func newTrainCmd() *cobra.Command {
	trainCmd := &cobra.Command{
		Use:   "train [flags] [KEY VALUE ...]",
		Short: "Train per-domain prompt contexts, or evaluate a trained model",
		Long: `Train per-domain prompt contexts on the source domains and evaluate
on the target domains. Trailing KEY VALUE pairs override configuration keys,
e.g. OPTIM.LR 0.01 TRAINER.COOP.N_CTX 8.`,
		RunE: TrainHandler,
	}

	f := trainCmd.Flags()
	f.String("root", "", "Path to the dataset directory")
	f.String("output-dir", "", "Output directory")
	f.String("resume", "", "Checkpoint directory to resume from")
	f.Int("seed", -1, "Random seed, negative for a random one")
	f.StringSlice("source-domains", nil, "Source domains for domain generalization")
	f.StringSlice("target-domains", nil, "Target domains for domain generalization")
	f.StringSlice("transforms", nil, "Data augmentation methods")
	f.String("backbone", "", "Name of the CLIP backbone")
	f.String("config-file", "", "Path to the trainer config file")
	f.String("dataset-config-file", "", "Path to the dataset config file")
	f.Bool("eval-only", false, "Evaluation only")
	f.String("model-dir", "", "Load model from this directory for eval-only mode")
	f.Int("load-epoch", 0, "Load model weights at this epoch for evaluation, 0 for model-best")
	f.Bool("no-train", false, "Do not call trainer.Train()")

	return trainCmd
}

// buildConfig - Defaults, Dataset-Datei, Trainer-Datei, Flags, Overrides
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	f := cmd.Flags()

	datasetFile, _ := f.GetString("dataset-config-file")
	configFile, _ := f.GetString("config-file")
	cfg, err := config.Load(datasetFile, configFile)
	if err != nil {
		return nil, err
	}

	if f.Changed("root") {
		cfg.Dataset.Root, _ = f.GetString("root")
	}
	if f.Changed("output-dir") {
		cfg.OutputDir, _ = f.GetString("output-dir")
	}
	if f.Changed("resume") {
		cfg.Resume, _ = f.GetString("resume")
	}
	if f.Changed("seed") {
		cfg.Seed, _ = f.GetInt("seed")
	}
	if f.Changed("source-domains") {
		cfg.Dataset.SourceDomains, _ = f.GetStringSlice("source-domains")
	}
	if f.Changed("target-domains") {
		cfg.Dataset.TargetDomains, _ = f.GetStringSlice("target-domains")
	}
	if f.Changed("transforms") {
		cfg.Input.Transforms, _ = f.GetStringSlice("transforms")
	}
	if f.Changed("backbone") {
		cfg.Model.Backbone.Name, _ = f.GetString("backbone")
	}

	if err := cfg.MergeFromList(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openLog - Schreibt Logs zusaetzlich nach <output-dir>/log.txt
func openLog(cfg *config.Config) (io.Closer, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(cfg.OutputDir, "log.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	setupLogging(io.MultiWriter(os.Stderr, f))
	return f, nil
}

// TrainHandler - Baut Konfiguration und Trainer, trainiert und wertet aus
func TrainHandler(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	logFile, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer logFile.Close()

	if out, err := yaml.Marshal(cfg); err == nil {
		slog.Debug("config\n" + string(out))
	}

	t, err := trainer.Build(cmd.Context(), cfg, backbone.DefaultResolver())
	if err != nil {
		return err
	}
	t.SetOutput(cmd.OutOrStdout())

	if evalOnly, _ := cmd.Flags().GetBool("eval-only"); evalOnly {
		modelDir, _ := cmd.Flags().GetString("model-dir")
		epoch, _ := cmd.Flags().GetInt("load-epoch")
		if err := t.LoadModel(modelDir, epoch); err != nil {
			return err
		}
		_, err := t.Test(cmd.Context(), trainer.SplitTest)
		return err
	}

	if noTrain, _ := cmd.Flags().GetBool("no-train"); noTrain {
		fmt.Fprintln(cmd.OutOrStdout(), "model built, skipping training")
		return nil
	}
	return t.Train(cmd.Context())
}

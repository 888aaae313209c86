// cmd_convert.go - convert und pull Commands
// Hauptfunktionen: ConvertHandler, PullHandler
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/7blacky7/encoop/backbone"
	"github.com/7blacky7/encoop/convert"
	"github.com/7blacky7/encoop/envconfig"
	fsggml "github.com/7blacky7/encoop/fs/ggml"
	"github.com/7blacky7/encoop/tokenizer"
)

// newConvertCmd - Erstellt den convert Command
func newConvertCmd() *cobra.Command {
	convertCmd := &cobra.Command{
		Use:   "convert SRC.pt DST.gguf",
		Short: "Convert a raw CLIP state dict into a compiled GGUF backbone",
		Args:  cobra.ExactArgs(2),
		RunE:  ConvertHandler,
	}

	convertCmd.Flags().String("type", "", "Tensor type of the output (f32, f16, bf16), default keeps the source type")
	convertCmd.Flags().String("bpe", "", "BPE merges file embedded into the output (default $ENCOOP_BPE)")
	return convertCmd
}

// newPullCmd - Erstellt den pull Command
func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull NAME [NAME ...]",
		Short: "Download backbones into the backbone directory",
		Long:  "Download backbones into the backbone directory. Known names: " + strings.Join(backbone.Available(), ", "),
		Args:  cobra.MinimumNArgs(1),
		RunE:  PullHandler,
	}
}

func parseTensorType(s string) (*fsggml.TensorType, error) {
	var kind fsggml.TensorType
	switch strings.ToLower(s) {
	case "":
		return nil, nil
	case "f32":
		kind = fsggml.TensorTypeF32
	case "f16":
		kind = fsggml.TensorTypeF16
	case "bf16":
		kind = fsggml.TensorTypeBF16
	default:
		return nil, fmt.Errorf("unsupported tensor type %q (f32, f16, bf16)", s)
	}
	return &kind, nil
}

// ConvertHandler - Konvertiert ein rohes Archiv in ein kompiliertes GGUF
func ConvertHandler(cmd *cobra.Command, args []string) error {
	typ, _ := cmd.Flags().GetString("type")
	kind, err := parseTensorType(typ)
	if err != nil {
		return err
	}

	opts := convert.Options{Kind: kind}

	bpe, _ := cmd.Flags().GetString("bpe")
	explicit := bpe != ""
	if !explicit {
		bpe = envconfig.BPE()
	}

	f, err := os.Open(bpe)
	switch {
	case err == nil:
		opts.Merges, err = tokenizer.ParseMerges(f)
		f.Close()
		if err != nil {
			return err
		}
	case !explicit && errors.Is(err, os.ErrNotExist):
		slog.Warn("no BPE merges found, output needs ENCOOP_BPE at load time", "path", bpe)
	default:
		return err
	}

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}

	if err := convert.ConvertModel(args[0], out, opts); err != nil {
		out.Close()
		os.Remove(args[1])
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "converted %s to %s\n", args[0], args[1])
	return nil
}

// PullHandler - Laedt die Backbones nach ENCOOP_MODELS
func PullHandler(cmd *cobra.Command, args []string) error {
	paths, err := backbone.DefaultResolver().Pull(cmd.Context(), args...)
	if err != nil {
		return err
	}

	for i, p := range paths {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", args[i], p)
	}
	return nil
}

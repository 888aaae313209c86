// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs, setupLogging
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/7blacky7/encoop/envconfig"
	"github.com/7blacky7/encoop/logutil"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// setupLogging - Installiert den Default-Logger mit dem Level aus ENCOOP_DEBUG
func setupLogging(w io.Writer) {
	slog.SetDefault(logutil.NewLogger(w, envconfig.LogLevel()))
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "encoop",
		Short:         "Per-domain prompt learning for a frozen CLIP backbone",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(os.Stderr)
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(cmd.UsageString())
		},
	}

	trainCmd := newTrainCmd()
	convertCmd := newConvertCmd()
	pullCmd := newPullCmd()
	envCmd := newEnvCmd()

	envVars := envconfig.AsMap()
	for _, cmd := range []*cobra.Command{trainCmd, convertCmd, pullCmd} {
		switch cmd {
		case trainCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["ENCOOP_DEBUG"],
				envVars["ENCOOP_MODELS"],
				envVars["ENCOOP_BACKBONE_URL"],
				envVars["ENCOOP_BPE"],
				envVars["ENCOOP_NUM_WORKERS"],
				envVars["ENCOOP_NO_DOWNLOAD"],
			})
		case pullCmd:
			appendEnvDocs(cmd, []envconfig.EnvVar{
				envVars["ENCOOP_MODELS"],
				envVars["ENCOOP_BACKBONE_URL"],
				envVars["ENCOOP_DOWNLOAD_TIMEOUT"],
				envVars["ENCOOP_DOWNLOAD_RETRIES"],
			})
		default:
			appendEnvDocs(cmd, []envconfig.EnvVar{envVars["ENCOOP_DEBUG"], envVars["ENCOOP_BPE"]})
		}
	}

	rootCmd.AddCommand(trainCmd, convertCmd, pullCmd, envCmd)
	return rootCmd
}

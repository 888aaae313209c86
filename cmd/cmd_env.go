// cmd_env.go - env Command
// Hauptfunktionen: newEnvCmd, EnvHandler
package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/7blacky7/encoop/envconfig"
)

// newEnvCmd - Erstellt den env Command
func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the effective environment configuration",
		Args:  cobra.NoArgs,
		RunE:  EnvHandler,
	}
}

// EnvHandler - Listet alle Umgebungsvariablen mit ihrem aktuellen Wert
func EnvHandler(cmd *cobra.Command, args []string) error {
	envs := envconfig.AsMap()

	var data [][]string
	for _, k := range slices.Sorted(maps.Keys(envs)) {
		e := envs[k]
		data = append(data, []string{e.Name, fmt.Sprint(e.Value), e.Description})
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"NAME", "VALUE", "DESCRIPTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.SetAutoWrapText(false)
	table.AppendBulk(data)
	table.Render()
	return nil
}

package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	statusadapter "github.com/bnema/questd/internal/adapters/render/status"
	"github.com/bnema/questd/internal/application"
)

func newStatusCmd(app *app) *cobra.Command {
	var asJSON bool
	var asYAML bool
	var logs int
	var width int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker slots and sessions of the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asJSON && asYAML {
				return errors.New("--json and --yaml are mutually exclusive")
			}

			report, err := app.controlClient().Status(cmd.Context())
			if err != nil {
				return app.controlError(err)
			}
			return writeStatusOutput(cmd, app, report, statusadapter.RenderOptions{Logs: logs, Width: width}, asJSON, asYAML)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Render YAML output")
	cmd.Flags().IntVar(&logs, "logs", 3, "Log lines shown per session")
	cmd.Flags().IntVar(&width, "width", 0, "Truncate output to this many columns (0: no limit)")

	return cmd
}

func writeStatusOutput(cmd *cobra.Command, app *app, report application.StatusReport, opts statusadapter.RenderOptions, asJSON, asYAML bool) error {
	switch {
	case asJSON:
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case asYAML:
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(report); err != nil {
			return err
		}
		return enc.Close()
	}

	opts.Now = app.now()
	rendered, err := app.statusRenderer(report, opts)
	if err != nil {
		return fmt.Errorf("render status: %w", err)
	}

	_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
	return err
}

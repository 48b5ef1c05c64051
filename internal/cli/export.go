package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/pagecraft/abtest/internal/config"
	"github.com/pagecraft/abtest/internal/engine"
	"github.com/pagecraft/abtest/internal/export"
)

func newExportCmd(opts *globalOptions) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export test results",
		Long: `Export results, per-variant breakdown and the daily timeline as JSON,
CSV or an Excel workbook. Without --format you are asked to pick one.

Examples:
  abtest export 3f2a... --format csv -o - > results.csv
  abtest export 3f2a... --format xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				f   export.Format
				err error
			)
			if format == "" {
				f, err = promptFormat()
			} else {
				f, err = export.ParseFormat(format)
			}
			if err != nil {
				return err
			}

			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				res, err := svc.ExportResults(cmd.Context(), args[0], f)
				if err != nil {
					return err
				}

				if output == "-" {
					_, err := cmd.OutOrStdout().Write(res.Data)
					return err
				}
				path := output
				if path == "" {
					path = res.Filename
				}
				if err := os.WriteFile(path, res.Data, 0644); err != nil {
					return fmt.Errorf("failed to write export: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s, %d bytes)\n", path, res.MimeType, len(res.Data))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "", "output format (json, csv or xlsx)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path, '-' for stdout (default: generated filename)")
	return cmd
}

func promptFormat() (export.Format, error) {
	items := make([]string, len(export.Formats))
	for i, f := range export.Formats {
		items[i] = string(f)
	}

	prompt := promptui.Select{
		Label: "Export format",
		Items: items,
		Size:  len(items),
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			return "", fmt.Errorf("export cancelled")
		}
		return "", err
	}
	return export.Formats[idx], nil
}

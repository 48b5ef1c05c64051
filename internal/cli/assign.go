package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pagecraft/abtest/internal/config"
	"github.com/pagecraft/abtest/internal/engine"
)

func newAssignCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <session>",
		Short: "Assign a session to a variant",
		Long: `Assign a session to a variant of a running test, the same way a page
request does. Repeat calls return the stored variant.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				res, err := svc.AssignVariant(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.VariantID)
				return nil
			})
		},
	}
}

func newConvertCmd(opts *globalOptions) *cobra.Command {
	var (
		value float64
		meta  []string
	)

	cmd := &cobra.Command{
		Use:   "convert <id> <session>",
		Short: "Record a conversion for an assigned session",
		Example: `  abtest convert 3f2a... visitor-42
  abtest convert 3f2a... visitor-42 --value 49.90 --meta plan=pro --meta source=email`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v *float64
			if cmd.Flags().Changed("value") {
				v = &value
			}
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}

			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				if err := svc.RecordConversion(cmd.Context(), args[0], args[1], v, metadata); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Conversion recorded.")
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&value, "value", 0, "conversion value, e.g. revenue")
	cmd.Flags().StringArrayVar(&meta, "meta", nil, "metadata as key=value (repeatable)")
	return cmd
}

// parseMetadata turns key=value pairs into a map. Numeric and boolean
// values keep their type.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q: want key=value", p)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
		} else {
			out[k] = v
		}
	}
	return out, nil
}

package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pagecraft/abtest/internal/config"
	"github.com/pagecraft/abtest/internal/engine"
	"github.com/pagecraft/abtest/internal/stats"
)

func newResultsCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "results <id>",
		Short: "Show results for a test",
		Long:  `Show visitors, conversion rates, confidence intervals and significance per variant.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				a, err := svc.GetDetailedAnalytics(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), a.Results)
				}
				printResults(cmd.OutOrStdout(), a)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw results as JSON")
	return cmd
}

func printResults(out io.Writer, a *stats.DetailedAnalytics) {
	res := a.Results

	fmt.Fprintf(out, "TEST: %s (%s)\n", a.Name, a.TestID)
	fmt.Fprintf(out, "STATUS: %s\n", a.Status)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "VARIANT           VISITORS  CONVERSIONS  RATE     95% CI             LIFT")
	fmt.Fprintln(out, strings.Repeat("─", 78))

	for _, v := range a.Variants {
		indicator := ""
		if v.VariantID == res.Winner {
			indicator = " ← LEADING"
		}

		ciStr := fmt.Sprintf("[%.1f%%, %.1f%%]", v.CILower*100, v.CIUpper*100)
		if v.Visitors == 0 {
			ciStr = "N/A"
		}

		lift := "-"
		if v.Lift != nil {
			lift = fmt.Sprintf("%+.1f%%", *v.Lift*100)
		}

		// Truncate name if too long
		name := v.VariantID
		if v.IsControl {
			name += "*"
		}
		if len(name) > 16 {
			name = name[:13] + "..."
		}

		fmt.Fprintf(out, "%-16s  %-8d  %-11d  %-7s  %-17s  %s%s\n",
			name,
			v.Visitors,
			v.Conversions,
			formatPercent(v.ConversionRate),
			ciStr,
			lift,
			indicator,
		)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "* control")

	switch {
	case res.Winner == "":
		fmt.Fprintln(out, "Statistical significance: Not enough data to determine a winner")
	case res.StatisticalSignificance >= stats.SignificantConfidence:
		fmt.Fprintf(out, "Statistical significance: %.1f%% confident \"%s\" is the winner\n", res.Confidence, res.Winner)
	default:
		fmt.Fprintf(out, "Statistical significance: %.1f%% (\"%s\" leads, not yet significant)\n", res.Confidence, res.Winner)
	}
}

func newSummaryCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "summary <id>",
		Short: "Summarize a test with recommendations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				sum, err := svc.GetSummary(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), sum)
				}
				printSummary(cmd.OutOrStdout(), sum)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func printSummary(out io.Writer, sum *stats.Summary) {
	fmt.Fprintf(out, "TEST: %s (%s)\n", sum.Name, sum.TestID)
	fmt.Fprintf(out, "STATUS: %s\n", sum.Status)
	if sum.ConversionGoal != "" {
		fmt.Fprintf(out, "GOAL: %s\n", sum.ConversionGoal)
	}
	fmt.Fprintf(out, "DURATION: %s\n", (time.Duration(sum.DurationSeconds) * time.Second).String())
	fmt.Fprintf(out, "VISITORS: %s  CONVERSIONS: %s  RATE: %s\n",
		formatNumber(sum.TotalVisitors), formatNumber(sum.TotalConversions), formatPercent(sum.OverallConversionRate))

	if sum.Winner != "" {
		fmt.Fprintf(out, "LEADER: %s at %s", sum.Winner, formatPercent(sum.WinnerConversionRate))
		if sum.Improvement != nil {
			fmt.Fprintf(out, " (%+.1f%% vs control)", *sum.Improvement*100)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "SIGNIFICANCE: %.1f%%\n", sum.StatisticalSignificance*100)

	if len(sum.Recommendations) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Recommendations:")
		for _, r := range sum.Recommendations {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
}

func newAnalyticsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analytics <id>",
		Short: "Print detailed analytics with the daily timeline as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				a, err := svc.GetDetailedAnalytics(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
}

package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pagecraft/abtest/internal/config"
	"github.com/pagecraft/abtest/internal/engine"
	"github.com/pagecraft/abtest/internal/store"
)

func newListCmd(opts *globalOptions) *cobra.Command {
	var (
		all    bool
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tests",
		Long:  `List A/B tests with their status and traffic. Archived tests are hidden unless --all is set.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				ctx := cmd.Context()

				tests, err := svc.ListTests(ctx, store.ListOptions{IncludeArchived: all, Status: store.Status(status)})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(tests) == 0 {
					fmt.Fprintln(out, "No tests yet.")
					fmt.Fprintln(out)
					fmt.Fprintln(out, "Create one with:")
					fmt.Fprintln(out, "  abtest create --name \"Hero headline\" --variants \"control,v1\"")
					return nil
				}

				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tVARIANTS\tVISITORS\tCONVERSIONS\tCREATED")

				for _, test := range tests {
					res, err := svc.GetResults(ctx, test.ID)
					if err != nil {
						return fmt.Errorf("failed to get results for test %s: %w", test.ID, err)
					}

					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
						test.ID,
						test.Name,
						strings.ToUpper(string(test.Status)),
						len(test.Variants),
						formatNumber(res.TotalVisitors),
						formatNumber(res.TotalConversions),
						test.CreatedAt.Format("2006-01-02"),
					)
				}

				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include archived tests")
	cmd.Flags().StringVarP(&status, "status", "s", "", "only tests in this status")
	return cmd
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/pagecraft/abtest/internal/config"
	"github.com/pagecraft/abtest/internal/engine"
	"github.com/pagecraft/abtest/internal/store"
)

type transitionFunc func(*engine.Service, context.Context, string) (*store.Test, error)

func newLifecycleCmds(opts *globalOptions) []*cobra.Command {
	actions := []struct {
		use   string
		short string
		run   transitionFunc
	}{
		{"start", "Start a draft or paused test", (*engine.Service).StartTest},
		{"pause", "Pause a running test", (*engine.Service).PauseTest},
		{"complete", "Complete a running or paused test", (*engine.Service).CompleteTest},
		{"archive", "Archive a paused or completed test", (*engine.Service).ArchiveTest},
	}

	cmds := make([]*cobra.Command, 0, len(actions))
	for _, a := range actions {
		cmds = append(cmds, &cobra.Command{
			Use:   a.use + " <id>",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
					test, err := a.run(svc, cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Test '%s' is now %s.\n", test.ID, test.Status)
					return nil
				})
			},
		})
	}
	return cmds
}

func newUpdateCmd(opts *globalOptions) *cobra.Command {
	var (
		name        string
		description string
		pageID      string
		goal        string
		endDate     string
		variants    string
		split       string
	)

	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a test",
		Long: `Update descriptive fields of a test. Variants and split can only be
changed while the test is a draft.

Examples:
  abtest update 3f2a... --name "Hero v2" --end-date 2026-12-31
  abtest update 3f2a... --variants "control,v1,v2" --split "40,30,30"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.TestPatch
			flags := cmd.Flags()
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("description") {
				patch.Description = &description
			}
			if flags.Changed("page") {
				patch.PageID = &pageID
			}
			if flags.Changed("goal") {
				patch.ConversionGoal = &goal
			}
			if endDate != "" {
				t, err := parseDate(endDate)
				if err != nil {
					return err
				}
				patch.EndDate = &t
			}
			if variants != "" {
				def, err := testFromFlags("", "", "", variants, split)
				if err != nil {
					return err
				}
				patch.Variants = def.Variants
				patch.TrafficSplit = def.TrafficSplit
			}

			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				test, err := svc.UpdateTest(cmd.Context(), args[0], patch)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Updated test '%s'.\n", test.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "test name")
	cmd.Flags().StringVar(&description, "description", "", "test description")
	cmd.Flags().StringVar(&pageID, "page", "", "page the test runs on")
	cmd.Flags().StringVar(&goal, "goal", "", "conversion goal label")
	cmd.Flags().StringVar(&endDate, "end-date", "", "planned end (YYYY-MM-DD or RFC 3339)")
	cmd.Flags().StringVarP(&variants, "variants", "v", "", "replace variants (draft only), control first")
	cmd.Flags().StringVar(&split, "split", "", "traffic percentages matching --variants")

	return cmd
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func newGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a test definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				test, err := svc.GetTest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), test)
			})
		},
	}
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a test and all of its data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !yes {
				prompt := promptui.Prompt{
					Label:     fmt.Sprintf("Delete test %s with all assignments and conversions", id),
					IsConfirm: true,
				}
				if _, err := prompt.Run(); err != nil {
					if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
						fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
						return nil
					}
					return err
				}
			}

			return withService(cmd.Context(), opts, func(svc *engine.Service, _ *config.Config) error {
				deleted, err := svc.DeleteTest(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("test '%s' not found", id)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted test '%s'.\n", id)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation")
	return cmd
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/pagecraft/abtest/internal/config"
	"github.com/pagecraft/abtest/internal/engine"
	"github.com/pagecraft/abtest/internal/snippets"
	"github.com/pagecraft/abtest/internal/stats"
	"github.com/pagecraft/abtest/internal/store"
)

func newSnippetCmd(opts *globalOptions) *cobra.Command {
	var (
		framework string
		serverURL string
	)

	cmd := &cobra.Command{
		Use:   "snippet <id>",
		Short: "Generate integration code for a test",
		Long: `Generate copy-paste-ready code for running a test on your pages.

Once a completed test has a significant winner the snippet is static
markup for the winning variant only.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), opts, func(svc *engine.Service, cfg *config.Config) error {
				ctx := cmd.Context()
				test, err := svc.GetTest(ctx, args[0])
				if err != nil {
					return err
				}

				// Determine framework
				var fw snippets.Framework
				if framework == "" {
					fw, err = promptFramework()
				} else {
					fw, err = snippets.ParseFramework(framework)
				}
				if err != nil {
					return err
				}

				url := serverURL
				if url == "" {
					url = getEnvOrDefault("ABTEST_URL", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
				}

				snippetCfg := snippets.Config{
					TestID:    test.ID,
					ServerURL: strings.TrimRight(url, "/"),
				}
				for _, v := range test.Variants {
					snippetCfg.Variants = append(snippetCfg.Variants, snippets.Variant{ID: v.ID, Name: v.Name})
				}

				// A decided test gets static markup
				if test.Status == store.StatusCompleted {
					res, err := svc.GetResults(ctx, test.ID)
					if err != nil {
						return err
					}
					if res.Winner != "" && res.StatisticalSignificance >= stats.SignificantConfidence {
						snippetCfg.Winner = res.Winner
					}
				}

				files, err := snippets.Generate(fw, snippetCfg)
				if err != nil {
					return fmt.Errorf("failed to generate snippet: %w", err)
				}

				printSnippets(cmd.OutOrStdout(), files)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&framework, "framework", "f", "", "framework (html, react, vue)")
	cmd.Flags().StringVarP(&serverURL, "server-url", "s", "", "server URL (e.g., https://ab.example.com)")

	return cmd
}

func promptFramework() (snippets.Framework, error) {
	frameworks := []struct {
		Name      string
		Framework snippets.Framework
	}{
		{"HTML (vanilla JavaScript)", snippets.FrameworkHTML},
		{"React / Next.js", snippets.FrameworkReact},
		{"Vue / Nuxt", snippets.FrameworkVue},
	}

	items := make([]string, len(frameworks))
	for i, f := range frameworks {
		items[i] = f.Name
	}

	prompt := promptui.Select{
		Label: "Select framework",
		Items: items,
		Size:  len(items),
	}

	idx, _, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) {
			os.Exit(0)
		}
		return "", err
	}

	return frameworks[idx].Framework, nil
}

func printSnippets(out io.Writer, files []snippets.SnippetFile) {
	for i, file := range files {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, strings.Repeat("=", 62))
		fmt.Fprintf(out, " %s\n", file.Filename)
		fmt.Fprintln(out, strings.Repeat("=", 62))
		fmt.Fprintln(out)
		fmt.Fprintln(out, file.Content)
	}
}

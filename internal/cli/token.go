package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Show the admin API token",
		Long: `Show the admin API URL with your access token.

Use this when you've scrolled past the startup message or need to
share the admin link.

Example:
  abtest token`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			token := cfg.Server.AdminToken
			if token == "" {
				data, err := os.ReadFile(cfg.Server.TokenFile)
				if err != nil {
					if os.IsNotExist(err) {
						return fmt.Errorf("no server running. Start with: abtest serve")
					}
					return fmt.Errorf("failed to read token file: %w", err)
				}
				token = strings.TrimSpace(string(data))
			}
			if token == "" {
				return fmt.Errorf("token file is empty. Restart the server with: abtest serve")
			}

			serverURL := getEnvOrDefault("ABTEST_URL", fmt.Sprintf("http://localhost:%d", cfg.Server.Port))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Admin API: %s/api/admin/tests?token=%s\n", serverURL, token)
			fmt.Fprintf(out, "Header:    Authorization: Bearer %s\n", token)
			return nil
		},
	}
}

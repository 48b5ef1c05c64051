package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pagecraft/abtest/internal/engine"
	"github.com/pagecraft/abtest/internal/logging"
	"github.com/pagecraft/abtest/internal/metrics"
	"github.com/pagecraft/abtest/internal/server"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the abtest HTTP server.

The server provides:
  - Assignment and conversion endpoints for pages
  - Integration script at /abt.js
  - Admin API for tests and results
  - Health check and Prometheus metrics

Example:
  abtest serve --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *globalOptions, port int) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithStatsOptions(cfg.StatsOptions()),
	}
	var serverOpts []server.Option
	serverOpts = append(serverOpts, server.WithLogger(logger))

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector := metrics.NewCollector(cfg.Metrics.Namespace, registry, logger)
		engineOpts = append(engineOpts, engine.WithMetrics(collector))
		serverOpts = append(serverOpts, server.WithMetrics(collector, registry))
	}

	svc := engine.New(s, engineOpts...)
	if err := svc.Ping(ctx); err != nil {
		return fmt.Errorf("storage is not reachable: %w", err)
	}

	srv := server.New(svc, cfg.Server, serverOpts...)
	printStartup(cmd, cfg.Server.Port, srv.Token())

	logger.Info("starting server",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)
	return srv.Run(ctx)
}

func printStartup(cmd *cobra.Command, port int, token string) {
	out := cmd.ErrOrStderr()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Server running at http://localhost:%d\n", port)
	fmt.Fprintf(out, "Admin API: http://localhost:%d/api/admin/tests?token=%s\n", port, token)
	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 60))
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Add the script to your pages:")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "   <script src=\"http://localhost:%d/abt.js\" defer></script>\n", port)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintln(out, "  create           Create a test")
	fmt.Fprintln(out, "  start <id>       Start a test")
	fmt.Fprintln(out, "  results <id>     Show test statistics")
	fmt.Fprintln(out, "  snippet <id>     Generate integration code")
	fmt.Fprintln(out, "  token            Show the admin token")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Press Ctrl+C to stop")
}

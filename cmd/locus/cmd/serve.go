package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/locussearch/locus/internal/api"
	"github.com/locussearch/locus/internal/config"
	"github.com/locussearch/locus/internal/logging"
	"github.com/locussearch/locus/internal/service"
	"github.com/locussearch/locus/pkg/version"
)

// shutdownGrace bounds how long in-flight requests and indexer runs may
// take after a stop signal before the process gives up on them.
const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	var host string
	var port int
	var dataDir string
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the search service",
		Long: `Start the HTTP server and the background indexer scheduler.

The server binds the REST surface (indexes, documents, data sources,
skillsets, indexers, synonym maps) and serves it until interrupted.
All persisted state lives under the data directory.`,
		Example: `  # Serve with defaults (127.0.0.1:8080, ./locus-data)
  locus serve

  # Serve on all interfaces with a dedicated state directory
  locus serve --host 0.0.0.0 --port 9000 --data-dir /var/lib/locus`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if dataDir != "" {
				cfg.DataDirectory = dataDir
			}
			if dev {
				cfg.Server.Development = true
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "Listen host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	cmd.Flags().BoolVar(&dev, "dev", false,
		"Development mode: inner error details on the wire, simulated auth mode available")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logCfg := logging.DefaultConfig(cfg.DataDirectory)
	logCfg.Level = cfg.Logging.Level
	logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
	logCfg.MaxFiles = cfg.Logging.MaxFiles
	logCfg.Stderr = !cfg.Logging.Quiet
	_, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCleanup()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	svc.Start(ctx)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.New(svc, cfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening",
			"addr", cfg.Addr(),
			"data_dir", cfg.DataDirectory,
			"version", version.Version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		shutdownService(svc)
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down", "grace", shutdownGrace)
	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var errs []error
	if err := server.Shutdown(graceCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := svc.Shutdown(graceCtx); err != nil {
		errs = append(errs, fmt.Errorf("service: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		slog.Error("shutdown incomplete", "error", err)
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

func shutdownService(svc *service.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		slog.Error("service shutdown failed", "error", err)
	}
}

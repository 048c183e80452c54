package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasker-core/core/internal/api"
	"github.com/tasker-core/core/internal/config"
	"github.com/tasker-core/core/internal/llm"
	"github.com/tasker-core/core/internal/session"
	"github.com/tasker-core/core/internal/store"
)

const shutdownTimeout = 30 * time.Second

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tasker-core HTTP/WebSocket sidecar",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.ApplyEnvOverrides(cfg)

	logger.Info("checking runtime dependencies")
	if err := probeChromium(ctx); err != nil {
		return err
	}

	st, err := store.Open(ctx, filepath.Join(cfg.DataDir, "tasker.db"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sessions := session.NewManager()
	gcCtx, stopGC := context.WithCancel(ctx)
	defer stopGC()
	sessions.StartGCLoop(gcCtx, time.Minute, cfg.GCAfter())

	llmClient, err := llm.New(cfg.LLM.APIKeys["anthropic"], cfg.LLM.APIKeys["openai"], cfg.LLM.APIKeys["google"])
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}

	srv := api.New(cfg, st, sessions, llmClient)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Routes(),
	}
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler: srv.MetricsRoutes(),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	select {
	case <-sigCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}

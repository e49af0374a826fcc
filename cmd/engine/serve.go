package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/validity/internal/config"
	"github.com/ashureev/validity/internal/engine"
	"github.com/ashureev/validity/internal/store"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the validation REST API and gRPC health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEngine(v, cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("port", "", "HTTP port")
	cmd.Flags().String("grpc-port", "", "gRPC health port (empty disables it)")
	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("grpc_port", cmd.Flags().Lookup("grpc-port"))
	return cmd
}

func serve(parent context.Context, cfg *config.EngineConfig) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	slog.Info("Starting engine", "port", cfg.Port, "model", cfg.Model.Name, "bedrock", cfg.Model.UseBedrock)

	repo, err := store.NewExecutionSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	// Nothing from a previous process is still running.
	if err := engine.FailAbandoned(ctx, repo, logger); err != nil {
		return fmt.Errorf("fail abandoned executions: %w", err)
	}

	pipeline, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if cfg.WebhookSecret == "" {
		slog.Warn("Webhook secret not set, callbacks are disabled")
	}
	notifier := engine.NewWebhookNotifier(cfg.WebhookSecret, 30*time.Second, logger)

	// Runs outlive the request that started them but not the process.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()
	runner := engine.NewRunner(runCtx, repo, pipeline, notifier, cfg.MaxRunDuration, logger)

	engine.StartSweeper(ctx, repo, cfg.SweepInterval, cfg.MaxRunDuration, logger)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     engine.NewServer(runner, repo, version, logger).Router(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("Engine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve http: %w", err)
		}
	}()

	if cfg.GRPCPort != "" {
		health := engine.NewHealthServer(logger)
		go func() {
			if err := health.ListenAndServe(ctx, ":"+cfg.GRPCPort); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("Engine failed", "error", err)
		stop()
	}

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Give running validations the grace period, then fail them.
	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("Cancelling running validations")
		cancelRuns()
		<-done
	}

	slog.Info("Engine stopped successfully")
	return nil
}

func newPipeline(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) (*engine.Pipeline, error) {
	roles, err := engine.NewRoleStore(cfg.RolesFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load roles: %w", err)
	}
	if err := roles.Watch(ctx); err != nil {
		slog.Warn("Roles hot reload disabled", "error", err)
	}

	model, err := engine.NewAnthropicModel(ctx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("initialize model: %w", err)
	}
	return engine.NewPipeline(model, roles), nil
}

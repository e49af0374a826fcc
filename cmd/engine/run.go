package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/validity/internal/config"
	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/engine"
	"github.com/ashureev/validity/internal/store"
	"github.com/ashureev/validity/internal/wire"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	var (
		topic       string
		contextFile string
		outFile     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one validation in the foreground and print the report",
		Example: `  validity-engine run --context founder.json
  validity-engine run --context founder.json --topic "Meal kits for students" --out report.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadEngine(v, cfgFile)
			if err != nil {
				return err
			}
			uc, err := readUserContext(contextFile)
			if err != nil {
				return err
			}
			if topic == "" {
				topic = uc.IdeaDescription
			}
			return runOnce(cmd.Context(), cfg, &wire.ValidateRequest{Topic: topic, UserContext: *uc}, outFile)
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "Idea to validate (defaults to the idea description)")
	cmd.Flags().StringVar(&contextFile, "context", "", "JSON file with the founder profile (user_context)")
	cmd.Flags().StringVar(&outFile, "out", "", "Write the markdown report to this file instead of stdout")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func readUserContext(path string) (*domain.UserContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read user context: %w", err)
	}
	var uc domain.UserContext
	if err := json.Unmarshal(data, &uc); err != nil {
		return nil, fmt.Errorf("parse user context: %w", err)
	}
	if err := uc.Validate(); err != nil {
		return nil, err
	}
	return &uc, nil
}

func runOnce(parent context.Context, cfg *config.EngineConfig, req *wire.ValidateRequest, outFile string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	repo, err := store.NewExecutionSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() { _ = repo.Close() }()

	pipeline, err := newPipeline(ctx, cfg, logger)
	if err != nil {
		return err
	}
	runner := engine.NewRunner(ctx, repo, pipeline, nil, cfg.MaxRunDuration, logger)

	exec, err := runner.Create(ctx, req)
	if err != nil {
		return err
	}
	if err := runner.Execute(ctx, exec); err != nil {
		return fmt.Errorf("validation %s failed: %w", exec.ExecutionID, err)
	}

	done, err := repo.GetExecution(ctx, exec.ExecutionID)
	if err != nil {
		return err
	}
	if outFile == "" {
		_, err = fmt.Fprintln(os.Stdout, done.FinalReportMarkdown)
		return err
	}
	if err := os.WriteFile(outFile, []byte(done.FinalReportMarkdown), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	slog.Info("Report written", "execution_id", exec.ExecutionID, "path", outFile)
	return nil
}

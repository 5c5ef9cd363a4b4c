// Package commands holds the CLI actions.
package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/x121ai/podbatch/internal/config"
	"github.com/x121ai/podbatch/internal/service"
)

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// setup loads env, global config and the batch file, applying CLI flag
// overrides on top.
func setup(cmd *cli.Command) (*config.Config, *config.BatchFile, *slog.Logger, error) {
	if envFile := cmd.String("env"); envFile != "" {
		_ = godotenv.Load(envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log := newLogger(cfg.Log)

	bf, err := config.LoadBatchFile(cmd.String("batch"), validator.New())
	if err != nil {
		return nil, nil, nil, err
	}

	if scenes := cmd.String("scenes"); scenes != "" {
		bf.Scenes = scenes
	}
	if pod := cmd.String("pod"); pod != "" {
		bf.PodID = pod
	}
	if workers := cmd.Int("workers"); workers > 0 {
		bf.Workers = int(workers)
	}
	return cfg, bf, log, nil
}

// printPlanWarnings surfaces plan warnings on stderr so they are visible
// next to table output.
func printPlanWarnings(plan *service.Plan) {
	for _, w := range plan.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/x121ai/podbatch/internal/ledger"
	"github.com/x121ai/podbatch/internal/monitor"
	"github.com/x121ai/podbatch/internal/runpod"
	"github.com/x121ai/podbatch/internal/service"
	"github.com/x121ai/podbatch/internal/worker"
)

// RunAction executes a batch end to end.
func RunAction(ctx context.Context, cmd *cli.Command) error {
	cfg, bf, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.RunPod.APIKey == "" {
		return fmt.Errorf("RUNPOD_API_KEY is not set")
	}
	if cmd.Bool("monitor") {
		cfg.Monitor.Enabled = true
	}

	cp := runpod.NewClient(&cfg.RunPod, cfg.Pod, log)

	var events worker.EventSink
	var hub *monitor.Hub
	if cfg.Monitor.Enabled {
		hub = monitor.NewHub(log)
		go hub.Run()
		events = hub
	}

	svc := service.NewBatchService(cfg, cp, events, log)
	plan, err := svc.BuildPlan(bf)
	if err != nil {
		return err
	}
	printPlanWarnings(plan)

	if err := os.MkdirAll(plan.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	led := ledger.Load(plan.OutputDir)

	if cfg.Monitor.Enabled {
		srv := monitor.NewServer(cfg.Monitor, hub, led, len(plan.Jobs), plan.Workers, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("monitor server stopped", "error", err)
			}
		}()
		defer srv.Shutdown()
	}

	sum, err := svc.Run(ctx, plan, led, service.RunOptions{
		Resume:   !cmd.Bool("no-resume"),
		KeepPods: cmd.Bool("keep-pod"),
	})
	if err != nil {
		return err
	}

	return reportSummary(sum, led.Path(), log)
}

// reportSummary renders the final batch table. Per-job failures are
// recorded in the ledger and retried on the next resume run; they do
// not fail the process.
func reportSummary(sum *service.Summary, ledgerPath string, log *slog.Logger) error {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Total", "Completed", "Failed", "Skipped", "Elapsed")
	table.Append(
		fmt.Sprintf("%d", sum.Total),
		fmt.Sprintf("%d", sum.Completed),
		fmt.Sprintf("%d", sum.Failed),
		fmt.Sprintf("%d", sum.Skipped),
		sum.Elapsed.Round(time.Second).String(),
	)
	table.Render()

	if sum.Failed > 0 {
		log.Warn("some jobs failed", "failed", sum.Failed, "ledger", ledgerPath)
	}
	return nil
}

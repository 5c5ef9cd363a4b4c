// Package service orchestrates a whole batch: planning the job list,
// partitioning it across workers, running one worker loop per partition
// and aggregating the results.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/x121ai/podbatch/internal/config"
	"github.com/x121ai/podbatch/internal/ledger"
	"github.com/x121ai/podbatch/internal/model"
	"github.com/x121ai/podbatch/internal/runpod"
	"github.com/x121ai/podbatch/internal/scene"
	"github.com/x121ai/podbatch/internal/worker"
)

// BatchService runs generation batches against a pool of GPU workers.
type BatchService struct {
	cfg    *config.Config
	cp     runpod.ControlPlane
	events worker.EventSink
	log    *slog.Logger
}

// NewBatchService creates the orchestrator. events may be nil.
func NewBatchService(cfg *config.Config, cp runpod.ControlPlane, events worker.EventSink, log *slog.Logger) *BatchService {
	return &BatchService{cfg: cfg, cp: cp, events: events, log: log}
}

// Plan is the fully resolved batch: every job, every warning from
// job building, and the worker layout.
type Plan struct {
	Jobs       []model.Job
	Warnings   []string
	Characters []scene.Character
	Scenes     []string
	OutputDir  string
	Workers    int
	PodID      string
}

// RunOptions control one batch run.
type RunOptions struct {
	Resume   bool // keep the existing ledger and skip completed jobs
	KeepPods bool // stop created pods instead of terminating them
}

// Summary is the aggregate result of a batch run.
type Summary struct {
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Results   []model.JobResult
	Elapsed   time.Duration
}

// BuildPlan resolves a batch file into a concrete Plan: characters
// discovered under the batch path, the global scene filter applied, jobs
// expanded with per-character overrides.
func (s *BatchService) BuildPlan(bf *config.BatchFile) (*Plan, error) {
	catalog := scene.DefaultCatalog()
	if len(bf.Catalog) > 0 {
		defs := make(map[string]scene.Def, len(bf.Catalog))
		for name, def := range bf.Catalog {
			defs[name] = scene.Def{SeedFile: def.Seed, Workflow: def.Workflow}
		}
		catalog = scene.NewCatalog(defs)
	}

	scenes, err := scene.ResolveFilter(bf.Scenes, catalog)
	if err != nil {
		return nil, err
	}

	characters, err := scene.DiscoverCharacters(bf.BatchPath)
	if err != nil {
		return nil, err
	}

	outputDir := bf.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(filepath.Dir(bf.BatchPath), "pod_output")
	}

	jobs, warnings, err := scene.BuildJobs(characters, scenes, outputDir, catalog, bf.Characters)
	if err != nil {
		return nil, err
	}

	workers := bf.Workers
	if workers < 1 {
		workers = 1
	}
	// An adopted pod is a single worker; job partitioning across several
	// loops would race on one GPU.
	if bf.PodID != "" && workers != 1 {
		s.log.Warn("pod_id set, forcing workers=1", "requested", workers)
		workers = 1
	}

	return &Plan{
		Jobs:       jobs,
		Warnings:   warnings,
		Characters: characters,
		Scenes:     scenes,
		OutputDir:  outputDir,
		Workers:    workers,
		PodID:      bf.PodID,
	}, nil
}

// Partition splits jobs across n workers with character locality: all of
// one character's jobs land on the same worker, so its seed uploads and
// workflow cache are reused. Characters are dealt round-robin in
// discovery order; empty partitions are dropped.
func Partition(jobs []model.Job, n int) [][]model.Job {
	if n < 1 {
		n = 1
	}

	var order []string
	byCharacter := make(map[string][]model.Job)
	for _, job := range jobs {
		if _, ok := byCharacter[job.Character]; !ok {
			order = append(order, job.Character)
		}
		byCharacter[job.Character] = append(byCharacter[job.Character], job)
	}

	parts := make([][]model.Job, n)
	for i, character := range order {
		idx := i % n
		parts[idx] = append(parts[idx], byCharacter[character]...)
	}

	var out [][]model.Job
	for _, part := range parts {
		if len(part) > 0 {
			out = append(out, part)
		}
	}
	return out
}

// Run executes the plan to completion: one worker loop per partition,
// every job's final state in the ledger, a manifest of produced artifacts
// in the output directory. Worker teardown is guaranteed even when a
// partition aborts. The caller owns the ledger so live observers can
// share the same instance.
func (s *BatchService) Run(ctx context.Context, plan *Plan, led *ledger.Ledger, opts RunOptions) (*Summary, error) {
	if len(plan.Jobs) == 0 {
		return nil, fmt.Errorf("%w: no jobs to run", model.ErrValidation)
	}
	if err := os.MkdirAll(plan.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	if !opts.Resume {
		if err := led.Reset(); err != nil {
			return nil, fmt.Errorf("resetting progress ledger: %w", err)
		}
	}

	partitions := Partition(plan.Jobs, plan.Workers)
	s.log.Info("starting batch",
		"jobs", len(plan.Jobs),
		"characters", len(plan.Characters),
		"workers", len(partitions),
		"resume", opts.Resume,
	)
	for _, w := range plan.Warnings {
		s.log.Warn("plan warning", "detail", w)
	}

	started := time.Now()
	var (
		mu      sync.Mutex
		results []model.JobResult
	)
	var wg sync.WaitGroup
	for i, part := range partitions {
		wg.Add(1)
		go func(idx int, jobs []model.Job) {
			defer wg.Done()
			partResults := s.runPartition(ctx, idx, jobs, plan, led, opts)
			mu.Lock()
			results = append(results, partResults...)
			mu.Unlock()
		}(i, part)
	}
	wg.Wait()

	if err := led.Finalize(len(plan.Jobs)); err != nil {
		s.log.Error("failed to finalize ledger", "error", err)
	}

	sum := &Summary{
		Total:     len(plan.Jobs),
		Completed: led.CountCompleted(),
		Failed:    led.CountFailed(),
		Results:   results,
		Elapsed:   time.Since(started),
	}
	sum.Skipped = sum.Total - sum.Completed - sum.Failed

	if err := s.writeManifest(plan.OutputDir, sum); err != nil {
		s.log.Error("failed to write manifest", "error", err)
	}
	s.log.Info("batch finished",
		"completed", sum.Completed,
		"failed", sum.Failed,
		"skipped", sum.Skipped,
		"elapsed", sum.Elapsed.Round(time.Second),
	)
	return sum, nil
}

// runPartition provisions one worker, drains its job list and tears the
// worker down. A provision failure or an unrecoverable worker abandons
// the partition; untouched jobs stay absent from the ledger and are
// picked up by a resumed run.
func (s *BatchService) runPartition(ctx context.Context, idx int, jobs []model.Job, plan *Plan, led *ledger.Ledger, opts RunOptions) []model.JobResult {
	log := s.log.With("worker", idx)
	ctrl := worker.NewController(s.cp, &s.cfg.SSH, &s.cfg.Comfy, log)

	name := fmt.Sprintf("%s-%d", s.cfg.Pod.NamePrefix, idx+1)
	if err := ctrl.Provision(ctx, plan.PodID, name); err != nil {
		log.Error("worker provision failed, abandoning partition",
			"jobs", len(jobs), "error", err)
		ctrl.Teardown(context.Background(), opts.KeepPods)
		return nil
	}
	defer ctrl.Teardown(context.Background(), opts.KeepPods)

	exec := worker.NewExecutor(ctrl, led, &s.cfg.Comfy, s.cfg.Retry, s.events, log)

	var results []model.JobResult
	for n, job := range jobs {
		if ctx.Err() != nil {
			log.Warn("run cancelled, abandoning partition", "remaining", len(jobs)-n)
			return results
		}

		res, err := exec.Execute(ctx, job)
		if err != nil {
			if errors.Is(err, model.ErrWorkerUnrecoverable) {
				log.Error("worker unrecoverable, abandoning partition", "error", err)
				return results
			}
			log.Error("job failed", "job", job.Identity(), "error", err)
			continue
		}
		for _, file := range res.Files {
			results = append(results, model.JobResult{
				Character: job.Character,
				Scene:     job.Scene,
				File:      file,
			})
		}
	}
	return results
}

// Estimate reports resume progress and a projected time remaining for a
// plan, based on the durations already recorded in the output ledger.
func (s *BatchService) Estimate(plan *Plan) ledger.Estimate {
	led := ledger.Load(plan.OutputDir)
	return led.EstimateRemaining(len(plan.Jobs), plan.Workers)
}

// manifest is the machine-readable record of what a run produced.
type manifest struct {
	Finished  string            `json:"finished"`
	Total     int               `json:"total"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Artifacts []model.JobResult `json:"artifacts"`
}

func (s *BatchService) writeManifest(outputDir string, sum *Summary) error {
	m := manifest{
		Finished:  time.Now().UTC().Format(time.RFC3339),
		Total:     sum.Total,
		Completed: sum.Completed,
		Failed:    sum.Failed,
		Skipped:   sum.Skipped,
		Artifacts: sum.Results,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	path := filepath.Join(outputDir, "manifest.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

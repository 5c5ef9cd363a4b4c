package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/x121ai/podbatch/internal/comfy"
	"github.com/x121ai/podbatch/internal/config"
	"github.com/x121ai/podbatch/internal/ledger"
	"github.com/x121ai/podbatch/internal/model"
)

// retryableStatus marks generation-service HTTP codes worth retrying:
// the service restarting (404 on a fresh instance), or the provider
// proxy in front of a briefly dead upstream.
var retryableStatus = map[int]bool{404: true, 502: true, 503: true}

// EventSink receives per-job progress for live observers. Implementations
// must not block.
type EventSink interface {
	JobProgress(job model.Job, value, max int)
	JobCompleted(job model.Job, files []string, duration time.Duration)
	JobFailed(job model.Job, err error)
}

// nopSink drops all events.
type nopSink struct{}

func (nopSink) JobProgress(model.Job, int, int)                 {}
func (nopSink) JobCompleted(model.Job, []string, time.Duration) {}
func (nopSink) JobFailed(model.Job, error)                      {}

// Result is the outcome of executing one job.
type Result struct {
	Files   []string
	Skipped bool
}

// Executor runs jobs against one provisioned worker, recording every
// transition in the ledger and retrying transient failures within budget.
type Executor struct {
	ctrl   *Controller
	led    *ledger.Ledger
	cfg    *config.ComfyConfig
	retry  config.RetryConfig
	events EventSink
	log    *slog.Logger

	graphs map[string]comfy.Graph

	// attemptFn and sleep are swapped in tests.
	attemptFn func(ctx context.Context, job model.Job) (model.Outcome, []string)
	sleep     func(time.Duration)
}

// NewExecutor creates an executor bound to a provisioned controller.
func NewExecutor(ctrl *Controller, led *ledger.Ledger, cfg *config.ComfyConfig, retry config.RetryConfig, events EventSink, log *slog.Logger) *Executor {
	e := &Executor{
		ctrl:   ctrl,
		led:    led,
		cfg:    cfg,
		retry:  retry,
		events: events,
		log:    log,
		graphs: make(map[string]comfy.Graph),
		sleep:  time.Sleep,
	}
	if e.events == nil {
		e.events = nopSink{}
	}
	e.attemptFn = e.attempt
	return e
}

// Execute runs one job to a final state. Jobs whose artifact already
// exists, or that the ledger records as completed, are skipped without
// touching the worker. Transient failures are retried up to the budget;
// the job's final state always lands in the ledger.
func (e *Executor) Execute(ctx context.Context, job model.Job) (Result, error) {
	if e.led.IsCompleted(job.Identity()) {
		e.log.Info("job already completed, skipping", "job", job.Identity())
		return Result{Skipped: true}, nil
	}
	if existing := findArtifact(job); existing != "" {
		e.log.Info("artifact already exists, skipping", "job", job.Identity(), "file", existing)
		return Result{Files: []string{existing}, Skipped: true}, nil
	}

	if err := e.led.Start(job); err != nil {
		return Result{}, fmt.Errorf("recording job start: %w", err)
	}

	started := time.Now()
	policy := e.backoffPolicy()

	var outcome model.Outcome
	var files []string
	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := policy.NextBackOff()
			e.log.Warn("retrying job", "job", job.Identity(), "attempt", attempt+1,
				"max", e.retry.MaxRetries+1, "wait", wait, "error", outcome.Err)
			e.sleep(wait)
		}

		outcome, files = e.attemptFn(ctx, job)
		if !outcome.Retryable() {
			break
		}
		if ctx.Err() != nil {
			outcome = model.Terminal(ctx.Err())
			break
		}
	}

	duration := time.Since(started)
	switch outcome.Kind {
	case model.OutcomeSuccess:
		if err := e.led.Complete(job, files, duration); err != nil {
			return Result{}, fmt.Errorf("recording job completion: %w", err)
		}
		e.events.JobCompleted(job, files, duration)
		e.log.Info("job completed", "job", job.Identity(), "files", len(files),
			"duration", duration.Round(time.Second))
		return Result{Files: files}, nil
	default:
		if err := e.led.Fail(job, outcome.Err, duration); err != nil {
			e.log.Error("failed to record job failure", "job", job.Identity(), "error", err)
		}
		e.events.JobFailed(job, outcome.Err)
		return Result{}, fmt.Errorf("job %s failed: %w", job.Identity(), outcome.Err)
	}
}

// attempt is one full protocol pass: health check, seed upload, graph
// mutation, submission, await, artifact download.
func (e *Executor) attempt(ctx context.Context, job model.Job) (model.Outcome, []string) {
	if err := e.ctrl.EnsureReady(ctx); err != nil {
		if errors.Is(err, model.ErrWorkerUnrecoverable) {
			return model.Terminal(err), nil
		}
		return model.Transient(err), nil
	}
	client := e.ctrl.Comfy()

	seedName := filepath.Base(job.SeedPath)
	uploaded, err := e.uploadSeed(ctx, client, job.SeedPath, seedName)
	if err != nil {
		return classify(err), nil
	}

	graph, err := e.workflowGraph(ctx, job.Workflow)
	if err != nil {
		return model.Terminal(err), nil
	}
	graph, err = graph.Clone()
	if err != nil {
		return model.Terminal(err), nil
	}
	if err := graph.SetInputImage(uploaded); err != nil {
		return model.Terminal(err), nil
	}

	clientID := uuid.NewString()
	promptID, err := client.QueuePrompt(ctx, graph, clientID)
	if err != nil {
		return classify(err), nil
	}
	e.log.Info("prompt queued", "job", job.Identity(), "prompt_id", promptID)

	timeout := time.Duration(e.cfg.GenerationTimeout) * time.Second
	hist, err := client.AwaitCompletion(ctx, promptID, clientID, timeout, func(value, max int) {
		e.events.JobProgress(job, value, max)
	})
	if err != nil {
		return classify(err), nil
	}

	files, err := e.fetchOutputs(ctx, client, job, hist.Files())
	if err != nil {
		return classify(err), nil
	}
	return model.Success(), files
}

// uploadSeed pushes the seed through the service's native upload, falling
// back to a direct file transfer into the service input directory when
// the upload endpoint is unavailable.
func (e *Executor) uploadSeed(ctx context.Context, client *comfy.Client, localPath, name string) (string, error) {
	uploaded, err := client.UploadImage(ctx, localPath, name)
	if err == nil {
		return uploaded, nil
	}
	e.log.Warn("native upload failed, falling back to sftp", "seed", name, "error", err)

	remotePath := e.cfg.Dir + "/input/" + name
	if sftpErr := e.ctrl.Shell().Upload(ctx, localPath, remotePath); sftpErr != nil {
		return "", fmt.Errorf("seed upload failed (native: %v): %w", err, sftpErr)
	}
	return name, nil
}

// fetchOutputs downloads every artifact the execution produced. The local
// extension follows the remote filename; the first artifact takes the
// job's destination name, extras get an index suffix.
func (e *Executor) fetchOutputs(ctx context.Context, client *comfy.Client, job model.Job, outputs []comfy.OutputFile) ([]string, error) {
	var saved []string
	for i, out := range outputs {
		ext := filepath.Ext(out.Filename)
		dest := job.DestFile(ext)
		if i > 0 {
			dest = job.DestFile(fmt.Sprintf("_%d%s", i, ext))
		}

		if err := client.Download(ctx, out, dest); err != nil {
			e.log.Warn("native download failed, falling back to sftp", "file", out.Filename, "error", err)
			remotePath := e.cfg.Dir + "/output/" + out.Filename
			if out.Subfolder != "" {
				remotePath = e.cfg.Dir + "/output/" + out.Subfolder + "/" + out.Filename
			}
			if sftpErr := e.ctrl.Shell().Download(ctx, remotePath, dest); sftpErr != nil {
				return nil, fmt.Errorf("artifact download failed (native: %v): %w", err, sftpErr)
			}
		}
		saved = append(saved, dest)
	}
	return saved, nil
}

// workflowGraph finds and parses a workflow document on the worker,
// searching the configured workflow directories. Parsed graphs are cached
// per worker; callers must Clone before mutating.
func (e *Executor) workflowGraph(ctx context.Context, workflow string) (comfy.Graph, error) {
	if g, ok := e.graphs[workflow]; ok {
		return g, nil
	}
	shell := e.ctrl.Shell()
	for _, dir := range e.cfg.WorkflowDirs {
		out, err := shell.Run(ctx, fmt.Sprintf("cat %s/%s", dir, workflow), 30*time.Second)
		if err != nil {
			continue
		}
		var g comfy.Graph
		if err := json.Unmarshal([]byte(out), &g); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", workflow, err)
		}
		e.graphs[workflow] = g
		return g, nil
	}
	return nil, fmt.Errorf("workflow %s not found in %v: %w", workflow, e.cfg.WorkflowDirs, model.ErrNotFound)
}

// backoffPolicy builds the wait policy between attempts: constant by
// default, exponential when configured.
func (e *Executor) backoffPolicy() backoff.BackOff {
	base := time.Duration(e.retry.BackoffSec) * time.Second
	if e.retry.Exponential {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = base
		exp.MaxElapsedTime = 0
		return exp
	}
	return backoff.NewConstantBackOff(base)
}

// classify maps a protocol error onto the retry taxonomy. Anything that a
// healthy worker could plausibly serve next time is transient; graph and
// client errors are terminal.
func classify(err error) model.Outcome {
	switch {
	case errors.Is(err, model.ErrGraphShape):
		return model.Terminal(err)
	case errors.Is(err, model.ErrGenerationFailed), errors.Is(err, model.ErrGenerationTimeout):
		return model.Transient(err)
	}

	var statusErr *model.HTTPStatusError
	if errors.As(err, &statusErr) {
		if retryableStatus[statusErr.StatusCode] || statusErr.StatusCode >= 500 {
			return model.Transient(err)
		}
		return model.Terminal(err)
	}

	// Transport-level failures: the worker or its proxy was unreachable.
	return model.Transient(err)
}

// findArtifact reports an existing output file for the job, any
// extension, or "" when none exists.
func findArtifact(job model.Job) string {
	name := job.DestName
	if name == "" {
		name = job.Character + "_" + model.WorkflowStem(job.Workflow)
	}
	entries, err := os.ReadDir(job.DestDir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		base := entry.Name()
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		if stem == name {
			return filepath.Join(job.DestDir, base)
		}
	}
	return ""
}

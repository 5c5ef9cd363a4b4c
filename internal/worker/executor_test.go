package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/x121ai/podbatch/internal/config"
	"github.com/x121ai/podbatch/internal/ledger"
	"github.com/x121ai/podbatch/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExecutor(t *testing.T, maxRetries int) (*Executor, *ledger.Ledger) {
	t.Helper()
	led := ledger.Load(t.TempDir())
	cfg := &config.ComfyConfig{GenerationTimeout: 600}
	retry := config.RetryConfig{MaxRetries: maxRetries, BackoffSec: 1}
	exec := NewExecutor(nil, led, cfg, retry, nil, testLogger())
	exec.sleep = func(time.Duration) {}
	return exec, led
}

func executorJob(t *testing.T) model.Job {
	t.Helper()
	return model.Job{
		Character: "alice",
		Scene:     "walk",
		Workflow:  "walk-api.json",
		SeedPath:  "/data/alice/body.png",
		DestDir:   t.TempDir(),
		DestName:  "walk",
	}
}

func TestExecute_TransientFailuresWithinBudgetSucceed(t *testing.T) {
	exec, led := testExecutor(t, 2)
	job := executorJob(t)

	attempts := 0
	exec.attemptFn = func(ctx context.Context, j model.Job) (model.Outcome, []string) {
		attempts++
		if attempts <= 2 {
			return model.Transient(errors.New("proxy 502")), nil
		}
		return model.Success(), []string{"/out/alice/walk.mp4"}
	}

	res, err := exec.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", attempts)
	}
	if res.Skipped || len(res.Files) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if !led.IsCompleted(job.Identity()) {
		t.Error("success not recorded in ledger")
	}
}

func TestExecute_BudgetExhaustedFails(t *testing.T) {
	exec, led := testExecutor(t, 2)
	job := executorJob(t)

	attempts := 0
	exec.attemptFn = func(ctx context.Context, j model.Job) (model.Outcome, []string) {
		attempts++
		return model.Transient(errors.New("generation timeout")), nil
	}

	_, err := exec.Execute(context.Background(), job)
	if err == nil {
		t.Fatal("expected failure after budget exhausted")
	}
	// One more transient than the budget allows: exactly 1+2 attempts.
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
	if led.CountFailed() != 1 {
		t.Errorf("expected failed entry in ledger, got %d", led.CountFailed())
	}
}

func TestExecute_TerminalStopsImmediately(t *testing.T) {
	exec, led := testExecutor(t, 2)
	job := executorJob(t)

	attempts := 0
	exec.attemptFn = func(ctx context.Context, j model.Job) (model.Outcome, []string) {
		attempts++
		return model.Terminal(fmt.Errorf("bad graph: %w", model.ErrGraphShape)), nil
	}

	_, err := exec.Execute(context.Background(), job)
	if err == nil {
		t.Fatal("expected terminal failure")
	}
	if !errors.Is(err, model.ErrGraphShape) {
		t.Errorf("expected graph shape error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("terminal outcome must not be retried, got %d attempts", attempts)
	}
	if led.CountFailed() != 1 {
		t.Error("terminal failure must land in the ledger")
	}
}

func TestExecute_SkipsCompletedIdentity(t *testing.T) {
	exec, led := testExecutor(t, 2)
	job := executorJob(t)

	if err := led.Complete(job, []string{"x.mp4"}, time.Second); err != nil {
		t.Fatalf("seed ledger failed: %v", err)
	}

	attempts := 0
	exec.attemptFn = func(ctx context.Context, j model.Job) (model.Outcome, []string) {
		attempts++
		return model.Success(), nil
	}

	res, err := exec.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !res.Skipped {
		t.Error("completed job must be skipped")
	}
	if attempts != 0 {
		t.Errorf("skip must not touch the worker, got %d attempts", attempts)
	}
}

func TestExecute_SkipsExistingArtifact(t *testing.T) {
	exec, _ := testExecutor(t, 2)
	job := executorJob(t)

	existing := filepath.Join(job.DestDir, "walk.mp4")
	if err := os.WriteFile(existing, []byte("video"), 0o644); err != nil {
		t.Fatalf("write artifact failed: %v", err)
	}

	attempts := 0
	exec.attemptFn = func(ctx context.Context, j model.Job) (model.Outcome, []string) {
		attempts++
		return model.Success(), nil
	}

	res, err := exec.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !res.Skipped || len(res.Files) != 1 || res.Files[0] != existing {
		t.Errorf("expected skip with existing artifact, got %+v", res)
	}
	if attempts != 0 {
		t.Errorf("skip must not touch the worker, got %d attempts", attempts)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want model.OutcomeKind
	}{
		{"graph shape", fmt.Errorf("mutating: %w", model.ErrGraphShape), model.OutcomeTerminal},
		{"generation failed", fmt.Errorf("prompt: %w", model.ErrGenerationFailed), model.OutcomeTransient},
		{"generation timeout", fmt.Errorf("prompt: %w", model.ErrGenerationTimeout), model.OutcomeTransient},
		{"http 404", &model.HTTPStatusError{StatusCode: 404}, model.OutcomeTransient},
		{"http 502", &model.HTTPStatusError{StatusCode: 502}, model.OutcomeTransient},
		{"http 503", &model.HTTPStatusError{StatusCode: 503}, model.OutcomeTransient},
		{"http 500", &model.HTTPStatusError{StatusCode: 500}, model.OutcomeTransient},
		{"http 400", &model.HTTPStatusError{StatusCode: 400}, model.OutcomeTerminal},
		{"wrapped http 400", fmt.Errorf("queueing: %w", &model.HTTPStatusError{StatusCode: 400}), model.OutcomeTerminal},
		{"transport", errors.New("connection refused"), model.OutcomeTransient},
	}

	for _, tc := range cases {
		got := classify(tc.err)
		if got.Kind != tc.want {
			t.Errorf("%s: expected kind %d, got %d", tc.name, tc.want, got.Kind)
		}
	}
}

func TestFindArtifact_MatchesAnyExtension(t *testing.T) {
	job := executorJob(t)

	if findArtifact(job) != "" {
		t.Error("expected no artifact in empty dir")
	}

	path := filepath.Join(job.DestDir, "walk.webm")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if got := findArtifact(job); got != path {
		t.Errorf("expected %s, got %s", path, got)
	}
}

package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/x121ai/podbatch/internal/model"
)

func testJob(character, scene string) model.Job {
	return model.Job{
		Character: character,
		Scene:     scene,
		Workflow:  scene + "-api.json",
		SeedPath:  "/data/" + character + "/face.png",
		DestDir:   "/out/" + character,
		DestName:  scene,
	}
}

func TestLedger_CompleteIsDurable(t *testing.T) {
	dir := t.TempDir()
	led := Load(dir)

	job := testJob("alice", "walk")
	if err := led.Start(job); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if led.IsCompleted(job.Identity()) {
		t.Error("in_progress job must not report completed")
	}
	if err := led.Complete(job, []string{"/out/alice/walk.mp4"}, 90*time.Second); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// A fresh Load from the same directory must see the completion.
	reloaded := Load(dir)
	if !reloaded.IsCompleted(job.Identity()) {
		t.Error("completion did not survive reload")
	}
	if reloaded.CountCompleted() != 1 {
		t.Errorf("expected 1 completed, got %d", reloaded.CountCompleted())
	}
}

func TestLedger_FailRecordsTruncatedError(t *testing.T) {
	dir := t.TempDir()
	led := Load(dir)

	job := testJob("alice", "walk")
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	if err := led.Fail(job, errors.New(string(long)), time.Minute); err != nil {
		t.Fatalf("fail failed: %v", err)
	}

	doc := Load(dir).Snapshot()
	entry, ok := doc.Jobs[job.Identity()]
	if !ok {
		t.Fatal("failed entry missing from ledger")
	}
	if entry.Status != model.JobStatusFailed {
		t.Errorf("expected failed status, got %s", entry.Status)
	}
	if len(entry.Error) != 200 {
		t.Errorf("expected error truncated to 200 chars, got %d", len(entry.Error))
	}
	if led.CountFailed() != 1 {
		t.Errorf("expected 1 failed, got %d", led.CountFailed())
	}
}

func TestLedger_InterruptedJobIsRetried(t *testing.T) {
	dir := t.TempDir()
	led := Load(dir)

	job := testJob("alice", "walk")
	if err := led.Start(job); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Simulate a crash: reload and check the job is not considered done.
	reloaded := Load(dir)
	if reloaded.IsCompleted(job.Identity()) {
		t.Error("interrupted job must be re-attempted on resume")
	}
}

func TestLedger_MalformedFileDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "progress.json")
	if err := os.WriteFile(path, []byte(`{"jobs": {truncated`), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	led := Load(dir)
	if led.CountCompleted() != 0 || led.CountFailed() != 0 {
		t.Error("malformed ledger must load as empty")
	}

	// The repaired ledger must be writable.
	if err := led.Complete(testJob("alice", "walk"), nil, time.Second); err != nil {
		t.Fatalf("complete after malformed load failed: %v", err)
	}
	if !Load(dir).IsCompleted("alice/walk") {
		t.Error("write after malformed load did not persist")
	}
}

func TestLedger_FinalizeSummary(t *testing.T) {
	dir := t.TempDir()
	led := Load(dir)

	if err := led.Complete(testJob("alice", "walk"), nil, time.Second); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if err := led.Fail(testJob("alice", "dance"), errors.New("boom"), time.Second); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	if err := led.Finalize(4); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	doc := Load(dir).Snapshot()
	if doc.Finished == "" {
		t.Error("expected finished timestamp")
	}
	if doc.Summary == nil {
		t.Fatal("expected summary")
	}
	if doc.Summary.Completed != 1 || doc.Summary.Failed != 1 || doc.Summary.Skipped != 2 {
		t.Errorf("unexpected summary: %+v", doc.Summary)
	}
}

func TestLedger_EstimateWithoutSamples(t *testing.T) {
	led := Load(t.TempDir())

	est := led.EstimateRemaining(10, 2)
	if est.HasDuration {
		t.Error("estimate with zero samples must not report a duration")
	}
	if est.Remaining != 10 {
		t.Errorf("expected 10 remaining, got %d", est.Remaining)
	}
}

func TestLedger_EstimateDividesAcrossWorkers(t *testing.T) {
	led := Load(t.TempDir())

	if err := led.Complete(testJob("alice", "walk"), nil, 100*time.Second); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	est := led.EstimateRemaining(5, 2)
	if !est.HasDuration {
		t.Fatal("expected a duration estimate")
	}
	// 4 remaining at 100s mean over 2 workers.
	want := 200 * time.Second
	if est.ETA != want {
		t.Errorf("expected ETA %s, got %s", want, est.ETA)
	}
}

func TestLedger_EstimateSeededFromReload(t *testing.T) {
	dir := t.TempDir()
	led := Load(dir)

	if err := led.Complete(testJob("alice", "walk"), nil, 100*time.Second); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	// A fresh Load must pick up persisted durations so resumed runs and
	// plan previews have an estimate before completing anything.
	est := Load(dir).EstimateRemaining(5, 2)
	if !est.HasDuration {
		t.Fatal("expected reloaded ledger to carry duration samples")
	}
	want := 200 * time.Second
	if est.ETA != want {
		t.Errorf("expected ETA %s, got %s", want, est.ETA)
	}
}

func TestLedger_ResetClearsDocument(t *testing.T) {
	dir := t.TempDir()
	led := Load(dir)

	if err := led.Complete(testJob("alice", "walk"), nil, time.Second); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if err := led.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if led.IsCompleted("alice/walk") {
		t.Error("reset must clear completions")
	}
	if Load(dir).IsCompleted("alice/walk") {
		t.Error("reset must remove the on-disk document")
	}
}

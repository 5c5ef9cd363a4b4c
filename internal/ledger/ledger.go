// Package ledger persists batch progress to one JSON document per output
// directory. The ledger is the single resource shared by all concurrent
// worker loops and the authority for resume: every mutation happens under
// one lock and is flushed to disk before the call returns.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/x121ai/podbatch/internal/model"
)

const fileName = "progress.json"

// Ledger tracks per-job progress for one batch. Safe for concurrent use.
type Ledger struct {
	path string

	mu       sync.Mutex
	doc      model.LedgerDocument
	jobTimes []float64 // completed-job durations in seconds, for ETA
}

// Load opens (or creates) the ledger for an output directory. A missing or
// malformed file degrades to an empty ledger: forward progress beats
// ledger purity, and a truncated document from a crashed run must not
// block the resume that would repair it.
func Load(outputDir string) *Ledger {
	l := &Ledger{
		path: filepath.Join(outputDir, fileName),
		doc: model.LedgerDocument{
			Started: nowISO(),
			Jobs:    make(map[string]model.ProgressEntry),
		},
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		return l
	}
	var doc model.LedgerDocument
	if err := json.Unmarshal(data, &doc); err != nil || doc.Jobs == nil {
		return l
	}
	l.doc = doc
	// Persisted durations of completed jobs seed the ETA samples, so a
	// resumed run (and the plan command) can estimate before completing
	// anything itself.
	for _, entry := range doc.Jobs {
		if entry.Status == model.JobStatusCompleted && entry.Duration > 0 {
			l.jobTimes = append(l.jobTimes, entry.Duration)
		}
	}
	return l
}

// Path returns the on-disk location of the ledger document.
func (l *Ledger) Path() string { return l.path }

// IsCompleted reports whether the identity already has a completed entry.
// In-progress entries from an interrupted run are not completed and will
// be re-attempted.
func (l *Ledger) IsCompleted(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Jobs[identity].Status == model.JobStatusCompleted
}

// Start records an identity as in_progress. When a prior entry exists (a
// re-attempt after a crash or retry) the original start time is kept.
func (l *Ledger) Start(job model.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := model.ProgressEntry{
		Status:    model.JobStatusInProgress,
		Character: job.Character,
		Scene:     job.Scene,
		Workflow:  job.Workflow,
		Started:   nowISO(),
	}
	if prev, ok := l.doc.Jobs[job.Identity()]; ok && prev.Started != "" {
		entry.Started = prev.Started
	}
	l.doc.Jobs[job.Identity()] = entry
	return l.flush()
}

// Complete records a terminal successful entry and the files it produced.
func (l *Ledger) Complete(job model.Job, files []string, duration time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.doc.Jobs[job.Identity()]
	l.doc.Jobs[job.Identity()] = model.ProgressEntry{
		Status:    model.JobStatusCompleted,
		Character: job.Character,
		Scene:     job.Scene,
		Workflow:  job.Workflow,
		Started:   orNow(prev.Started),
		Finished:  nowISO(),
		Duration:  roundSeconds(duration),
		Files:     files,
	}
	l.jobTimes = append(l.jobTimes, duration.Seconds())
	return l.flush()
}

// Fail records a terminal failed entry.
func (l *Ledger) Fail(job model.Job, jobErr error, duration time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := jobErr.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	prev := l.doc.Jobs[job.Identity()]
	l.doc.Jobs[job.Identity()] = model.ProgressEntry{
		Status:    model.JobStatusFailed,
		Character: job.Character,
		Scene:     job.Scene,
		Workflow:  job.Workflow,
		Started:   orNow(prev.Started),
		Finished:  nowISO(),
		Duration:  roundSeconds(duration),
		Error:     msg,
	}
	return l.flush()
}

// CountCompleted returns the number of completed entries.
func (l *Ledger) CountCompleted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(model.JobStatusCompleted)
}

// CountFailed returns the number of failed entries.
func (l *Ledger) CountFailed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(model.JobStatusFailed)
}

// Snapshot returns a copy of the current document for read-only
// reporting. The jobs map is copied so callers never race with writers.
func (l *Ledger) Snapshot() model.LedgerDocument {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc := l.doc
	doc.Jobs = make(map[string]model.ProgressEntry, len(l.doc.Jobs))
	for k, v := range l.doc.Jobs {
		doc.Jobs[k] = v
	}
	return doc
}

// Estimate summarizes progress and, when at least one job has completed
// this run, the projected time remaining across the given parallelism.
type Estimate struct {
	Completed   int
	Remaining   int
	MeanPerJob  time.Duration
	ETA         time.Duration
	HasDuration bool
}

// EstimateRemaining computes an Estimate for a batch of total jobs spread
// over workers parallel loops. With zero completed samples only the
// remaining count is reported; there is never a division by a zero sample
// count.
func (l *Ledger) EstimateRemaining(total, workers int) Estimate {
	l.mu.Lock()
	defer l.mu.Unlock()

	done := l.countLocked(model.JobStatusCompleted)
	est := Estimate{Completed: done, Remaining: total - done}
	if len(l.jobTimes) == 0 {
		return est
	}

	var sum float64
	for _, t := range l.jobTimes {
		sum += t
	}
	mean := sum / float64(len(l.jobTimes))
	if workers < 1 {
		workers = 1
	}
	est.MeanPerJob = time.Duration(mean * float64(time.Second))
	est.ETA = time.Duration(mean * float64(est.Remaining) / float64(workers) * float64(time.Second))
	est.HasDuration = true
	return est
}

// Finalize stamps the finish time and summary counts for a batch of total
// jobs.
func (l *Ledger) Finalize(total int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	completed := l.countLocked(model.JobStatusCompleted)
	failed := l.countLocked(model.JobStatusFailed)
	l.doc.Finished = nowISO()
	l.doc.Summary = &model.LedgerSummary{
		Total:     total,
		Completed: completed,
		Failed:    failed,
		Skipped:   total - completed - failed,
	}
	return l.flush()
}

// Reset removes the on-disk document and clears all entries (--no-resume).
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing ledger: %w", err)
	}
	l.doc = model.LedgerDocument{Started: nowISO(), Jobs: make(map[string]model.ProgressEntry)}
	l.jobTimes = nil
	return nil
}

func (l *Ledger) countLocked(status model.JobStatus) int {
	n := 0
	for _, entry := range l.doc.Jobs {
		if entry.Status == status {
			n++
		}
	}
	return n
}

// flush writes the full document durably. Caller holds the lock.
func (l *Ledger) flush() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	data, err := json.MarshalIndent(l.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing ledger: %w", err)
	}
	return nil
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func orNow(started string) string {
	if started != "" {
		return started
	}
	return nowISO()
}

func roundSeconds(d time.Duration) float64 {
	return float64(int(d.Seconds()*10)) / 10
}

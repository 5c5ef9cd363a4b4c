package model

// Job status within the progress ledger
type JobStatus string

const (
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// ProgressEntry is the per-identity record inside the ledger document.
// Transitions are monotonic: in_progress -> completed or failed. A
// completed entry is never rewritten.
type ProgressEntry struct {
	Status    JobStatus `json:"status"`
	Character string    `json:"character"`
	Scene     string    `json:"scene,omitempty"`
	Workflow  string    `json:"workflow,omitempty"`
	Started   string    `json:"started,omitempty"`
	Finished  string    `json:"finished,omitempty"`
	Duration  float64   `json:"duration_s,omitempty"`
	Files     []string  `json:"files,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// LedgerSummary is written once at finalize time.
type LedgerSummary struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// LedgerDocument is the on-disk shape of <output>/progress.json. It is the
// single authority for resume: any in_progress entry found on load belongs
// to an interrupted run and must be re-attempted.
type LedgerDocument struct {
	Started  string                   `json:"started"`
	Jobs     map[string]ProgressEntry `json:"jobs"`
	Finished string                   `json:"finished,omitempty"`
	Summary  *LedgerSummary           `json:"summary,omitempty"`
}

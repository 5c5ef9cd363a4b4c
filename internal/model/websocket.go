package model

// Monitor WebSocket message types
const (
	WSMessageTypeProgress  = "job_progress"
	WSMessageTypeCompleted = "job_completed"
	WSMessageTypeFailed    = "job_failed"
	WSMessageTypePing      = "ping"
	WSMessageTypePong      = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage announces generation step progress for a running job.
type WSProgressMessage struct {
	Type     string `json:"type"`
	Identity string `json:"identity"`
	Value    int    `json:"value"`
	Max      int    `json:"max"`
}

// WSCompletedMessage announces a finished job and its saved files.
type WSCompletedMessage struct {
	Type     string   `json:"type"`
	Identity string   `json:"identity"`
	Files    []string `json:"files,omitempty"`
	Duration float64  `json:"duration_s"`
}

// WSFailedMessage announces a job that exhausted its retry budget or hit a
// terminal error.
type WSFailedMessage struct {
	Type     string  `json:"type"`
	Identity string  `json:"identity"`
	Error    WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package model

// Worker state machine:
// creating -> ready -> healthy <-> unhealthy -> stopped | terminated
type WorkerState string

const (
	WorkerCreating   WorkerState = "creating"
	WorkerReady      WorkerState = "ready"
	WorkerHealthy    WorkerState = "healthy"
	WorkerUnhealthy  WorkerState = "unhealthy"
	WorkerStopped    WorkerState = "stopped"
	WorkerTerminated WorkerState = "terminated"
)

// WorkerInfo is a point-in-time snapshot of a remote compute unit as
// reported by the control plane.
type WorkerInfo struct {
	ID            string
	Name          string
	DesiredStatus string
	SSHHost       string
	SSHPort       string
	Uptime        int
}

// Running reports whether the control plane considers the unit up with
// runtime information attached.
func (w WorkerInfo) Running() bool {
	return w.DesiredStatus == "RUNNING" && w.SSHHost != ""
}

// Package supervisor starts, stops and watches the worker process attached
// to each role.
//
// A worker reports liveness and work events on its stdout as JSON lines.
// Missing heartbeats for longer than the grace period move the worker to the
// error state and raise a role-unavailable condition; the supervisor never
// restarts a worker on its own. Start and stop requests are intents: a newer
// intent for a role replaces an older one that has not been served yet.
package supervisor

import (
	"context"
	"time"
)

// Status is the supervision state of a worker.
type Status int

const (
	StatusStopped Status = iota
	StatusActive
	StatusBusy
	StatusError
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusActive:
		return "active"
	case StatusBusy:
		return "busy"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseStatus maps a worker-reported status to a Status. Anything other than
// "busy" counts as active.
func ParseStatus(s string) Status {
	if s == "busy" {
		return StatusBusy
	}
	return StatusActive
}

// Running reports whether the worker is expected to heartbeat.
func (s Status) Running() bool {
	return s == StatusActive || s == StatusBusy
}

// Worker is a snapshot of one supervised worker.
type Worker struct {
	RoleID        string    `json:"role_id"`
	WorkerID      string    `json:"worker_id"`
	Status        Status    `json:"-"`
	StatusName    string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	StartedAt     time.Time `json:"started_at"`
	Attempts      int       `json:"attempts"`
	// External workers were not launched by the supervisor and only report
	// heartbeats.
	External bool `json:"external,omitempty"`
}

// Sink receives what a worker reports.
type Sink interface {
	Heartbeat(roleID string, status Status)
	WorkerEvent(roleID, eventType string, payload map[string]any)
}

// Handle controls one running worker process.
type Handle interface {
	// Stop asks the worker to exit and forces termination after grace.
	Stop(grace time.Duration) error
	// Done is closed when the worker has exited.
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed.
	Err() error
}

// Launcher starts worker processes.
type Launcher interface {
	Launch(ctx context.Context, roleID, workerID string, sink Sink) (Handle, error)
}

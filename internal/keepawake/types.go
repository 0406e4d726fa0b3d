// Package keepawake holds an OS sleep inhibitor on the orchestrating host
// while a test run is in progress.
//
// Compliance runs can take hours with no operator input, and a host that
// idles into sleep drops the connection to the test application mid-run.
// The Manager observes orchestrator run events and reconciles a single
// process-scoped inhibitor against them.
package keepawake

import (
	"context"
	"time"
)

// State is the keep-awake runtime state.
type State string

const (
	// StateOff indicates no inhibitor is held.
	StateOff State = "OFF"
	// StatePending indicates an inhibitor acquire is in progress.
	StatePending State = "PENDING"
	// StateOn indicates the inhibitor is active.
	StateOn State = "ON"
	// StateDegraded indicates a run wanted keep-awake but it could not be held.
	StateDegraded State = "DEGRADED"
)

// DegradedReason identifies why keep-awake entered degraded mode.
type DegradedReason string

const (
	// DegradedReasonUnsupported means the host has no inhibitor mechanism.
	DegradedReasonUnsupported DegradedReason = "unsupported"
	// DegradedReasonAcquireFailed means inhibitor acquisition failed.
	DegradedReasonAcquireFailed DegradedReason = "acquire_failed"
	// DegradedReasonIntegrityLost means an acquired inhibitor exited while a
	// run was still in progress.
	DegradedReasonIntegrityLost DegradedReason = "integrity_lost"
)

// Status is a snapshot of keep-awake runtime state.
type Status struct {
	State          State          `json:"state"`
	DesiredEnabled bool           `json:"desired_enabled"`
	Reason         DegradedReason `json:"reason,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	// RunID is the run the inhibitor was last requested for.
	RunID     string    `json:"run_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	// Revision increments on every transition.
	Revision int64 `json:"revision"`
}

// Handle represents an acquired inhibitor.
type Handle interface {
	// Done is closed when the inhibitor exits.
	Done() <-chan struct{}
	// Err returns the exit error after Done closes.
	Err() error
	// Release requests inhibitor shutdown and waits for it.
	Release(ctx context.Context) error
}

// Adapter acquires OS-specific inhibitors.
type Adapter interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Package runstore persists run state: which step a run is on, the context
// accumulated so far, and why it stopped if it did. The orchestrator saves
// after every step transition so a run can always be resumed from its last
// consistent snapshot.
package runstore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/apiprobe/apiprobe/pkg/tools"
)

// ErrRunNotFound is returned by Load for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Status is the lifecycle phase of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Failure records why a run stopped: the failing step, the error class, the
// message, and the last tool invocation that was in flight.
type Failure struct {
	StepIndex int                     `json:"step_index"`
	ErrorKind string                  `json:"error_kind"`
	Reason    string                  `json:"reason"`
	LastTool  *tools.InvocationResult `json:"last_tool,omitempty"`
}

// RunState is one run's persistent snapshot. Context holds the accumulated
// run context as of the last completed step; CurrentStepIndex is the next
// step to execute.
type RunState struct {
	RunID            string                 `json:"run_id"`
	APIPath          string                 `json:"api_path"`
	BaseURL          string                 `json:"base_url,omitempty"`
	CurrentStepIndex int                    `json:"current_step_index"`
	Status           Status                 `json:"status"`
	Context          map[string]interface{} `json:"context"`
	Failure          *Failure               `json:"failure,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Validate checks the fields every backend requires.
func (s *RunState) Validate() error {
	if s.RunID == "" {
		return errors.New("run state needs a run id")
	}
	if !s.Status.Valid() {
		return errors.Errorf("invalid run status %q", s.Status)
	}
	return nil
}

// Store persists run state. Save is an upsert keyed by run id; it stamps
// UpdatedAt (and CreatedAt on first save) on the passed state.
type Store interface {
	Save(ctx context.Context, state *RunState) error

	// Load returns the state for a run id, or ErrRunNotFound.
	Load(ctx context.Context, runID string) (*RunState, error)

	// List returns runs with the given status, most recent first. An empty
	// status returns every run.
	List(ctx context.Context, status Status) ([]*RunState, error)
}

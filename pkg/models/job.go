package models

import (
	"time"

	"github.com/google/uuid"
)

// Cycle kinds accepted by the trigger surface.
const (
	CycleSubmit  = "submit"
	CycleConsume = "consume"
	CycleRun     = "run"
)

const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// Run tracks one triggered cycle execution. The API returns a run_id on
// POST /api/v1/{submit,consume,run}; callers may poll GET /api/v1/runs/{run_id}
// but the outcome of the cycle itself is only reflected in row state and alerts.
type Run struct {
	ID          uuid.UUID  `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ValidCycleKind reports whether kind names a cycle the engine can execute.
func ValidCycleKind(kind string) bool {
	switch kind {
	case CycleSubmit, CycleConsume, CycleRun:
		return true
	}
	return false
}

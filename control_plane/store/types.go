package store

import (
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
)

// Priority bands for evaluation scheduling. High is served before normal,
// FIFO within a band.
const (
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Evaluation is the central durable entity: one submission of code from
// receipt to terminal status. The reconciler is the only component that
// mutates it after creation; every status write goes through the state
// machine.
type Evaluation struct {
	ID             string              `json:"id" db:"id"`
	Code           string              `json:"code" db:"code"`
	Language       string              `json:"language" db:"language"`
	Priority       string              `json:"priority" db:"priority"` // "normal" | "high"
	TimeoutSeconds int                 `json:"timeout_seconds" db:"timeout_seconds"`
	Status         statemachine.Status `json:"status" db:"status"`
	Cause          string              `json:"cause,omitempty" db:"cause"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
	StartedAt      *time.Time          `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
	Stdout         string              `json:"stdout" db:"stdout"`
	Stderr         string              `json:"stderr" db:"stderr"`
	StdoutRef      string              `json:"stdout_ref,omitempty" db:"stdout_ref"`
	StderrRef      string              `json:"stderr_ref,omitempty" db:"stderr_ref"`
	ExitCode       int                 `json:"exit_code" db:"exit_code"` // -1 if never started
	ExecutorSlot   *int                `json:"executor_slot,omitempty" db:"executor_slot"`
	SandboxID      string              `json:"sandbox_id,omitempty" db:"sandbox_id"`
	RetryCount     int                 `json:"retry_count" db:"retry_count"`
	Metadata       map[string]string   `json:"metadata,omitempty" db:"metadata"` // JSONB in Postgres
	Deleted        bool                `json:"-" db:"deleted"`
}

// RunningRecord is the ephemeral record of an evaluation that currently
// holds an executor slot. Its presence is kept in lockstep with membership
// in the running set.
type RunningRecord struct {
	SlotID    int       `json:"slot_id"`
	SandboxID string    `json:"sandbox_id"`
	StartedAt time.Time `json:"started_at"`
}

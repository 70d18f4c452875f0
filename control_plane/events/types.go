// Package events carries lifecycle events between the dispatcher, the
// watcher, and the storage reconciler. Events are ephemeral: durability
// comes from the reconciler's effect on the durable record, never from
// retaining the stream.
package events

import "time"

// Type tags a lifecycle event. Each type has exactly one payload shape, so
// the reconciler's handling can be exhaustive.
type Type string

const (
	TypeQueued          Type = "queued"
	TypeProvisioning    Type = "provisioning"
	TypeRunning         Type = "running"
	TypeLogChunk        Type = "log_chunk"
	TypeCompleted       Type = "completed"
	TypeFailed          Type = "failed"
	TypeTimeout         Type = "timeout"
	TypeCancelRequested Type = "cancel_requested"
)

// Terminal reports whether events of this type carry a terminal payload.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeFailed || t == TypeTimeout
}

// User-visible causes attached to terminal transitions.
const (
	CauseOK                    = "ok"
	CauseMemoryLimit           = "memory_limit"
	CauseCancelled             = "cancelled"
	CauseCancelledOrTerminated = "cancelled_or_terminated"
	CauseKilled                = "killed"
	CauseTimeout               = "timeout"
	CauseGenericError          = "generic_error"
	CauseInfrastructure        = "infrastructure"
	CauseUnsupportedLanguage   = "unsupported_language"
	CauseOrphaned              = "orphaned"
)

// Event is one lifecycle message. Seq is monotonic per evaluation id and is
// assigned at publish time; consumers use it (and the state machine) to
// drop duplicates and late arrivals.
type Event struct {
	EvalID    string    `json:"eval_id"`
	Seq       int64     `json:"seq"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Exactly one of the following is set, matching Type.
	Provision *ProvisionPayload `json:"provision,omitempty"`
	Log       *LogChunkPayload  `json:"log,omitempty"`
	Terminal  *TerminalPayload  `json:"terminal,omitempty"`
}

// ProvisionPayload accompanies running events: which slot and sandbox the
// evaluation landed on.
type ProvisionPayload struct {
	SlotID    int    `json:"slot_id"`
	SandboxID string `json:"sandbox_id"`
}

// LogChunkPayload accompanies log_chunk events.
type LogChunkPayload struct {
	Chunk []byte `json:"chunk"`
}

// TerminalPayload accompanies completed, failed, and timeout events.
// SlotID is 0 when the publisher did not hold a slot (e.g. a cancel while
// queued); the reconciler then falls back to the durable and ephemeral
// records to find the slot to release.
type TerminalPayload struct {
	ExitCode   int    `json:"exit_code"`
	Cause      string `json:"cause"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	SlotID     int    `json:"slot_id,omitempty"`
	SandboxID  string `json:"sandbox_id,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

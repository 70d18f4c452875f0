// Package sandbox runs one untrusted submission in isolation and exposes
// its lifecycle. Backends differ in isolation strength; callers see one
// capability interface and no backend-specific error shapes.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrResourceExhausted means the host cannot start another sandbox right
// now. The dispatcher requeues the task; never terminal.
var ErrResourceExhausted = errors.New("sandbox: host resources exhausted")

// ErrUnsupportedLanguage means no profile maps the submitted language to
// a backend. Surfaced at submission time.
var ErrUnsupportedLanguage = errors.New("sandbox: unsupported language")

// WaitReason classifies why Wait returned.
type WaitReason string

const (
	ReasonNormal  WaitReason = "normal"
	ReasonTimeout WaitReason = "timeout"
	ReasonOOM     WaitReason = "oom"
	ReasonKilled  WaitReason = "killed"
)

// Spec describes one sandbox to create.
type Spec struct {
	EvalID   string
	Code     string
	Language string
	Timeout  time.Duration
	Limits   Limits
}

// Limits are the resource caps applied to the sandbox.
type Limits struct {
	MemoryBytes int64
	CPUs        string
	PidsLimit   int
}

// Handle identifies a created sandbox across driver calls.
type Handle struct {
	ID         string
	ScratchDir string
}

// WaitResult reports how a sandbox terminated.
type WaitResult struct {
	Reason   WaitReason
	ExitCode int
}

// Output holds the separately captured streams, read after termination.
type Output struct {
	Stdout string
	Stderr string
}

// Driver is the sandbox backend contract. All methods take a context;
// Destroy must succeed against partially created sandboxes.
type Driver interface {
	// Create materializes the sandbox without starting it.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Start begins execution.
	Start(ctx context.Context, h Handle) error

	// Wait blocks until the sandbox terminates or the timeout elapses.
	// On timeout the sandbox is killed before Wait returns.
	Wait(ctx context.Context, h Handle, timeout time.Duration) (WaitResult, error)

	// StreamLogs returns the merged live output stream. The reader ends
	// when the sandbox terminates.
	StreamLogs(ctx context.Context, h Handle) (io.ReadCloser, error)

	// Kill terminates the sandbox immediately. Idempotent.
	Kill(ctx context.Context, h Handle) error

	// Destroy releases every resource of the sandbox. Idempotent; called
	// even after partial failures.
	Destroy(ctx context.Context, h Handle) error

	// Alive reports whether the sandbox process still exists. Used by
	// the reaper to detect dead sandboxes holding slots.
	Alive(ctx context.Context, h Handle) (bool, error)

	// Output reads the separately captured stdout and stderr after
	// termination.
	Output(ctx context.Context, h Handle) (Output, error)
}

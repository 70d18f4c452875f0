package store

import (
	"context"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
)

// Ephemeral is the typed interface over the transient KV. All data behind
// it is reconstructible; the invariants it guards are restored by the
// reaper after a store restart.
//
// PutRunning and DeleteRunning are composite, server-side atomic
// operations: the running record and membership in the running set are
// written and cleared together, so "record present <=> id in running set"
// is never observably violated.
type Ephemeral interface {
	MarkPending(ctx context.Context, id string, ttl time.Duration) error
	ClearPending(ctx context.Context, id string) error
	IsPending(ctx context.Context, id string) (bool, error)

	PutRunning(ctx context.Context, id string, rec RunningRecord) error
	GetRunning(ctx context.Context, id string) (*RunningRecord, error)
	DeleteRunning(ctx context.Context, id string) error
	ListRunning(ctx context.Context) ([]string, error)

	// AppendLogs appends a chunk to the bounded log buffer for id; once the
	// buffer exceeds cap bytes the oldest bytes are dropped.
	AppendLogs(ctx context.Context, id string, chunk []byte, cap int) error
	ReadLogs(ctx context.Context, id string) (string, error)

	SetCancelRequested(ctx context.Context, id string, ttl time.Duration) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	// NextSeq returns the next monotonic event sequence number for id.
	NextSeq(ctx context.Context, id string) (int64, error)
}

// Locker provides a distributed lock with owner-checked release. The reaper
// uses it so only one instance sweeps at a time.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string, ownerID string) error
}

// Durable is the persistent record of evaluations: the single user-visible
// source of truth. The reconciler is its only writer after submission.
type Durable interface {
	UpsertEvaluation(ctx context.Context, eval *Evaluation) error
	GetEvaluation(ctx context.Context, id string) (*Evaluation, error)

	// UpdateEvaluationIf writes eval only while the stored status still
	// equals from. Returns false when a concurrent writer moved the record
	// first; the caller reloads and revalidates instead of overwriting.
	UpdateEvaluationIf(ctx context.Context, eval *Evaluation, from statemachine.Status) (bool, error)

	// ListNonTerminal returns evaluations in a non-terminal status created
	// before the cutoff. Used by the reaper to find abandoned work.
	ListNonTerminal(ctx context.Context, olderThan time.Time) ([]*Evaluation, error)

	// PurgeEvaluation soft-deletes an evaluation (administrative purge).
	PurgeEvaluation(ctx context.Context, id string) error
}

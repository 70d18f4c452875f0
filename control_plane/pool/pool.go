// Package pool hands out at most N concurrent executor slots. Slot
// selection is deterministic: the lowest free, non-quarantined slot wins,
// which keeps reaping and logs predictable.
package pool

import (
	"context"
	"errors"
)

// ErrExhausted is returned by TryReserve when every slot is held or
// quarantined. Callers must back off; the pool never blocks.
var ErrExhausted = errors.New("pool: no free slot")

// ErrConflict is returned by Release when the slot is held by a different
// evaluation id.
var ErrConflict = errors.New("pool: slot held by another evaluation")

// FailureThreshold is the number of consecutive driver failures on a slot
// before it gets quarantined.
const FailureThreshold = 3

// Pool is the slot allocator shared by dispatchers and the reaper.
type Pool interface {
	// TryReserve atomically claims the lowest free slot for evalID.
	// Returns ErrExhausted when nothing is available.
	TryReserve(ctx context.Context, evalID string) (int, error)

	// Release frees the slot if held by evalID. Releasing an already-free
	// slot is a no-op; releasing someone else's slot is ErrConflict.
	Release(ctx context.Context, slotID int, evalID string) error

	// Snapshot returns the current slot -> evaluation id assignment.
	// Free slots are absent from the map.
	Snapshot(ctx context.Context) (map[int]string, error)

	// ReportFailure records a driver failure against a slot. After
	// FailureThreshold consecutive failures the slot is quarantined for
	// the cool-down interval and skipped by TryReserve.
	ReportFailure(ctx context.Context, slotID int) error
}

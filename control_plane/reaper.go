package main

import (
	"context"
	"log"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/pool"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/sandbox"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/store"
	"github.com/google/uuid"
)

const reaperLockTTL = 5 * time.Minute

// Reaper restores the ephemeral/durable invariants after crashes. It
// never bypasses the state machine: orphaned evaluations are failed by
// publishing events the reconciler applies through the usual guarded
// path.
type Reaper struct {
	cfg       Config
	sm        *statemachine.Machine
	durable   store.Durable
	ephemeral store.Ephemeral
	locker    store.Locker
	pool      pool.Pool
	queue     queueRedeliverer
	drivers   *Drivers
	bus       events.Bus

	ownerID string
}

// queueRedeliverer is the slice of the queue the reaper needs.
type queueRedeliverer interface {
	Redeliver(ctx context.Context) (int, error)
}

func NewReaper(cfg Config, sm *statemachine.Machine, durable store.Durable,
	ephemeral store.Ephemeral, locker store.Locker, p pool.Pool,
	q queueRedeliverer, drivers *Drivers, bus events.Bus) *Reaper {
	return &Reaper{
		cfg:       cfg,
		sm:        sm,
		durable:   durable,
		ephemeral: ephemeral,
		locker:    locker,
		pool:      p,
		queue:     q,
		drivers:   drivers,
		bus:       bus,
		ownerID:   "reaper-" + uuid.NewString(),
	}
}

// Run sweeps every ReaperInterval until ctx is cancelled. A distributed
// lock keeps the sweep single-flight across instances.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	log.Printf("Reaper: sweeping every %v (grace window %v)", r.cfg.ReaperInterval, r.cfg.ReaperGraceWindow)
	for {
		select {
		case <-ticker.C:
			r.trySweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reaper) trySweep(ctx context.Context) {
	lockKey := store.LockKey("reaper")
	acquired, err := r.locker.AcquireLock(ctx, lockKey, r.ownerID, reaperLockTTL)
	if err != nil {
		log.Printf("Reaper: acquire lock: %v", err)
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := r.locker.ReleaseLock(ctx, lockKey, r.ownerID); err != nil {
			log.Printf("Reaper: release lock: %v", err)
		}
	}()

	start := time.Now()
	r.Sweep(ctx)
	observability.ReaperSweepDuration.Observe(time.Since(start).Seconds())
}

// Sweep runs all four reconciliation passes once. Exported so tests can
// drive it directly.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweepRunningSet(ctx)
	r.sweepAbandoned(ctx)
	r.sweepDeadSandboxes(ctx)

	if moved, err := r.queue.Redeliver(ctx); err != nil {
		log.Printf("Reaper: redeliver expired tasks: %v", err)
	} else if moved > 0 {
		log.Printf("Reaper: redelivered %d expired tasks", moved)
	}
}

// sweepRunningSet clears ephemeral state for ids whose durable record is
// already terminal, releasing any slot still held.
func (r *Reaper) sweepRunningSet(ctx context.Context) {
	ids, err := r.ephemeral.ListRunning(ctx)
	if err != nil {
		log.Printf("Reaper: list running set: %v", err)
		return
	}

	for _, id := range ids {
		rec, err := r.durable.GetEvaluation(ctx, id)
		if err != nil {
			log.Printf("Reaper: load %s: %v", id, err)
			continue
		}
		if rec != nil && !r.sm.IsTerminal(rec.Status) {
			continue
		}

		running, err := r.ephemeral.GetRunning(ctx, id)
		if err == nil && running != nil {
			if err := r.pool.Release(ctx, running.SlotID, id); err != nil {
				log.Printf("Reaper: release slot %d for %s: %v", running.SlotID, id, err)
			}
		}
		if err := r.ephemeral.DeleteRunning(ctx, id); err != nil {
			log.Printf("Reaper: delete running record for %s: %v", id, err)
			continue
		}
		r.ephemeral.ClearPending(ctx, id)
		log.Printf("Reaper: cleared stale ephemeral state for terminal %s", id)
	}
}

// sweepAbandoned fails non-terminal evaluations older than the grace
// window that hold neither a pending marker nor a running record. These
// lost their worker somewhere between queue-admit and the terminal event.
func (r *Reaper) sweepAbandoned(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.ReaperGraceWindow)
	stale, err := r.durable.ListNonTerminal(ctx, cutoff)
	if err != nil {
		log.Printf("Reaper: list non-terminal: %v", err)
		return
	}

	for _, rec := range stale {
		running, err := r.ephemeral.GetRunning(ctx, rec.ID)
		if err != nil || running != nil {
			continue
		}
		pending, err := r.ephemeral.IsPending(ctx, rec.ID)
		if err != nil || pending {
			continue
		}

		r.publishOrphaned(ctx, rec)
	}
}

// sweepDeadSandboxes frees slots whose sandbox no longer exists and fails
// the evaluation that was running in it.
func (r *Reaper) sweepDeadSandboxes(ctx context.Context) {
	snapshot, err := r.pool.Snapshot(ctx)
	if err != nil {
		log.Printf("Reaper: pool snapshot: %v", err)
		return
	}

	for slot, id := range snapshot {
		rec, err := r.durable.GetEvaluation(ctx, id)
		if err != nil {
			continue
		}
		if rec == nil {
			// Nothing durable claims this slot.
			r.pool.Release(ctx, slot, id)
			continue
		}
		if r.sm.IsTerminal(rec.Status) {
			// The reconciler crashed between the durable write and the
			// release; finish its cleanup.
			r.pool.Release(ctx, slot, id)
			r.ephemeral.DeleteRunning(ctx, id)
			r.ephemeral.ClearPending(ctx, id)
			continue
		}

		alive, err := r.sandboxAlive(ctx, rec)
		if err != nil || alive {
			continue
		}
		r.publishOrphaned(ctx, rec)
	}
}

func (r *Reaper) sandboxAlive(ctx context.Context, rec *store.Evaluation) (bool, error) {
	if rec.SandboxID == "" {
		return false, nil
	}
	drv, err := r.drivers.For(rec.Language)
	if err != nil {
		return false, err
	}
	return drv.Alive(ctx, sandbox.Handle{ID: rec.SandboxID})
}

func (r *Reaper) publishOrphaned(ctx context.Context, rec *store.Evaluation) {
	slot := 0
	if rec.ExecutorSlot != nil {
		slot = *rec.ExecutorSlot
	}
	err := r.bus.Publish(ctx, events.Event{
		EvalID: rec.ID,
		Type:   events.TypeFailed,
		Terminal: &events.TerminalPayload{
			ExitCode:   -1,
			Cause:      events.CauseOrphaned,
			SlotID:     slot,
			RetryCount: rec.RetryCount,
		},
	})
	if err != nil {
		log.Printf("Reaper: publish orphaned event for %s: %v", rec.ID, err)
		return
	}
	observability.ReaperOrphans.Inc()
	log.Printf("Reaper: declared %s orphaned (status %s, created %v)", rec.ID, rec.Status, rec.CreatedAt)
}

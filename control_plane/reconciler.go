package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/pool"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/store"
)

// Reconciler is the only writer of durable evaluation records. Lifecycle
// events are routed to shard workers by evaluation id, so writes for one
// id are always serialized.
type Reconciler struct {
	cfg       Config
	sm        *statemachine.Machine
	durable   store.Durable
	ephemeral store.Ephemeral
	pool      pool.Pool
	bus       events.Bus
	outputs   *store.BlobStore
	watchers  *Watchers

	shards []chan events.Event
	wg     sync.WaitGroup
}

func NewReconciler(cfg Config, sm *statemachine.Machine, durable store.Durable,
	ephemeral store.Ephemeral, p pool.Pool, bus events.Bus,
	outputs *store.BlobStore, watchers *Watchers) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		sm:        sm,
		durable:   durable,
		ephemeral: ephemeral,
		pool:      p,
		bus:       bus,
		outputs:   outputs,
		watchers:  watchers,
	}
}

// Run consumes the event bus until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ch, stop, err := r.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe reconciler: %w", err)
	}
	defer stop()

	n := r.cfg.ReconcilerShards
	if n < 1 {
		n = 1
	}
	r.shards = make([]chan events.Event, n)
	for i := range r.shards {
		r.shards[i] = make(chan events.Event, 128)
		r.wg.Add(1)
		go r.shardWorker(ctx, r.shards[i])
	}

	log.Printf("Reconciler: running with %d shards", n)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				r.drain()
				return nil
			}
			r.shards[shardFor(ev.EvalID, n)] <- ev
		case <-ctx.Done():
			r.drain()
			return nil
		}
	}
}

func (r *Reconciler) drain() {
	for _, ch := range r.shards {
		close(ch)
	}
	r.wg.Wait()
}

func shardFor(id string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32()) % n
}

func (r *Reconciler) shardWorker(ctx context.Context, ch <-chan events.Event) {
	defer r.wg.Done()

	// Highest sequence number applied per id, for duplicate drops.
	lastSeq := make(map[string]int64)

	for ev := range ch {
		if ev.Seq != 0 && ev.Seq <= lastSeq[ev.EvalID] {
			observability.ReconcilerDrops.WithLabelValues("stale_seq").Inc()
			continue
		}
		if err := r.applyEvent(ctx, ev); err != nil {
			log.Printf("Reconciler: apply %s seq=%d for %s: %v", ev.Type, ev.Seq, ev.EvalID, err)
			continue
		}
		lastSeq[ev.EvalID] = ev.Seq
		if ev.Type.Terminal() {
			delete(lastSeq, ev.EvalID)
		}
	}
}

func (r *Reconciler) applyEvent(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeLogChunk:
		// Log chunks feed the streaming endpoints only.
		return nil

	case events.TypeCancelRequested:
		return r.applyCancel(ctx, ev)

	case events.TypeQueued:
		// The API writes submitted -> queued synchronously; the bus copy
		// exists for streaming subscribers.
		return nil

	case events.TypeProvisioning:
		_, err := r.GuardedTransition(ctx, ev.EvalID, statemachine.StatusProvisioning, nil)
		return err

	case events.TypeRunning:
		_, err := r.GuardedTransition(ctx, ev.EvalID, statemachine.StatusRunning, func(rec *store.Evaluation) {
			now := ev.Timestamp
			rec.StartedAt = &now
			if ev.Provision != nil {
				slot := ev.Provision.SlotID
				rec.ExecutorSlot = &slot
				rec.SandboxID = ev.Provision.SandboxID
			}
		})
		return err

	case events.TypeCompleted, events.TypeFailed, events.TypeTimeout:
		return r.applyTerminal(ctx, ev)

	default:
		observability.ReconcilerDrops.WithLabelValues("unknown_type").Inc()
		return nil
	}
}

// applyTerminal writes the terminal record, then releases the slot and
// clears ephemeral keys. The side effects run after the durable write so
// a crash in between is recoverable by the reaper.
func (r *Reconciler) applyTerminal(ctx context.Context, ev events.Event) error {
	target := statemachine.Status(ev.Type)
	if ev.Type == events.TypeFailed && ev.Terminal != nil &&
		(ev.Terminal.Cause == events.CauseCancelled || ev.Terminal.Cause == events.CauseCancelledOrTerminated) {
		// A kill provoked by a user cancel surfaces as status cancelled.
		if requested, err := r.ephemeral.IsCancelRequested(ctx, ev.EvalID); err == nil && requested {
			target = statemachine.StatusCancelled
		} else if ev.Terminal.Cause == events.CauseCancelled {
			target = statemachine.StatusCancelled
		}
	}

	ok, err := r.GuardedTransition(ctx, ev.EvalID, target, func(rec *store.Evaluation) {
		now := ev.Timestamp
		rec.CompletedAt = &now
		if ev.Terminal == nil {
			return
		}
		rec.ExitCode = ev.Terminal.ExitCode
		rec.Cause = ev.Terminal.Cause
		rec.RetryCount = ev.Terminal.RetryCount
		rec.Stdout, rec.StdoutRef = r.externalize(ev.EvalID, "stdout", ev.Terminal.Stdout)
		rec.Stderr, rec.StderrRef = r.externalize(ev.EvalID, "stderr", ev.Terminal.Stderr)
	})
	if err != nil || !ok {
		return err
	}

	if rec, err := r.durable.GetEvaluation(ctx, ev.EvalID); err == nil && rec != nil && rec.StartedAt != nil {
		observability.EvaluationDuration.WithLabelValues(string(target)).
			Observe(ev.Timestamp.Sub(*rec.StartedAt).Seconds())
	}
	return nil
}

func (r *Reconciler) externalize(id string, stream string, data string) (inline string, ref string) {
	inline, ref, err := r.outputs.Externalize(id, stream, data)
	if err != nil {
		log.Printf("Reconciler: externalize %s for %s failed, keeping preview inline: %v", stream, id, err)
		if len(data) > store.PreviewBytes {
			return data[:store.PreviewBytes], ""
		}
		return data, ""
	}
	return inline, ref
}

// applyCancel either cancels a still-queued evaluation directly or flags
// a running one so its watcher kills the sandbox. Terminal records win.
func (r *Reconciler) applyCancel(ctx context.Context, ev events.Event) error {
	rec, err := r.durable.GetEvaluation(ctx, ev.EvalID)
	if err != nil {
		return err
	}
	if rec == nil {
		observability.ReconcilerDrops.WithLabelValues("unknown_eval").Inc()
		return nil
	}

	switch rec.Status {
	case statemachine.StatusSubmitted, statemachine.StatusQueued:
		ok, err := r.GuardedTransition(ctx, ev.EvalID, statemachine.StatusCancelled, func(rec *store.Evaluation) {
			now := ev.Timestamp
			rec.CompletedAt = &now
			rec.Cause = events.CauseCancelled
		})
		if err == nil && ok {
			log.Printf("Reconciler: cancelled %s before dispatch", ev.EvalID)
		}
		return err

	case statemachine.StatusProvisioning, statemachine.StatusRunning:
		if err := r.ephemeral.SetCancelRequested(ctx, ev.EvalID, r.cfg.PendingTTL); err != nil {
			return err
		}
		r.watchers.Kill(ev.EvalID)
		return nil

	default:
		// Already terminal; the cancel lost the race.
		observability.ReconcilerDrops.WithLabelValues("terminal_wins").Inc()
		return nil
	}
}

// guardedWriteRetries bounds revalidation after a lost optimistic write.
// The status only moves forward, so the loop converges well within this.
const guardedWriteRetries = 4

// GuardedTransition validates from -> to through the state machine and
// writes the durable record on success. Returns false without error for
// transitions the machine rejects; duplicates and reordered events land
// here and are dropped. The write is conditional on the status observed
// at load, so a concurrent writer (a shard applying cancel while a
// dispatcher worker promotes to provisioning) cannot be overwritten; the
// loser reloads and revalidates against the fresh status. On a terminal
// write the slot is released and all ephemeral keys for the id are
// cleared.
func (r *Reconciler) GuardedTransition(ctx context.Context, id string, to statemachine.Status, mutate func(*store.Evaluation)) (bool, error) {
	for attempt := 0; ; attempt++ {
		rec, err := r.durable.GetEvaluation(ctx, id)
		if err != nil {
			return false, fmt.Errorf("load evaluation %s: %w", id, err)
		}
		if rec == nil {
			observability.ReconcilerDrops.WithLabelValues("unknown_eval").Inc()
			return false, nil
		}

		from := rec.Status
		ok, reason := r.sm.ValidateTransition(from, to)
		if !ok {
			observability.ReconcilerDrops.WithLabelValues("invalid_transition").Inc()
			log.Printf("Reconciler: dropping %s -> %s for %s: %s", from, to, id, reason)
			return false, nil
		}

		slot := rec.ExecutorSlot
		rec.Status = to
		if mutate != nil {
			mutate(rec)
		}
		terminal := r.sm.IsTerminal(to)
		if terminal {
			rec.ExecutorSlot = nil
		}

		wrote, err := r.durable.UpdateEvaluationIf(ctx, rec, from)
		if err != nil {
			return false, fmt.Errorf("write evaluation %s: %w", id, err)
		}
		if !wrote {
			if attempt >= guardedWriteRetries {
				return false, fmt.Errorf("write evaluation %s: status kept changing under %s -> %s", id, from, to)
			}
			observability.ReconcilerWriteConflicts.Inc()
			log.Printf("Reconciler: %s moved past %s during %s write, revalidating", id, from, to)
			continue
		}
		observability.ReconcilerTransitions.WithLabelValues(string(from), string(to)).Inc()

		if terminal {
			r.releaseTerminal(ctx, id, slot)
		}
		return true, nil
	}
}

// releaseTerminal frees the slot and clears ephemeral keys after a
// terminal durable write. Failures are logged; the reaper retries them.
func (r *Reconciler) releaseTerminal(ctx context.Context, id string, slot *int) {
	if slot == nil {
		// The slot may only be recorded ephemerally if the evaluation
		// never reached running.
		if running, err := r.ephemeral.GetRunning(ctx, id); err == nil && running != nil {
			slot = &running.SlotID
		}
	}
	if slot != nil {
		if err := r.pool.Release(ctx, *slot, id); err != nil {
			log.Printf("Reconciler: release slot %d for %s: %v", *slot, id, err)
		}
	}
	if err := r.ephemeral.DeleteRunning(ctx, id); err != nil {
		log.Printf("Reconciler: delete running record for %s: %v", id, err)
	}
	if err := r.ephemeral.ClearPending(ctx, id); err != nil {
		log.Printf("Reconciler: clear pending marker for %s: %v", id, err)
	}
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/store"
)

func seedEvaluation(t *testing.T, env *testEnv, id string, status statemachine.Status) *store.Evaluation {
	t.Helper()
	eval := &store.Evaluation{
		ID:        id,
		Code:      "print(1)",
		Language:  "python",
		Priority:  store.PriorityNormal,
		Status:    status,
		CreatedAt: time.Now().UTC(),
		ExitCode:  -1,
	}
	if err := env.durable.UpsertEvaluation(context.Background(), eval); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	return eval
}

func TestGuardedTransitionRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedEvaluation(t, env, "eval-a", statemachine.StatusSubmitted)

	// submitted -> running skips queued and provisioning.
	ok, err := env.reconciler.GuardedTransition(ctx, "eval-a", statemachine.StatusRunning, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("invalid transition was accepted")
	}
	rec, _ := env.durable.GetEvaluation(ctx, "eval-a")
	if rec.Status != statemachine.StatusSubmitted {
		t.Errorf("status mutated to %s on rejected transition", rec.Status)
	}
}

func TestGuardedTransitionUnknownEvaluation(t *testing.T) {
	env := newTestEnv(t, nil)

	ok, err := env.reconciler.GuardedTransition(context.Background(), "eval-none", statemachine.StatusQueued, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("transition accepted for missing record")
	}
}

// racingDurable interposes on loads so a competing write can land in the
// window between a reader's GetEvaluation and its conditional update.
type racingDurable struct {
	*store.MemoryDurable
	afterGet func(id string)
}

func (d *racingDurable) GetEvaluation(ctx context.Context, id string) (*store.Evaluation, error) {
	rec, err := d.MemoryDurable.GetEvaluation(ctx, id)
	if d.afterGet != nil {
		d.afterGet(id)
	}
	return rec, err
}

func TestCancelledWriteSurvivesConcurrentPromotion(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedEvaluation(t, env, "eval-race", statemachine.StatusQueued)

	// A shard worker applies cancel after a dispatcher worker has loaded
	// the record as queued but before it writes provisioning. The
	// provisioning write must lose, not overwrite the terminal status.
	racing := &racingDurable{MemoryDurable: env.durable}
	fired := false
	racing.afterGet = func(id string) {
		if fired {
			return
		}
		fired = true
		ok, err := env.reconciler.GuardedTransition(ctx, id, statemachine.StatusCancelled, nil)
		if err != nil || !ok {
			t.Fatalf("cancel write: ok=%v err=%v", ok, err)
		}
	}

	promoter := NewReconciler(env.cfg, env.sm, racing, env.ephemeral, env.pool, env.bus, nil, env.watchers)
	ok, err := promoter.GuardedTransition(ctx, "eval-race", statemachine.StatusProvisioning, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("provisioning write accepted over a concurrent cancel")
	}

	rec, _ := env.durable.GetEvaluation(ctx, "eval-race")
	if rec.Status != statemachine.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", rec.Status)
	}
}

// A sandbox can finish before the running event is consumed. The terminal
// event must apply directly from provisioning.
func TestTerminalAppliesFromProvisioning(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedEvaluation(t, env, "eval-fast", statemachine.StatusProvisioning)

	err := env.reconciler.applyEvent(ctx, events.Event{
		EvalID:    "eval-fast",
		Type:      events.TypeCompleted,
		Timestamp: time.Now().UTC(),
		Terminal:  &events.TerminalPayload{ExitCode: 0, Cause: events.CauseOK, Stdout: "fast\n"},
	})
	if err != nil {
		t.Fatalf("apply completed: %v", err)
	}

	rec, _ := env.durable.GetEvaluation(ctx, "eval-fast")
	if rec.Status != statemachine.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.Stdout != "fast\n" {
		t.Errorf("stdout = %q", rec.Stdout)
	}
}

func TestLateRunningAfterTerminalDropped(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedEvaluation(t, env, "eval-late", statemachine.StatusCompleted)

	err := env.reconciler.applyEvent(ctx, events.Event{
		EvalID:    "eval-late",
		Type:      events.TypeRunning,
		Timestamp: time.Now().UTC(),
		Provision: &events.ProvisionPayload{SlotID: 2, SandboxID: "sb-1"},
	})
	if err != nil {
		t.Fatalf("apply running: %v", err)
	}

	rec, _ := env.durable.GetEvaluation(ctx, "eval-late")
	if rec.Status != statemachine.StatusCompleted {
		t.Errorf("status = %s, want completed to stand", rec.Status)
	}
	if rec.ExecutorSlot != nil {
		t.Errorf("late running event assigned slot %d", *rec.ExecutorSlot)
	}
}

// Duplicate terminal events must not double-release the slot.
func TestDuplicateTerminalReleasesSlotOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	eval := seedEvaluation(t, env, "eval-dup", statemachine.StatusRunning)
	slot, err := env.pool.TryReserve(ctx, eval.ID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	eval.ExecutorSlot = &slot
	if err := env.durable.UpsertEvaluation(ctx, eval); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := env.ephemeral.PutRunning(ctx, eval.ID, store.RunningRecord{SlotID: slot, SandboxID: "sb-dup", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("put running: %v", err)
	}

	// A second evaluation grabs the slot between the two deliveries.
	terminal := events.Event{
		EvalID:    eval.ID,
		Type:      events.TypeCompleted,
		Timestamp: time.Now().UTC(),
		Terminal:  &events.TerminalPayload{ExitCode: 0, Cause: events.CauseOK, SlotID: slot},
	}
	if err := env.reconciler.applyEvent(ctx, terminal); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	other, err := env.pool.TryReserve(ctx, "eval-other")
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if other != slot {
		t.Fatalf("slot %d not freed, got %d", slot, other)
	}

	if err := env.reconciler.applyEvent(ctx, terminal); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	snap, _ := env.pool.Snapshot(ctx)
	if snap[slot] != "eval-other" {
		t.Errorf("slot %d owner = %q, want eval-other untouched by duplicate", slot, snap[slot])
	}
}

func TestCancelQueuedGoesStraightToCancelled(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedEvaluation(t, env, "eval-cq", statemachine.StatusQueued)

	err := env.reconciler.applyCancel(ctx, events.Event{
		EvalID:    "eval-cq",
		Type:      events.TypeCancelRequested,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("apply cancel: %v", err)
	}

	rec, _ := env.durable.GetEvaluation(ctx, "eval-cq")
	if rec.Status != statemachine.StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
	if rec.Cause != events.CauseCancelled {
		t.Errorf("cause = %q", rec.Cause)
	}
	if rec.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestCancelRunningFlagsAndKills(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedEvaluation(t, env, "eval-cr", statemachine.StatusRunning)
	killCh := env.watchers.register("eval-cr")

	err := env.reconciler.applyCancel(ctx, events.Event{
		EvalID:    "eval-cr",
		Type:      events.TypeCancelRequested,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("apply cancel: %v", err)
	}

	select {
	case <-killCh:
	default:
		t.Error("kill channel not signalled")
	}
	flagged, _ := env.ephemeral.IsCancelRequested(ctx, "eval-cr")
	if !flagged {
		t.Error("cancel flag not set")
	}
	rec, _ := env.durable.GetEvaluation(ctx, "eval-cr")
	if rec.Status != statemachine.StatusRunning {
		t.Errorf("status = %s, want running until the watcher reports", rec.Status)
	}
}

// A kill caused by a user cancel is surfaced as status cancelled rather
// than failed.
func TestKilledWithCancelFlagBecomesCancelled(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	seedEvaluation(t, env, "eval-ck", statemachine.StatusRunning)
	if err := env.ephemeral.SetCancelRequested(ctx, "eval-ck", time.Minute); err != nil {
		t.Fatalf("set cancel flag: %v", err)
	}

	err := env.reconciler.applyEvent(ctx, events.Event{
		EvalID:    "eval-ck",
		Type:      events.TypeFailed,
		Timestamp: time.Now().UTC(),
		Terminal:  &events.TerminalPayload{ExitCode: 137, Cause: events.CauseCancelled},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	rec, _ := env.durable.GetEvaluation(ctx, "eval-ck")
	if rec.Status != statemachine.StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
}

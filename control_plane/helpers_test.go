package main

import (
	"context"
	"testing"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/pool"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/queue"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/sandbox"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/store"
)

func testConfig() Config {
	return Config{
		PoolSize:              3,
		QuarantineCooldown:    time.Minute,
		DispatcherWorkers:     2,
		DispatcherBackoffBase: time.Millisecond,
		DispatcherBackoffCap:  10 * time.Millisecond,
		RetryLimit:            2,
		StepDeadline:          5 * time.Second,
		ReaperInterval:        time.Hour,
		ReaperGraceWindow:     50 * time.Millisecond,
		DefaultTimeout:        5 * time.Second,
		MaxTimeout:            10 * time.Second,
		MaxCodeBytes:          64 << 10,
		WatcherSlack:          time.Second,
		LargeOutputThreshold:  2048,
		LogBufferSize:         4096,
		VisibilityTimeout:     time.Minute,
		PendingTTL:            time.Minute,
		ReconcilerShards:      2,
		SandboxBackend:        sandbox.BackendFake,
		BackendOverrides:      map[string]string{},
		SubmitRatePerSecond:   1000,
		SubmitBurst:           1000,
	}
}

// testEnv wires the whole control plane on in-memory backends with a
// scripted sandbox driver. The reconciler runs; the dispatcher starts on
// demand.
type testEnv struct {
	t          *testing.T
	ctx        context.Context
	cfg        Config
	sm         *statemachine.Machine
	durable    *store.MemoryDurable
	ephemeral  *store.MemoryEphemeral
	pool       *pool.MemoryPool
	queue      *queue.MemoryQueue
	bus        *events.MemoryBus
	driver     *sandbox.FakeDriver
	watchers   *Watchers
	reconciler *Reconciler
	watcher    *Watcher
	dispatcher *Dispatcher
	reaper     *Reaper
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	cfg.OutputStoreRoot = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	sm, err := statemachine.Load("")
	if err != nil {
		t.Fatalf("load transition table: %v", err)
	}

	outputs, err := store.NewBlobStore(cfg.OutputStoreRoot, cfg.LargeOutputThreshold)
	if err != nil {
		t.Fatalf("blob store: %v", err)
	}

	env := &testEnv{
		t:         t,
		cfg:       cfg,
		sm:        sm,
		durable:   store.NewMemoryDurable(sm),
		ephemeral: store.NewMemoryEphemeral(),
		pool:      pool.NewMemoryPool(cfg.PoolSize, cfg.QuarantineCooldown),
		queue:     queue.NewMemoryQueue(),
		bus:       events.NewMemoryBus(),
		driver:    sandbox.NewFakeDriver(),
		watchers:  NewWatchers(),
	}

	drivers := NewDrivers(cfg, map[string]sandbox.Driver{sandbox.BackendFake: env.driver})
	env.reconciler = NewReconciler(cfg, sm, env.durable, env.ephemeral, env.pool, env.bus, outputs, env.watchers)
	env.watcher = NewWatcher(cfg, env.ephemeral, env.bus, env.watchers)
	env.dispatcher = NewDispatcher(cfg, env.queue, env.pool, drivers, env.durable, env.ephemeral, env.bus, env.reconciler, env.watcher)
	env.reaper = NewReaper(cfg, sm, env.durable, env.ephemeral, env.ephemeral, env.pool, env.queue, drivers, env.bus)

	ctx, cancel := context.WithCancel(context.Background())
	env.ctx = ctx
	t.Cleanup(cancel)

	go env.reconciler.Run(ctx)
	// Let the reconciler's subscription land before anything publishes.
	time.Sleep(20 * time.Millisecond)
	return env
}

func (e *testEnv) startDispatcher() {
	go e.dispatcher.Run(e.ctx)
}

// submit mirrors the API's admission path without going through HTTP.
func (e *testEnv) submit(code string, language string, priority string, timeoutSec int) string {
	e.t.Helper()
	ctx := context.Background()

	id := newEvalID()
	eval := &store.Evaluation{
		ID:             id,
		Code:           code,
		Language:       language,
		Priority:       priority,
		TimeoutSeconds: timeoutSec,
		Status:         statemachine.StatusSubmitted,
		CreatedAt:      time.Now().UTC(),
		ExitCode:       -1,
	}
	if err := e.durable.UpsertEvaluation(ctx, eval); err != nil {
		e.t.Fatalf("persist submission: %v", err)
	}
	ok, err := e.reconciler.GuardedTransition(ctx, id, statemachine.StatusQueued, nil)
	if err != nil || !ok {
		e.t.Fatalf("admit %s: ok=%v err=%v", id, ok, err)
	}
	if err := e.ephemeral.MarkPending(ctx, id, e.cfg.PendingTTL); err != nil {
		e.t.Fatalf("mark pending: %v", err)
	}
	if err := e.queue.Enqueue(ctx, id, priority); err != nil {
		e.t.Fatalf("enqueue: %v", err)
	}
	return id
}

// waitStatus polls the durable record until it reaches want.
func (e *testEnv) waitStatus(id string, want statemachine.Status, timeout time.Duration) *store.Evaluation {
	e.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		rec, err := e.durable.GetEvaluation(context.Background(), id)
		if err != nil {
			e.t.Fatalf("load %s: %v", id, err)
		}
		if rec != nil && rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			status := statemachine.Status("missing")
			if rec != nil {
				status = rec.Status
			}
			e.t.Fatalf("evaluation %s: status %s, want %s after %v", id, status, want, timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// waitEphemeralCleared asserts all ephemeral keys for id disappear.
func (e *testEnv) waitEphemeralCleared(id string, timeout time.Duration) {
	e.t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for {
		running, _ := e.ephemeral.GetRunning(ctx, id)
		pending, _ := e.ephemeral.IsPending(ctx, id)
		inSet := false
		ids, _ := e.ephemeral.ListRunning(ctx)
		for _, rid := range ids {
			if rid == id {
				inSet = true
			}
		}
		if running == nil && !pending && !inSet {
			return
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("ephemeral keys for %s not cleared: running=%v pending=%v inSet=%v",
				id, running != nil, pending, inSet)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/pool"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/queue"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/sandbox"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/store"
)

// Drivers routes evaluations to sandbox backends by language profile and
// operator overrides.
type Drivers struct {
	cfg       Config
	byBackend map[string]sandbox.Driver
}

func NewDrivers(cfg Config, byBackend map[string]sandbox.Driver) *Drivers {
	return &Drivers{cfg: cfg, byBackend: byBackend}
}

// For picks the driver for a language. Per-language overrides beat the
// global default backend.
func (ds *Drivers) For(language string) (sandbox.Driver, error) {
	p, err := sandbox.LookupProfile(language, ds.cfg.BackendOverrides)
	if err != nil {
		return nil, err
	}
	backend := p.Backend
	if _, overridden := ds.cfg.BackendOverrides[language]; !overridden && ds.cfg.SandboxBackend != "" {
		backend = ds.cfg.SandboxBackend
	}
	drv, ok := ds.byBackend[backend]
	if !ok {
		return nil, fmt.Errorf("no driver registered for backend %q", backend)
	}
	return drv, nil
}

// Dispatcher turns queued tasks into running sandboxes. Many instances
// may run concurrently; correctness rests on slot reservation atomicity
// and on the guarded queued -> provisioning transition turning duplicate
// deliveries into no-ops.
type Dispatcher struct {
	cfg        Config
	queue      queue.Queue
	pool       pool.Pool
	drivers    *Drivers
	durable    store.Durable
	ephemeral  store.Ephemeral
	bus        events.Bus
	reconciler *Reconciler
	watcher    *Watcher

	wg sync.WaitGroup
}

func NewDispatcher(cfg Config, q queue.Queue, p pool.Pool, drivers *Drivers,
	durable store.Durable, ephemeral store.Ephemeral, bus events.Bus,
	reconciler *Reconciler, watcher *Watcher) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		queue:      q,
		pool:       p,
		drivers:    drivers,
		durable:    durable,
		ephemeral:  ephemeral,
		bus:        bus,
		reconciler: reconciler,
		watcher:    watcher,
	}
}

// Run starts the worker loops and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	n := d.cfg.DispatcherWorkers
	if n < 1 {
		n = 1
	}
	log.Printf("Dispatcher: starting %d workers", n)
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, idx int) {
	defer d.wg.Done()

	// Consecutive empty pulls and exhausted reservations grow the same
	// backoff counter.
	idle := 0
	for ctx.Err() == nil {
		task, err := d.pullTask(ctx)
		if err != nil {
			log.Printf("Dispatcher[%d]: pull: %v", idx, err)
			d.sleep(ctx, d.backoff(idle))
			idle++
			continue
		}
		if task == nil {
			d.sleep(ctx, d.backoff(idle))
			idle++
			continue
		}

		requeued, err := d.dispatch(ctx, task)
		if err != nil {
			log.Printf("Dispatcher[%d]: dispatch %s: %v", idx, task.EvalID, err)
		}
		if requeued {
			idle++
		} else {
			idle = 0
		}
	}
}

func (d *Dispatcher) pullTask(ctx context.Context) (*queue.Task, error) {
	pullCtx, cancel := context.WithTimeout(ctx, d.cfg.StepDeadline)
	defer cancel()
	return d.queue.Pull(pullCtx, d.cfg.VisibilityTimeout)
}

// dispatch runs one task to the point of a running sandbox with a
// watcher attached. Returns true when the task was requeued for later.
func (d *Dispatcher) dispatch(ctx context.Context, task *queue.Task) (requeued bool, err error) {
	id := task.EvalID

	loadCtx, cancel := context.WithTimeout(ctx, d.cfg.StepDeadline)
	eval, err := d.durable.GetEvaluation(loadCtx, id)
	cancel()
	if err != nil {
		return true, d.nack(ctx, task, fmt.Errorf("load evaluation: %w", err))
	}
	if eval == nil || d.reconciler.sm.IsTerminal(eval.Status) {
		// Cancelled or already handled; drop the delivery.
		observability.DispatchDecisions.WithLabelValues("drop", "not_dispatchable").Inc()
		return false, d.ack(ctx, task)
	}

	// Reserve capacity before touching durable state so an exhausted
	// pool leaves the task queued, not stuck in provisioning.
	slot, err := d.pool.TryReserve(ctx, id)
	if errors.Is(err, pool.ErrExhausted) {
		observability.DispatchDecisions.WithLabelValues("requeue", "pool_exhausted").Inc()
		return true, d.nackDelayed(ctx, task)
	}
	if err != nil {
		return true, d.nack(ctx, task, fmt.Errorf("reserve slot: %w", err))
	}

	drv, handle, failCause, err := d.createSandbox(ctx, eval)
	if err != nil {
		if failCause == events.CauseInfrastructure {
			d.reportSlotFailure(ctx, slot)
		}
		d.releaseSlot(ctx, slot, id)
		if failCause == "" {
			// Host is full; back off and let the task come around again.
			observability.DispatchDecisions.WithLabelValues("requeue", "host_full").Inc()
			return true, d.nackDelayed(ctx, task)
		}
		d.publishFailed(ctx, eval, task, failCause, err)
		return false, d.ack(ctx, task)
	}

	ok, err := d.reconciler.GuardedTransition(ctx, id, statemachine.StatusProvisioning, func(rec *store.Evaluation) {
		s := slot
		rec.ExecutorSlot = &s
		rec.SandboxID = handle.ID
		rec.RetryCount = task.Attempt - 1
	})
	if err != nil || !ok {
		// Duplicate delivery or a cancel won the race.
		observability.DispatchDecisions.WithLabelValues("drop", "transition_rejected").Inc()
		d.destroySandbox(drv, handle)
		d.releaseSlot(ctx, slot, id)
		if err != nil {
			return true, d.nack(ctx, task, err)
		}
		return false, d.ack(ctx, task)
	}

	stepCtx, cancel := context.WithTimeout(ctx, d.cfg.StepDeadline)
	err = d.ephemeral.PutRunning(stepCtx, id, store.RunningRecord{
		SlotID:    slot,
		SandboxID: handle.ID,
		StartedAt: time.Now().UTC(),
	})
	cancel()
	if err == nil {
		stepCtx, cancel = context.WithTimeout(ctx, d.cfg.StepDeadline)
		err = d.ephemeral.ClearPending(stepCtx, id)
		cancel()
	}
	if err == nil {
		err = drv.Start(ctx, handle)
	}
	if err != nil {
		// Past the guarded transition failures are terminal: the record
		// says provisioning and only a terminal event moves it on.
		d.reportSlotFailure(ctx, slot)
		d.destroySandbox(drv, handle)
		d.publishFailed(ctx, eval, task, events.CauseInfrastructure, err)
		return false, d.ack(ctx, task)
	}

	if err := d.bus.Publish(ctx, events.Event{
		EvalID:    id,
		Type:      events.TypeRunning,
		Provision: &events.ProvisionPayload{SlotID: slot, SandboxID: handle.ID},
	}); err != nil {
		log.Printf("Dispatcher: publish running event for %s: %v", id, err)
	}
	observability.DispatchDecisions.WithLabelValues("launch", "ok").Inc()

	// The snapshot predates the provisioning write; carry the attempt
	// count forward so the terminal event reports this delivery.
	eval.RetryCount = task.Attempt - 1
	go d.watcher.Watch(context.WithoutCancel(ctx), drv, eval, handle, slot)
	return false, d.ack(ctx, task)
}

// createSandbox retries transient create failures. A non-empty cause
// means the evaluation must fail terminally; an empty cause with an
// error means requeue.
func (d *Dispatcher) createSandbox(ctx context.Context, eval *store.Evaluation) (sandbox.Driver, sandbox.Handle, string, error) {
	drv, err := d.drivers.For(eval.Language)
	if err != nil {
		return nil, sandbox.Handle{}, events.CauseUnsupportedLanguage, err
	}

	spec := sandbox.Spec{
		EvalID:   eval.ID,
		Code:     eval.Code,
		Language: eval.Language,
		Timeout:  time.Duration(eval.TimeoutSeconds) * time.Second,
	}

	var lastErr error
	for attempt := 1; attempt <= d.cfg.RetryLimit; attempt++ {
		h, err := drv.Create(ctx, spec)
		if err == nil {
			return drv, h, "", nil
		}
		if errors.Is(err, sandbox.ErrUnsupportedLanguage) {
			return nil, sandbox.Handle{}, events.CauseUnsupportedLanguage, err
		}
		if errors.Is(err, sandbox.ErrResourceExhausted) {
			return nil, sandbox.Handle{}, "", err
		}
		lastErr = err
		d.sleep(ctx, d.backoff(attempt))
	}
	return nil, sandbox.Handle{}, events.CauseInfrastructure, fmt.Errorf("create failed after %d attempts: %w", d.cfg.RetryLimit, lastErr)
}

func (d *Dispatcher) publishFailed(ctx context.Context, eval *store.Evaluation, task *queue.Task, cause string, cause2 error) {
	log.Printf("Dispatcher: failing %s with cause %s: %v", eval.ID, cause, cause2)
	pubCtx, cancel := context.WithTimeout(ctx, d.cfg.StepDeadline)
	defer cancel()
	err := d.bus.Publish(pubCtx, events.Event{
		EvalID: eval.ID,
		Type:   events.TypeFailed,
		Terminal: &events.TerminalPayload{
			ExitCode:   -1,
			Cause:      cause,
			Stderr:     cause2.Error(),
			RetryCount: task.Attempt - 1,
		},
	})
	if err != nil {
		log.Printf("Dispatcher: publish failed event for %s: %v", eval.ID, err)
	}
}

func (d *Dispatcher) reportSlotFailure(ctx context.Context, slot int) {
	if err := d.pool.ReportFailure(ctx, slot); err != nil {
		log.Printf("Dispatcher: report failure on slot %d: %v", slot, err)
	}
}

func (d *Dispatcher) releaseSlot(ctx context.Context, slot int, id string) {
	if err := d.pool.Release(ctx, slot, id); err != nil {
		log.Printf("Dispatcher: release slot %d for %s: %v", slot, id, err)
	}
}

func (d *Dispatcher) destroySandbox(drv sandbox.Driver, h sandbox.Handle) {
	if h.ID == "" {
		return
	}
	// Destroy with a fresh context so shutdown doesn't strand sandboxes.
	dctx, cancel := context.WithTimeout(context.Background(), d.cfg.StepDeadline)
	defer cancel()
	if err := drv.Destroy(dctx, h); err != nil {
		log.Printf("Dispatcher: destroy sandbox %s: %v", h.ID, err)
	}
}

func (d *Dispatcher) ack(ctx context.Context, task *queue.Task) error {
	if err := d.queue.Ack(ctx, task); err != nil {
		return fmt.Errorf("ack task %s: %w", task.EvalID, err)
	}
	return nil
}

func (d *Dispatcher) nack(ctx context.Context, task *queue.Task, cause error) error {
	if err := d.queue.Nack(ctx, task, d.backoff(task.Attempt)); err != nil {
		return fmt.Errorf("nack task %s: %w", task.EvalID, err)
	}
	return cause
}

func (d *Dispatcher) nackDelayed(ctx context.Context, task *queue.Task) error {
	if err := d.queue.Nack(ctx, task, d.backoff(task.Attempt)); err != nil {
		return fmt.Errorf("nack task %s: %w", task.EvalID, err)
	}
	return nil
}

// backoff computes a jittered exponential delay for the given attempt.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.DispatcherBackoffBase
	for i := 0; i < attempt && delay < d.cfg.DispatcherBackoffCap; i++ {
		delay *= 2
	}
	if delay > d.cfg.DispatcherBackoffCap {
		delay = d.cfg.DispatcherBackoffCap
	}
	// Jitter to half the delay so workers do not thunder in step.
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

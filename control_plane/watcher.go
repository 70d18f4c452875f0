package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/sandbox"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/store"
)

// Watchers tracks the live watcher goroutines so cancel requests can
// reach the right sandbox.
type Watchers struct {
	mu   sync.Mutex
	kill map[string]chan struct{}
}

func NewWatchers() *Watchers {
	return &Watchers{kill: make(map[string]chan struct{})}
}

func (w *Watchers) register(evalID string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{})
	w.kill[evalID] = ch
	return ch
}

func (w *Watchers) deregister(evalID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.kill, evalID)
}

// Kill signals the watcher for evalID, if any, to kill its sandbox.
func (w *Watchers) Kill(evalID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.kill[evalID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
		delete(w.kill, evalID)
	}
}

// Watcher observes one running sandbox until termination and publishes
// the terminal event. One goroutine per evaluation, spawned by the
// dispatcher.
type Watcher struct {
	cfg       Config
	ephemeral store.Ephemeral
	bus       events.Bus
	registry  *Watchers
}

func NewWatcher(cfg Config, ephemeral store.Ephemeral, bus events.Bus, registry *Watchers) *Watcher {
	return &Watcher{cfg: cfg, ephemeral: ephemeral, bus: bus, registry: registry}
}

// Watch blocks until the sandbox terminates, then publishes exactly one
// terminal event and destroys the sandbox.
func (w *Watcher) Watch(ctx context.Context, driver sandbox.Driver, eval *store.Evaluation, h sandbox.Handle, slot int) {
	observability.ActiveWatchers.Inc()
	defer observability.ActiveWatchers.Dec()

	killCh := w.registry.register(eval.ID)
	defer w.registry.deregister(eval.ID)

	// A cancel may have landed between the running transition and this
	// registration; honor it now instead of waiting out the timeout.
	if cancelled, err := w.ephemeral.IsCancelRequested(ctx, eval.ID); err == nil && cancelled {
		w.registry.Kill(eval.ID)
	}

	timeout := time.Duration(eval.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = w.cfg.DefaultTimeout
	}

	// Outer wall clock: even a hung driver Wait gets cut off.
	waitCtx, cancel := context.WithTimeout(ctx, timeout+w.cfg.WatcherSlack)
	defer cancel()

	go w.relayKill(waitCtx, driver, eval.ID, h, killCh)

	var streamDone sync.WaitGroup
	streamDone.Add(1)
	go func() {
		defer streamDone.Done()
		w.streamLogs(waitCtx, driver, eval.ID, h)
	}()

	res, err := driver.Wait(waitCtx, h, timeout)
	if err != nil {
		// Driver hung or failed. Force kill and report a timeout; the
		// sandbox cannot be trusted to have finished cleanly.
		log.Printf("Watcher: wait for %s failed, force-killing: %v", eval.ID, err)
		killCtx, killCancel := context.WithTimeout(context.Background(), w.cfg.StepDeadline)
		if kerr := driver.Kill(killCtx, h); kerr != nil {
			log.Printf("Watcher: force kill for %s: %v", eval.ID, kerr)
		}
		killCancel()
		res = sandbox.WaitResult{Reason: sandbox.ReasonTimeout, ExitCode: 124}
	}
	streamDone.Wait()

	// Collect separated output with a fresh context; waitCtx may be spent.
	outCtx, outCancel := context.WithTimeout(context.Background(), w.cfg.StepDeadline)
	out, oerr := driver.Output(outCtx, h)
	outCancel()
	if oerr != nil {
		log.Printf("Watcher: read output for %s: %v", eval.ID, oerr)
	}

	ev := w.terminalEvent(ctx, eval, res, out, slot, h.ID)
	pubCtx, pubCancel := context.WithTimeout(context.Background(), w.cfg.StepDeadline)
	if err := w.bus.Publish(pubCtx, ev); err != nil {
		log.Printf("Watcher: publish %s for %s: %v", ev.Type, eval.ID, err)
	}
	pubCancel()

	destroyCtx, destroyCancel := context.WithTimeout(context.Background(), w.cfg.StepDeadline)
	if err := driver.Destroy(destroyCtx, h); err != nil {
		// Destroy failures never change the published terminal event.
		log.Printf("Watcher: destroy sandbox %s: %v", h.ID, err)
	}
	destroyCancel()
}

// relayKill forwards a cancel signal to the driver.
func (w *Watcher) relayKill(ctx context.Context, driver sandbox.Driver, evalID string, h sandbox.Handle, killCh chan struct{}) {
	select {
	case <-killCh:
		if err := driver.Kill(ctx, h); err != nil {
			log.Printf("Watcher: kill sandbox for %s: %v", evalID, err)
		}
	case <-ctx.Done():
	}
}

// streamLogs copies merged sandbox output into the bounded log cache and
// mirrors chunks onto the bus for live subscribers.
func (w *Watcher) streamLogs(ctx context.Context, driver sandbox.Driver, evalID string, h sandbox.Handle) {
	rc, err := driver.StreamLogs(ctx, h)
	if err != nil {
		log.Printf("Watcher: stream logs for %s: %v", evalID, err)
		return
	}
	defer rc.Close()

	buf := make([]byte, 4096)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if aerr := w.ephemeral.AppendLogs(ctx, evalID, chunk, w.cfg.LogBufferSize); aerr != nil {
				log.Printf("Watcher: append logs for %s: %v", evalID, aerr)
			}
			w.bus.Publish(ctx, events.Event{
				EvalID: evalID,
				Type:   events.TypeLogChunk,
				Log:    &events.LogChunkPayload{Chunk: chunk},
			})
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Printf("Watcher: log stream for %s ended: %v", evalID, err)
			}
			return
		}
	}
}

// terminalEvent translates the wait result into the terminal event type
// and user-visible cause.
func (w *Watcher) terminalEvent(ctx context.Context, eval *store.Evaluation, res sandbox.WaitResult, out sandbox.Output, slot int, sandboxID string) events.Event {
	payload := &events.TerminalPayload{
		ExitCode:   res.ExitCode,
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		SlotID:     slot,
		SandboxID:  sandboxID,
		RetryCount: eval.RetryCount,
	}

	var evType events.Type
	switch res.Reason {
	case sandbox.ReasonTimeout:
		evType = events.TypeTimeout
		payload.Cause = events.CauseTimeout

	case sandbox.ReasonOOM:
		evType = events.TypeFailed
		payload.Cause = events.CauseMemoryLimit

	case sandbox.ReasonKilled:
		evType = events.TypeFailed
		if cancelled, err := w.ephemeral.IsCancelRequested(ctx, eval.ID); err == nil && cancelled {
			payload.Cause = events.CauseCancelled
		} else {
			payload.Cause = events.CauseKilled
		}

	default:
		if res.ExitCode == 0 {
			evType = events.TypeCompleted
			payload.Cause = events.CauseOK
		} else {
			evType = events.TypeFailed
			payload.Cause = causeForExitCode(res.ExitCode)
		}
	}

	return events.Event{EvalID: eval.ID, Type: evType, Terminal: payload}
}

// causeForExitCode maps raw exit codes to user-visible causes.
func causeForExitCode(code int) string {
	switch code {
	case 0:
		return events.CauseOK
	case 137:
		return events.CauseMemoryLimit
	case 143:
		return events.CauseCancelledOrTerminated
	case 124:
		return events.CauseTimeout
	case 1:
		return events.CauseGenericError
	default:
		return fmt.Sprintf("exit:%d", code)
	}
}

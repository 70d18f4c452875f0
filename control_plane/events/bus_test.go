package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusAssignsMonotonicSeq(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, stop, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stop()

	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, Event{EvalID: "eval-1", Type: TypeLogChunk}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if err := bus.Publish(ctx, Event{EvalID: "eval-2", Type: TypeQueued}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	want := []struct {
		id  string
		seq int64
	}{
		{"eval-1", 1},
		{"eval-1", 2},
		{"eval-1", 3},
		{"eval-2", 1},
	}
	for _, w := range want {
		select {
		case ev := <-ch:
			if ev.EvalID != w.id || ev.Seq != w.seq {
				t.Errorf("got %s/%d, want %s/%d", ev.EvalID, ev.Seq, w.id, w.seq)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMemoryBusPreservesExplicitSeq(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, stop, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer stop()

	if err := bus.Publish(ctx, Event{EvalID: "eval-1", Type: TypeCompleted, Seq: 42}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Seq != 42 {
			t.Errorf("Seq = %d, want 42", ev.Seq)
		}
		if ev.Timestamp.IsZero() {
			t.Error("expected a timestamp to be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBusStopUnsubscribes(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	ch, stop, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	stop()
	stop() // second stop is a no-op

	if _, ok := <-ch; ok {
		t.Error("expected closed channel after stop")
	}

	if err := bus.Publish(ctx, Event{EvalID: "eval-1", Type: TypeQueued}); err != nil {
		t.Fatalf("Publish after unsubscribe failed: %v", err)
	}
}

func TestTerminalTypes(t *testing.T) {
	terminal := []Type{TypeCompleted, TypeFailed, TypeTimeout}
	for _, ty := range terminal {
		if !ty.Terminal() {
			t.Errorf("%s should be terminal", ty)
		}
	}
	nonTerminal := []Type{TypeQueued, TypeProvisioning, TypeRunning, TypeLogChunk, TypeCancelRequested}
	for _, ty := range nonTerminal {
		if ty.Terminal() {
			t.Errorf("%s should not be terminal", ty)
		}
	}
}

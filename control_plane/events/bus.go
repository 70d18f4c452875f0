package events

import (
	"context"
)

// Sequencer allocates monotonic per-evaluation sequence numbers. The
// ephemeral store provides one backed by Redis INCR so sequence numbers
// stay monotonic across publisher processes.
type Sequencer interface {
	NextSeq(ctx context.Context, id string) (int64, error)
}

// Bus delivers lifecycle events from producers to consumers. Delivery is
// at-least-once with best-effort ordering per evaluation id; there is no
// durable backlog. Consumers must be idempotent; lost or duplicated
// events are absorbed by the reconciler's state-machine filter and by the
// reaper.
type Bus interface {
	// Publish assigns ev.Seq (when zero) and delivers the event.
	Publish(ctx context.Context, ev Event) error

	// Subscribe returns a channel of events and a stop function. The
	// channel closes when ctx is cancelled or stop is called.
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// Package queue is the pull interface between the submission API and the
// dispatchers. Delivery is at-least-once: a pulled task that is neither
// acked nor nacked before its visibility deadline is redelivered.
package queue

import (
	"context"
	"time"
)

// Priority bands. High drains before normal; FIFO within a band.
const (
	BandHigh   = "high"
	BandNormal = "normal"
)

// Task is one unit of dispatch work. Attempt counts deliveries, starting
// at 1 on the first pull.
type Task struct {
	EvalID     string `json:"eval_id"`
	Priority   string `json:"priority"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`

	// receipt identifies this delivery for Ack/Nack.
	receipt string
}

// Queue is the broker adapter used by the API (enqueue), the dispatcher
// (pull/ack/nack) and the reaper (redeliver).
type Queue interface {
	// Enqueue appends a task to the tail of its priority band.
	Enqueue(ctx context.Context, evalID string, priority string) error

	// Pull returns the next task in priority order, or nil when both
	// bands are empty. The task stays invisible to other pullers until
	// the visibility deadline, then becomes eligible for redelivery.
	Pull(ctx context.Context, visibility time.Duration) (*Task, error)

	// Ack removes a delivered task permanently.
	Ack(ctx context.Context, t *Task) error

	// Nack returns a delivered task to its band after the given delay.
	Nack(ctx context.Context, t *Task, delay time.Duration) error

	// Redeliver moves tasks whose visibility deadline has passed back to
	// their bands. Returns how many were moved.
	Redeliver(ctx context.Context) (int, error)
}

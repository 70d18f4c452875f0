package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for tests and single-binary runs.
type MemoryQueue struct {
	mu         sync.Mutex
	bands      map[string][]Task
	delayed    []delayedTask
	processing map[string]inflight
	nextSeq    int
}

type delayedTask struct {
	task  Task
	dueAt time.Time
}

type inflight struct {
	task     Task
	deadline time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		bands:      map[string][]Task{BandHigh: nil, BandNormal: nil},
		processing: make(map[string]inflight),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, evalID string, priority string) error {
	if priority != BandHigh {
		priority = BandNormal
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bands[priority] = append(q.bands[priority], Task{
		EvalID:     evalID,
		Priority:   priority,
		EnqueuedAt: time.Now().Unix(),
	})
	return nil
}

func (q *MemoryQueue) Pull(ctx context.Context, visibility time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()

	// Promote due delayed tasks to the tail of their bands.
	var remaining []delayedTask
	for _, d := range q.delayed {
		if !d.dueAt.After(now) {
			q.bands[d.task.Priority] = append(q.bands[d.task.Priority], d.task)
		} else {
			remaining = append(remaining, d)
		}
	}
	q.delayed = remaining

	for _, band := range []string{BandHigh, BandNormal} {
		if len(q.bands[band]) == 0 {
			continue
		}
		t := q.bands[band][0]
		q.bands[band] = q.bands[band][1:]
		t.Attempt++
		t.receipt = q.newReceipt()
		q.processing[t.receipt] = inflight{task: t, deadline: now.Add(visibility)}
		return &t, nil
	}
	return nil, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, t.receipt)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, t *Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	in, ok := q.processing[t.receipt]
	if !ok {
		return nil
	}
	delete(q.processing, t.receipt)
	q.delayed = append(q.delayed, delayedTask{task: in.task, dueAt: time.Now().Add(delay)})
	return nil
}

func (q *MemoryQueue) Redeliver(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	moved := 0
	for receipt, in := range q.processing {
		if in.deadline.After(now) {
			continue
		}
		delete(q.processing, receipt)
		// Expired deliveries jump the line so a crashed dispatcher does
		// not push a task behind fresh arrivals.
		q.bands[in.task.Priority] = append([]Task{in.task}, q.bands[in.task.Priority]...)
		moved++
	}
	return moved, nil
}

func (q *MemoryQueue) newReceipt() string {
	q.nextSeq++
	return "r-" + strconv.Itoa(q.nextSeq)
}

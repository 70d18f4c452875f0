package events

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus for tests and single-binary deployments.
// Delivery is synchronous fan-out to buffered subscriber channels.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
	seqs map[string]int64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[int]chan Event),
		seqs: make(map[string]int64),
	}
}

// NextSeq lets a MemoryBus double as its own Sequencer.
func (b *MemoryBus) NextSeq(ctx context.Context, evalID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seqs[evalID]++
	return b.seqs[evalID], nil
}

func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if ev.Seq == 0 {
		n, err := b.NextSeq(ctx, ev.EvalID)
		if err != nil {
			return err
		}
		ev.Seq = n
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber. Drop rather than block publishers.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	ch := make(chan Event, 256)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, stop, nil
}

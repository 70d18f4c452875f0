package pool

import (
	"context"
	"sync"
	"time"
)

// MemoryPool is an in-process Pool for tests and single-binary runs.
type MemoryPool struct {
	mu       sync.Mutex
	size     int
	cooldown time.Duration
	held     map[int]string
	failures map[int]int
	banned   map[int]time.Time
}

func NewMemoryPool(size int, cooldown time.Duration) *MemoryPool {
	return &MemoryPool{
		size:     size,
		cooldown: cooldown,
		held:     make(map[int]string),
		failures: make(map[int]int),
		banned:   make(map[int]time.Time),
	}
}

func (p *MemoryPool) TryReserve(ctx context.Context, evalID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for slot := 1; slot <= p.size; slot++ {
		if until, ok := p.banned[slot]; ok {
			if now.Before(until) {
				continue
			}
			delete(p.banned, slot)
		}
		if _, taken := p.held[slot]; taken {
			continue
		}
		p.held[slot] = evalID
		return slot, nil
	}
	return 0, ErrExhausted
}

func (p *MemoryPool) Release(ctx context.Context, slotID int, evalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	owner, ok := p.held[slotID]
	if !ok {
		return nil
	}
	if owner != evalID {
		return ErrConflict
	}
	delete(p.held, slotID)
	return nil
}

func (p *MemoryPool) Snapshot(ctx context.Context) (map[int]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[int]string, len(p.held))
	for slot, id := range p.held {
		out[slot] = id
	}
	return out, nil
}

func (p *MemoryPool) ReportFailure(ctx context.Context, slotID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failures[slotID]++
	if p.failures[slotID] >= FailureThreshold {
		p.banned[slotID] = time.Now().Add(p.cooldown)
		delete(p.failures, slotID)
	}
	return nil
}

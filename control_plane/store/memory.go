package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
)

// MemoryEphemeral is an in-process Ephemeral and Locker, used by tests and
// single-node development. Composite operations hold one mutex, which gives
// the same atomicity the Redis Lua scripts give.
type MemoryEphemeral struct {
	mu      sync.Mutex
	pending map[string]time.Time // id -> expiry
	running map[string]RunningRecord
	logs    map[string][]byte
	cancels map[string]bool
	seqs    map[string]int64
	locks   map[string]string // key -> owner
}

// NewMemoryEphemeral initializes an empty MemoryEphemeral.
func NewMemoryEphemeral() *MemoryEphemeral {
	return &MemoryEphemeral{
		pending: make(map[string]time.Time),
		running: make(map[string]RunningRecord),
		logs:    make(map[string][]byte),
		cancels: make(map[string]bool),
		seqs:    make(map[string]int64),
		locks:   make(map[string]string),
	}
}

func (s *MemoryEphemeral) MarkPending(ctx context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[id] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryEphemeral) ClearPending(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
	return nil
}

func (s *MemoryEphemeral) IsPending(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.pending[id]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(s.pending, id)
		return false, nil
	}
	return true, nil
}

func (s *MemoryEphemeral) PutRunning(ctx context.Context, id string, rec RunningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[id] = rec
	return nil
}

func (s *MemoryEphemeral) GetRunning(ctx context.Context, id string) (*RunningRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.running[id]
	if !ok {
		return nil, nil
	}
	recCopy := rec
	return &recCopy, nil
}

func (s *MemoryEphemeral) DeleteRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
	// Memory store drops logs immediately; the grace interval only matters
	// for the shared Redis deployment.
	delete(s.logs, id)
	return nil
}

func (s *MemoryEphemeral) ListRunning(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryEphemeral) AppendLogs(ctx context.Context, id string, chunk []byte, cap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := append(s.logs[id], chunk...)
	if len(buf) > cap {
		buf = buf[len(buf)-cap:]
	}
	s.logs[id] = buf
	return nil
}

func (s *MemoryEphemeral) ReadLogs(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.logs[id]), nil
}

func (s *MemoryEphemeral) SetCancelRequested(ctx context.Context, id string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[id] = true
	return nil
}

func (s *MemoryEphemeral) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels[id], nil
}

func (s *MemoryEphemeral) NextSeq(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[id]++
	return s.seqs[id], nil
}

func (s *MemoryEphemeral) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[key]; held {
		return false, nil
	}
	s.locks[key] = ownerID
	return true, nil
}

func (s *MemoryEphemeral) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[key] == ownerID {
		delete(s.locks, key)
	}
	return nil
}

// MemoryDurable is an in-process Durable used by tests.
type MemoryDurable struct {
	mu    sync.RWMutex
	evals map[string]*Evaluation
	sm    *statemachine.Machine
}

// NewMemoryDurable initializes an empty MemoryDurable. The state machine is
// only used to classify terminal statuses for ListNonTerminal.
func NewMemoryDurable(sm *statemachine.Machine) *MemoryDurable {
	return &MemoryDurable{
		evals: make(map[string]*Evaluation),
		sm:    sm,
	}
}

func (s *MemoryDurable) UpsertEvaluation(ctx context.Context, e *Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evalCopy := *e
	s.evals[e.ID] = &evalCopy
	return nil
}

func (s *MemoryDurable) UpdateEvaluationIf(ctx context.Context, e *Evaluation, from statemachine.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.evals[e.ID]
	if !ok || cur.Status != from {
		return false, nil
	}
	evalCopy := *e
	s.evals[e.ID] = &evalCopy
	return true, nil
}

func (s *MemoryDurable) GetEvaluation(ctx context.Context, id string) (*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.evals[id]
	if !ok {
		return nil, nil
	}
	evalCopy := *e
	return &evalCopy, nil
}

func (s *MemoryDurable) ListNonTerminal(ctx context.Context, olderThan time.Time) ([]*Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Evaluation
	for _, e := range s.evals {
		if e.Deleted || s.sm.IsTerminal(e.Status) || !e.CreatedAt.Before(olderThan) {
			continue
		}
		evalCopy := *e
		out = append(out, &evalCopy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryDurable) PurgeEvaluation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.evals[id]
	if !ok {
		return errors.New("evaluation not found")
	}
	e.Deleted = true
	return nil
}

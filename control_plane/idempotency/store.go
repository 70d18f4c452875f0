// Package idempotency deduplicates API submissions carrying an
// Idempotency-Key header. A key is bound to the first evaluation id that
// claims it; replays get the original id back.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store binds idempotency keys to evaluation ids.
type Store interface {
	// Claim binds key to evalID unless already bound. Returns the bound
	// id and whether this call created the binding.
	Claim(ctx context.Context, key string, evalID string, ttl time.Duration) (string, bool, error)
}

// RedisStore implements Store with SET NX.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Claim(ctx context.Context, key string, evalID string, ttl time.Duration) (string, bool, error) {
	redisKey := "crucible:idempotency:" + key
	ok, err := s.client.SetNX(ctx, redisKey, evalID, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claim idempotency key: %w", err)
	}
	if ok {
		return evalID, true, nil
	}
	existing, err := s.client.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET. Treat the claim as fresh.
		return s.Claim(ctx, key, evalID, ttl)
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	return existing, false, nil
}

// MemoryStore is an in-process Store for tests and single-binary runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	evalID    string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Claim(ctx context.Context, key string, evalID string, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok && e.expiresAt.After(now) {
		return e.evalID, false, nil
	}
	s.entries[key] = memoryEntry{evalID: evalID, expiresAt: now.Add(ttl)}
	return evalID, true, nil
}

package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryStoreClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	id, created, err := s.Claim(ctx, "key-1", "eval-a", time.Minute)
	if err != nil || !created || id != "eval-a" {
		t.Fatalf("first Claim = (%s, %v, %v), want (eval-a, true, nil)", id, created, err)
	}

	id, created, err = s.Claim(ctx, "key-1", "eval-b", time.Minute)
	if err != nil || created || id != "eval-a" {
		t.Fatalf("replay Claim = (%s, %v, %v), want (eval-a, false, nil)", id, created, err)
	}

	// A different key claims independently.
	id, created, _ = s.Claim(ctx, "key-2", "eval-b", time.Minute)
	if !created || id != "eval-b" {
		t.Fatalf("Claim on fresh key = (%s, %v), want (eval-b, true)", id, created)
	}
}

func TestMemoryStoreClaimExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	s.Claim(ctx, "key-1", "eval-a", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	id, created, err := s.Claim(ctx, "key-1", "eval-b", time.Minute)
	if err != nil || !created || id != "eval-b" {
		t.Fatalf("Claim after expiry = (%s, %v, %v), want (eval-b, true, nil)", id, created, err)
	}
}

func TestRedisStoreClaim(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client)

	id, created, err := s.Claim(ctx, "key-1", "eval-a", time.Minute)
	if err != nil || !created || id != "eval-a" {
		t.Fatalf("first Claim = (%s, %v, %v), want (eval-a, true, nil)", id, created, err)
	}

	id, created, err = s.Claim(ctx, "key-1", "eval-b", time.Minute)
	if err != nil || created || id != "eval-a" {
		t.Fatalf("replay Claim = (%s, %v, %v), want (eval-a, false, nil)", id, created, err)
	}
}

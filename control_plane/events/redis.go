package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

// Channel is the pub/sub channel all lifecycle events travel on. Consumers
// shard by evaluation id themselves.
const Channel = "crucible:events"

// RedisBus implements Bus over Redis pub/sub. Sequence numbers come from
// the shared Sequencer so ordering survives multiple publisher processes.
type RedisBus struct {
	client *redis.Client
	seq    Sequencer
}

// NewRedisBus wraps an existing Redis client.
func NewRedisBus(client *redis.Client, seq Sequencer) *RedisBus {
	return &RedisBus{client: client, seq: seq}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.Seq == 0 {
		n, err := b.seq.NextSeq(ctx, ev.EvalID)
		if err != nil {
			observability.EventPublishFailures.WithLabelValues(string(ev.Type)).Inc()
			return fmt.Errorf("assign sequence: %w", err)
		}
		ev.Seq = n
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	start := time.Now()
	err = b.client.Publish(ctx, Channel, data).Err()
	observability.RedisLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(string(ev.Type)).Inc()
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, func(), error) {
	sub := b.client.Subscribe(ctx, Channel)
	// Force the subscription to be established before returning so callers
	// don't miss events published right after Subscribe.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan Event, 256)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("Event bus: dropping undecodable event: %v", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() {
		sub.Close()
	}
	return out, stop, nil
}

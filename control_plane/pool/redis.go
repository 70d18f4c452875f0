package pool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

const (
	slotsKey         = "crucible:pool:slots"
	quarantinePrefix = "crucible:pool:quarantine:"
	failuresPrefix   = "crucible:pool:failures:"
)

// reserveScript scans slots in ascending order and claims the first one
// that is free and not quarantined. Returns the slot id, or 0 when
// exhausted.
const reserveScript = `
local n = tonumber(ARGV[1])
for i = 1, n do
    if redis.call("EXISTS", ARGV[3] .. i) == 0 then
        if redis.call("HSETNX", KEYS[1], i, ARGV[2]) == 1 then
            return i
        end
    end
end
return 0
`

// releaseScript frees the slot only when held by the caller.
// Returns 1 when released, 2 when already free, 0 on owner conflict.
const releaseScript = `
local owner = redis.call("HGET", KEYS[1], ARGV[1])
if owner == false then
    return 2
end
if owner == ARGV[2] then
    redis.call("HDEL", KEYS[1], ARGV[1])
    return 1
end
return 0
`

// failureScript bumps the consecutive-failure counter for a slot and
// quarantines it once the threshold is reached. Returns 1 when the slot
// was quarantined by this call.
const failureScript = `
local count = redis.call("INCR", KEYS[1])
redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
if count >= tonumber(ARGV[1]) then
    redis.call("SET", KEYS[2], "1", "EX", tonumber(ARGV[3]))
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`

// RedisPool implements Pool over a Redis hash, one field per held slot.
// Multiple dispatcher processes share it safely; all mutation goes
// through server-side scripts.
type RedisPool struct {
	client   *redis.Client
	size     int
	cooldown time.Duration

	reserveSHA string
	releaseSHA string
	failureSHA string
}

// NewRedisPool preloads the slot scripts and returns a pool of the given
// size. Cooldown is how long a quarantined slot stays out of rotation.
func NewRedisPool(client *redis.Client, size int, cooldown time.Duration) (*RedisPool, error) {
	p := &RedisPool{client: client, size: size, cooldown: cooldown}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if p.reserveSHA, err = client.ScriptLoad(ctx, reserveScript).Result(); err != nil {
		return nil, fmt.Errorf("preload reserve script: %w", err)
	}
	if p.releaseSHA, err = client.ScriptLoad(ctx, releaseScript).Result(); err != nil {
		return nil, fmt.Errorf("preload release script: %w", err)
	}
	if p.failureSHA, err = client.ScriptLoad(ctx, failureScript).Result(); err != nil {
		return nil, fmt.Errorf("preload failure script: %w", err)
	}
	return p, nil
}

func (p *RedisPool) evalSHA(ctx context.Context, sha *string, script string, keys []string, args ...interface{}) (interface{}, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := p.client.EvalSha(ctx, *sha, keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		if *sha, err = p.client.ScriptLoad(ctx, script).Result(); err != nil {
			return nil, fmt.Errorf("reload script: %w", err)
		}
		res, err = p.client.EvalSha(ctx, *sha, keys, args...).Result()
	}
	return res, err
}

func (p *RedisPool) TryReserve(ctx context.Context, evalID string) (int, error) {
	res, err := p.evalSHA(ctx, &p.reserveSHA, reserveScript,
		[]string{slotsKey}, p.size, evalID, quarantinePrefix)
	if err != nil {
		return 0, fmt.Errorf("reserve slot: %w", err)
	}
	slot := int(res.(int64))
	if slot == 0 {
		observability.PoolReservations.WithLabelValues("exhausted").Inc()
		return 0, ErrExhausted
	}
	observability.PoolReservations.WithLabelValues("reserved").Inc()
	observability.SlotsHeld.Inc()
	return slot, nil
}

func (p *RedisPool) Release(ctx context.Context, slotID int, evalID string) error {
	res, err := p.evalSHA(ctx, &p.releaseSHA, releaseScript,
		[]string{slotsKey}, slotID, evalID)
	if err != nil {
		return fmt.Errorf("release slot %d: %w", slotID, err)
	}
	switch res.(int64) {
	case 1:
		observability.SlotsHeld.Dec()
		return nil
	case 2:
		return nil
	default:
		return ErrConflict
	}
}

func (p *RedisPool) Snapshot(ctx context.Context) (map[int]string, error) {
	fields, err := p.client.HGetAll(ctx, slotsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("snapshot pool: %w", err)
	}
	out := make(map[int]string, len(fields))
	for k, v := range fields {
		slot, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[slot] = v
	}
	return out, nil
}

func (p *RedisPool) ReportFailure(ctx context.Context, slotID int) error {
	// The failure counter expires after two cooldown intervals so stale
	// counts do not quarantine a slot that recovered long ago.
	counterTTL := int(2 * p.cooldown.Seconds())
	res, err := p.evalSHA(ctx, &p.failureSHA, failureScript,
		[]string{failuresPrefix + strconv.Itoa(slotID), quarantinePrefix + strconv.Itoa(slotID)},
		FailureThreshold, counterTTL, int(p.cooldown.Seconds()))
	if err != nil {
		return fmt.Errorf("report slot failure: %w", err)
	}
	if res.(int64) == 1 {
		observability.PoolReservations.WithLabelValues("quarantined").Inc()
	}
	return nil
}

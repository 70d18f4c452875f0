package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

const (
	bandPrefix    = "crucible:queue:"
	delayedKey    = "crucible:queue:delayed"
	processingKey = "crucible:queue:processing"
)

// pullScript promotes due delayed tasks into their bands, then pops the
// head of the high band, falling back to normal. The popped task gets its
// attempt counter bumped and is parked in the processing set under a
// visibility deadline. Returns the encoded task or false.
const pullScript = `
local now = tonumber(ARGV[1])
local deadline = tonumber(ARGV[2])

local due = redis.call("ZRANGEBYSCORE", KEYS[3], 0, now)
for _, raw in ipairs(due) do
    local task = cjson.decode(raw)
    redis.call("LPUSH", ARGV[3] .. task["priority"], raw)
    redis.call("ZREM", KEYS[3], raw)
end

for _, band in ipairs({KEYS[1], KEYS[2]}) do
    local raw = redis.call("RPOP", band)
    if raw then
        local task = cjson.decode(raw)
        task["attempt"] = task["attempt"] + 1
        local enc = cjson.encode(task)
        redis.call("ZADD", KEYS[4], deadline, enc)
        return enc
    end
end
return false
`

// redeliverScript moves tasks whose visibility deadline expired back to
// the head-of-line position of their bands.
const redeliverScript = `
local now = tonumber(ARGV[1])
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], 0, now)
for _, raw in ipairs(expired) do
    local task = cjson.decode(raw)
    redis.call("RPUSH", ARGV[2] .. task["priority"], raw)
    redis.call("ZREM", KEYS[1], raw)
end
return #expired
`

// RedisQueue implements Queue over two Redis lists plus two sorted sets
// for delayed and in-flight tasks.
type RedisQueue struct {
	client *redis.Client

	pullSHA      string
	redeliverSHA string
}

func NewRedisQueue(client *redis.Client) (*RedisQueue, error) {
	q := &RedisQueue{client: client}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if q.pullSHA, err = client.ScriptLoad(ctx, pullScript).Result(); err != nil {
		return nil, fmt.Errorf("preload pull script: %w", err)
	}
	if q.redeliverSHA, err = client.ScriptLoad(ctx, redeliverScript).Result(); err != nil {
		return nil, fmt.Errorf("preload redeliver script: %w", err)
	}
	return q, nil
}

func (q *RedisQueue) evalSHA(ctx context.Context, sha *string, script string, keys []string, args ...interface{}) (interface{}, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := q.client.EvalSha(ctx, *sha, keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		if *sha, err = q.client.ScriptLoad(ctx, script).Result(); err != nil {
			return nil, fmt.Errorf("reload script: %w", err)
		}
		res, err = q.client.EvalSha(ctx, *sha, keys, args...).Result()
	}
	return res, err
}

func bandKey(priority string) string {
	if priority != BandHigh {
		priority = BandNormal
	}
	return bandPrefix + priority
}

func (q *RedisQueue) Enqueue(ctx context.Context, evalID string, priority string) error {
	if priority != BandHigh {
		priority = BandNormal
	}
	t := Task{
		EvalID:     evalID,
		Priority:   priority,
		EnqueuedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	n, err := q.client.LPush(ctx, bandKey(priority), data).Result()
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	observability.QueueDepth.WithLabelValues(priority).Set(float64(n))
	return nil
}

func (q *RedisQueue) Pull(ctx context.Context, visibility time.Duration) (*Task, error) {
	now := time.Now()
	res, err := q.evalSHA(ctx, &q.pullSHA, pullScript,
		[]string{bandPrefix + BandHigh, bandPrefix + BandNormal, delayedKey, processingKey},
		now.Unix(), now.Add(visibility).Unix(), bandPrefix)
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("pull task: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, nil
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	t.receipt = raw
	observability.QueueDepth.WithLabelValues(t.Priority).Dec()
	return &t, nil
}

func (q *RedisQueue) Ack(ctx context.Context, t *Task) error {
	if err := q.client.ZRem(ctx, processingKey, t.receipt).Err(); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, t *Task, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, processingKey, t.receipt)
	pipe.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(time.Now().Add(delay).Unix()),
		Member: t.receipt,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Redeliver(ctx context.Context) (int, error) {
	res, err := q.evalSHA(ctx, &q.redeliverSHA, redeliverScript,
		[]string{processingKey}, time.Now().Unix(), bandPrefix)
	if err != nil {
		return 0, fmt.Errorf("redeliver tasks: %w", err)
	}
	return int(res.(int64)), nil
}

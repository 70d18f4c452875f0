package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	"github.com/redis/go-redis/v9"
)

// LogGraceInterval is how long cached logs outlive the running record, so
// late readers still see the tail of a finished evaluation.
const LogGraceInterval = 30 * time.Second

// putRunningScript writes the running record and adds the id to the running
// set in one atomic step.
const putRunningScript = `
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SADD", KEYS[2], ARGV[2])
return 1
`

// deleteRunningScript clears the running record and set membership together
// and lets the cached logs expire after a grace interval instead of
// deleting them outright.
const deleteRunningScript = `
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
if redis.call("EXISTS", KEYS[3]) == 1 then
    redis.call("EXPIRE", KEYS[3], tonumber(ARGV[2]))
end
return 1
`

// appendLogsScript appends a chunk and trims the buffer to the last cap
// bytes, dropping the oldest output first.
const appendLogsScript = `
redis.call("APPEND", KEYS[1], ARGV[1])
local len = redis.call("STRLEN", KEYS[1])
local cap = tonumber(ARGV[2])
if len > cap then
    local tail = redis.call("GETRANGE", KEYS[1], len - cap, -1)
    redis.call("SET", KEYS[1], tail)
end
return len
`

// RedisEphemeral implements Ephemeral and Locker over Redis.
type RedisEphemeral struct {
	client *redis.Client

	// Preloaded Lua script SHAs for the composite atomic operations.
	putRunningSHA    string
	deleteRunningSHA string
	appendLogsSHA    string
}

// NewRedisEphemeral connects to Redis and preloads the Lua scripts so the
// script text is not sent over the network on every call.
func NewRedisEphemeral(addr string, password string, db int) (*RedisEphemeral, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &RedisEphemeral{client: client}
	if err := s.loadScripts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewRedisEphemeralFromClient wraps an existing client. Used by tests.
func NewRedisEphemeralFromClient(client *redis.Client) (*RedisEphemeral, error) {
	s := &RedisEphemeral{client: client}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.loadScripts(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RedisEphemeral) loadScripts(ctx context.Context) error {
	var err error
	if s.putRunningSHA, err = s.client.ScriptLoad(ctx, putRunningScript).Result(); err != nil {
		return fmt.Errorf("preload put-running script: %w", err)
	}
	if s.deleteRunningSHA, err = s.client.ScriptLoad(ctx, deleteRunningScript).Result(); err != nil {
		return fmt.Errorf("preload delete-running script: %w", err)
	}
	if s.appendLogsSHA, err = s.client.ScriptLoad(ctx, appendLogsScript).Result(); err != nil {
		return fmt.Errorf("preload append-logs script: %w", err)
	}
	return nil
}

// evalSHA runs a preloaded script, reloading it once if Redis restarted and
// lost the script cache.
func (s *RedisEphemeral) evalSHA(ctx context.Context, sha *string, script string, keys []string, args ...interface{}) (interface{}, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	res, err := s.client.EvalSha(ctx, *sha, keys, args...).Result()
	if err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT") {
		if *sha, err = s.client.ScriptLoad(ctx, script).Result(); err != nil {
			return nil, fmt.Errorf("reload script: %w", err)
		}
		res, err = s.client.EvalSha(ctx, *sha, keys, args...).Result()
	}
	return res, err
}

// --- Pending markers ---

func (s *RedisEphemeral) MarkPending(ctx context.Context, id string, ttl time.Duration) error {
	return s.client.Set(ctx, PendingKey(id), "1", ttl).Err()
}

func (s *RedisEphemeral) ClearPending(ctx context.Context, id string) error {
	return s.client.Del(ctx, PendingKey(id)).Err()
}

func (s *RedisEphemeral) IsPending(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, PendingKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Running records ---

func (s *RedisEphemeral) PutRunning(ctx context.Context, id string, rec RunningRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal running record: %w", err)
	}
	_, err = s.evalSHA(ctx, &s.putRunningSHA, putRunningScript,
		[]string{RunningKey(id), RunningSetKey}, string(data), id)
	return err
}

func (s *RedisEphemeral) GetRunning(ctx context.Context, id string) (*RunningRecord, error) {
	data, err := s.client.Get(ctx, RunningKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec RunningRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal running record: %w", err)
	}
	return &rec, nil
}

func (s *RedisEphemeral) DeleteRunning(ctx context.Context, id string) error {
	_, err := s.evalSHA(ctx, &s.deleteRunningSHA, deleteRunningScript,
		[]string{RunningKey(id), RunningSetKey, LogsKey(id)},
		id, int(LogGraceInterval.Seconds()))
	return err
}

func (s *RedisEphemeral) ListRunning(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, RunningSetKey).Result()
}

// --- Cached logs ---

func (s *RedisEphemeral) AppendLogs(ctx context.Context, id string, chunk []byte, cap int) error {
	if len(chunk) == 0 {
		return nil
	}
	_, err := s.evalSHA(ctx, &s.appendLogsSHA, appendLogsScript,
		[]string{LogsKey(id)}, chunk, cap)
	return err
}

func (s *RedisEphemeral) ReadLogs(ctx context.Context, id string) (string, error) {
	val, err := s.client.Get(ctx, LogsKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// --- Cancel flags ---

func (s *RedisEphemeral) SetCancelRequested(ctx context.Context, id string, ttl time.Duration) error {
	return s.client.Set(ctx, CancelKey(id), "1", ttl).Err()
}

func (s *RedisEphemeral) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, CancelKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Event sequence numbers ---

func (s *RedisEphemeral) NextSeq(ctx context.Context, id string) (int64, error) {
	return s.client.Incr(ctx, SeqKey(id)).Result()
}

// --- Distributed lock (Locker) ---

// AcquireLock attempts to acquire a lock via SET key owner NX EX ttl.
func (s *RedisEphemeral) AcquireLock(ctx context.Context, key string, ownerID string, ttl time.Duration) (bool, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()
	return s.client.SetNX(ctx, key, ownerID, ttl).Result()
}

// ReleaseLock releases the lock only if held by ownerID.
func (s *RedisEphemeral) ReleaseLock(ctx context.Context, key string, ownerID string) error {
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	_, err := s.client.Eval(ctx, script, []string{key}, ownerID).Result()
	return err
}

// Client exposes the underlying connection for components that share it
// (event bus, queue, pool).
func (s *RedisEphemeral) Client() *redis.Client {
	return s.client
}

package main

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds every operator control. Immutable after startup; workers
// receive it by value.
type Config struct {
	// Capacity
	PoolSize           int
	QuarantineCooldown time.Duration

	// Dispatcher
	DispatcherWorkers     int
	DispatcherBackoffBase time.Duration
	DispatcherBackoffCap  time.Duration
	RetryLimit            int
	StepDeadline          time.Duration

	// Reaper
	ReaperInterval    time.Duration
	ReaperGraceWindow time.Duration

	// Evaluation limits
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxCodeBytes   int
	WatcherSlack   time.Duration

	// Output handling
	LargeOutputThreshold int
	OutputStoreRoot      string
	LogBufferSize        int

	// Queue
	VisibilityTimeout time.Duration
	PendingTTL        time.Duration

	// Reconciler
	ReconcilerShards int

	// Sandbox backends, default plus per-language overrides.
	SandboxBackend   string
	BackendOverrides map[string]string
	K8sNamespace     string

	// Endpoints
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string
	ListenAddr    string

	// API
	SubmitRatePerSecond float64
	SubmitBurst         int
}

// LoadConfig reads the environment and applies defaults.
func LoadConfig() Config {
	cfg := Config{
		PoolSize:              3,
		QuarantineCooldown:    2 * time.Minute,
		DispatcherWorkers:     2,
		DispatcherBackoffBase: 100 * time.Millisecond,
		DispatcherBackoffCap:  5 * time.Second,
		RetryLimit:            3,
		StepDeadline:          30 * time.Second,
		ReaperInterval:        60 * time.Second,
		ReaperGraceWindow:     2 * time.Minute,
		DefaultTimeout:        30 * time.Second,
		MaxTimeout:            300 * time.Second,
		MaxCodeBytes:          128 << 10,
		WatcherSlack:          5 * time.Second,
		LargeOutputThreshold:  10 << 10,
		OutputStoreRoot:       "/var/lib/crucible/outputs",
		LogBufferSize:         64 << 10,
		VisibilityTimeout:     2 * time.Minute,
		PendingTTL:            5 * time.Minute,
		ReconcilerShards:      4,
		SandboxBackend:        "docker",
		BackendOverrides:      map[string]string{},
		K8sNamespace:          "crucible",
		RedisAddr:             "localhost:6379",
		ListenAddr:            ":8080",
		SubmitRatePerSecond:   10,
		SubmitBurst:           20,
	}

	envInt("POOL_SIZE", &cfg.PoolSize)
	envDurationMS("DISPATCHER_BACKOFF_BASE_MS", &cfg.DispatcherBackoffBase)
	envDurationMS("DISPATCHER_BACKOFF_CAP_MS", &cfg.DispatcherBackoffCap)
	envInt("DISPATCHER_WORKERS", &cfg.DispatcherWorkers)
	envInt("RETRY_LIMIT", &cfg.RetryLimit)
	envDurationSec("REAPER_INTERVAL", &cfg.ReaperInterval)
	envDurationSec("REAPER_GRACE_WINDOW", &cfg.ReaperGraceWindow)
	envDurationSec("DEFAULT_TIMEOUT", &cfg.DefaultTimeout)
	envDurationSec("MAX_TIMEOUT", &cfg.MaxTimeout)
	envInt("MAX_CODE_BYTES", &cfg.MaxCodeBytes)
	envDurationSec("WATCHER_SLACK", &cfg.WatcherSlack)
	envInt("LARGE_OUTPUT_THRESHOLD", &cfg.LargeOutputThreshold)
	envString("OUTPUT_STORE_ROOT", &cfg.OutputStoreRoot)
	envInt("LOG_BUFFER_SIZE", &cfg.LogBufferSize)
	envDurationSec("QUEUE_VISIBILITY_TIMEOUT", &cfg.VisibilityTimeout)
	envDurationSec("PENDING_TTL", &cfg.PendingTTL)
	envInt("RECONCILER_SHARDS", &cfg.ReconcilerShards)
	envString("SANDBOX_BACKEND", &cfg.SandboxBackend)
	envString("K8S_NAMESPACE", &cfg.K8sNamespace)
	envString("REDIS_ADDR", &cfg.RedisAddr)
	envString("REDIS_PASSWORD", &cfg.RedisPassword)
	envInt("REDIS_DB", &cfg.RedisDB)
	envString("DATABASE_URL", &cfg.DatabaseURL)
	envString("LISTEN_ADDR", &cfg.ListenAddr)

	// Per-language backend overrides: "python=gvisor,bash=docker".
	if raw := os.Getenv("SANDBOX_BACKENDS"); raw != "" {
		for _, pair := range strings.Split(raw, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
				cfg.BackendOverrides[parts[0]] = parts[1]
			}
		}
	}

	// The watcher slack has a floor so the driver always gets a chance
	// to report a timeout itself.
	if cfg.WatcherSlack < 5*time.Second {
		cfg.WatcherSlack = 5 * time.Second
	}
	return cfg
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		var n int
		if _, err := fmt.Sscanf(val, "%d", &n); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDurationSec(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		var n int
		if _, err := fmt.Sscanf(val, "%d", &n); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envDurationMS(key string, dst *time.Duration) {
	if val := os.Getenv(key); val != "" {
		var n int
		if _, err := fmt.Sscanf(val, "%d", &n); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

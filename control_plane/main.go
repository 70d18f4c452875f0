package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/idempotency"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/pool"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/queue"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/sandbox"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := LoadConfig()

	sm, err := statemachine.Load(os.Getenv("TRANSITIONS_FILE"))
	if err != nil {
		log.Fatalf("Failed to load transition table: %v", err)
	}

	// Redis backs the ephemeral store, the event bus, the queue, the
	// slot pool, and idempotency keys. It is required.
	ephemeral, err := store.NewRedisEphemeral(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
	}
	log.Printf("✅ Connected to Redis at %s", cfg.RedisAddr)
	client := ephemeral.Client()

	var durable store.Durable
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresDurable(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		durable = pg
		log.Printf("✅ Connected to Postgres")
	} else {
		log.Printf("⚠️ DATABASE_URL not set, using in-memory durable store (single-node only)")
		durable = store.NewMemoryDurable(sm)
	}

	bus := events.NewRedisBus(client, ephemeral)

	taskQueue, err := queue.NewRedisQueue(client)
	if err != nil {
		log.Fatalf("Failed to initialize task queue: %v", err)
	}

	slotPool, err := pool.NewRedisPool(client, cfg.PoolSize, cfg.QuarantineCooldown)
	if err != nil {
		log.Fatalf("Failed to initialize executor pool: %v", err)
	}
	log.Printf("Executor pool: %d slots", cfg.PoolSize)

	outputs, err := store.NewBlobStore(cfg.OutputStoreRoot, cfg.LargeOutputThreshold)
	if err != nil {
		log.Fatalf("Failed to initialize output store at %s: %v", cfg.OutputStoreRoot, err)
	}

	drivers := NewDrivers(cfg, buildDrivers(cfg))

	watchers := NewWatchers()
	reconciler := NewReconciler(cfg, sm, durable, ephemeral, slotPool, bus, outputs, watchers)
	watcher := NewWatcher(cfg, ephemeral, bus, watchers)
	dispatcher := NewDispatcher(cfg, taskQueue, slotPool, drivers, durable, ephemeral, bus, reconciler, watcher)
	reaper := NewReaper(cfg, sm, durable, ephemeral, ephemeral, slotPool, taskQueue, drivers, bus)
	hub := NewEventHub(bus)
	api := NewAPI(cfg, durable, ephemeral, taskQueue, bus, reconciler, outputs, idempotency.NewRedisStore(client), hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := reconciler.Run(ctx); err != nil {
			log.Fatalf("Reconciler stopped: %v", err)
		}
	}()
	go dispatcher.Run(ctx)
	go reaper.Run(ctx)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Printf("Shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 Crucible control plane listening on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("HTTP server: %v", err)
	}
}

// buildDrivers registers every backend the configuration can reach. The
// k8s-job backend is only wired when something actually routes to it,
// since building it requires in-cluster credentials.
func buildDrivers(cfg Config) map[string]sandbox.Driver {
	byBackend := map[string]sandbox.Driver{
		sandbox.BackendDocker: sandbox.NewDockerDriver(),
		sandbox.BackendGVisor: sandbox.NewGVisorDriver(),
		sandbox.BackendFake:   sandbox.NewFakeDriver(),
	}

	if backendWanted(cfg, sandbox.BackendKubernetes) {
		k8s, err := sandbox.NewKubernetesDriver(cfg.K8sNamespace)
		if err != nil {
			log.Fatalf("Failed to initialize k8s-job backend: %v", err)
		}
		byBackend[sandbox.BackendKubernetes] = k8s
	}
	return byBackend
}

func backendWanted(cfg Config, backend string) bool {
	if cfg.SandboxBackend == backend {
		return true
	}
	for _, b := range cfg.BackendOverrides {
		if b == backend {
			return true
		}
	}
	return false
}

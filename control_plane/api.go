package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/events"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/idempotency"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/observability"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/queue"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/sandbox"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/store"
	"github.com/google/uuid"
)

// API is the inbound submission surface used by the gateway.
type API struct {
	cfg         Config
	durable     store.Durable
	ephemeral   store.Ephemeral
	queue       queue.Queue
	bus         events.Bus
	reconciler  *Reconciler
	outputs     *store.BlobStore
	idempotency idempotency.Store
	hub         *EventHub

	submitLimiter *rate.Limiter
}

func NewAPI(cfg Config, durable store.Durable, ephemeral store.Ephemeral,
	q queue.Queue, bus events.Bus, reconciler *Reconciler,
	outputs *store.BlobStore, idem idempotency.Store, hub *EventHub) *API {
	return &API{
		cfg:           cfg,
		durable:       durable,
		ephemeral:     ephemeral,
		queue:         q,
		bus:           bus,
		reconciler:    reconciler,
		outputs:       outputs,
		idempotency:   idem,
		hub:           hub,
		submitLimiter: rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSecond), cfg.SubmitBurst),
	}
}

// Routes registers every endpoint on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /evaluations", a.handleSubmit)
	mux.HandleFunc("GET /evaluations/{id}", a.handleGet)
	mux.HandleFunc("GET /evaluations/{id}/logs", a.handleLogs)
	mux.HandleFunc("GET /evaluations/{id}/output/{stream}", a.handleOutput)
	mux.HandleFunc("POST /evaluations/{id}/cancel", a.handleCancel)
	mux.HandleFunc("DELETE /evaluations/{id}", a.handlePurge)
	mux.HandleFunc("GET /events/stream", a.hub.handleStream)
	mux.HandleFunc("GET /healthz", a.handleHealth)
}

type submitRequest struct {
	Code           string            `json:"code"`
	Language       string            `json:"language"`
	Priority       string            `json:"priority"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Metadata       map[string]string `json:"metadata"`
}

type submitResponse struct {
	EvaluationID string `json:"evaluation_id"`
	Status       string `json:"status"`
}

// newEvalID builds a lexicographically creation-ordered id.
func newEvalID() string {
	return fmt.Sprintf("eval-%s-%s",
		time.Now().UTC().Format("20060102T150405.000000000"),
		uuid.NewString()[:8])
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if !a.submitLimiter.Allow() {
		observability.APIRateLimited.WithLabelValues("submit").Inc()
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		http.Error(w, "code is required", http.StatusBadRequest)
		return
	}
	if len(req.Code) > a.cfg.MaxCodeBytes {
		http.Error(w, fmt.Sprintf("code exceeds %d bytes", a.cfg.MaxCodeBytes), http.StatusRequestEntityTooLarge)
		return
	}
	if _, err := sandbox.LookupProfile(req.Language, a.cfg.BackendOverrides); err != nil {
		http.Error(w, fmt.Sprintf("unsupported language %q, supported: %s",
			req.Language, strings.Join(sandbox.Languages(), ", ")), http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}
	if req.Priority != store.PriorityNormal && req.Priority != store.PriorityHigh {
		http.Error(w, "priority must be normal or high", http.StatusBadRequest)
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = a.cfg.DefaultTimeout
	}
	if timeout > a.cfg.MaxTimeout {
		timeout = a.cfg.MaxTimeout
	}

	id := newEvalID()
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		bound, created, err := a.idempotency.Claim(r.Context(), key, id, 24*time.Hour)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if !created {
			// Replay: return the evaluation the key is already bound to.
			a.writeJSON(w, http.StatusOK, submitResponse{EvaluationID: bound, Status: "accepted"})
			return
		}
	}

	eval := &store.Evaluation{
		ID:             id,
		Code:           req.Code,
		Language:       req.Language,
		Priority:       req.Priority,
		TimeoutSeconds: int(timeout.Seconds()),
		Status:         statemachine.StatusSubmitted,
		CreatedAt:      time.Now().UTC(),
		ExitCode:       -1,
		Metadata:       req.Metadata,
	}
	if err := a.durable.UpsertEvaluation(r.Context(), eval); err != nil {
		log.Printf("API: persist submission %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	ok, err := a.reconciler.GuardedTransition(r.Context(), id, statemachine.StatusQueued, nil)
	if err != nil || !ok {
		log.Printf("API: admit %s: ok=%v err=%v", id, ok, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := a.ephemeral.MarkPending(r.Context(), id, a.cfg.PendingTTL); err != nil {
		log.Printf("API: mark pending %s: %v", id, err)
	}
	if err := a.queue.Enqueue(r.Context(), id, req.Priority); err != nil {
		log.Printf("API: enqueue %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := a.bus.Publish(r.Context(), events.Event{EvalID: id, Type: events.TypeQueued}); err != nil {
		log.Printf("API: publish queued for %s: %v", id, err)
	}

	observability.Submissions.WithLabelValues(req.Priority).Inc()
	a.writeJSON(w, http.StatusAccepted, submitResponse{EvaluationID: id, Status: string(statemachine.StatusQueued)})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	eval, err := a.durable.GetEvaluation(r.Context(), id)
	if err != nil {
		log.Printf("API: load %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if eval == nil || eval.Deleted {
		http.Error(w, "Evaluation not found", http.StatusNotFound)
		return
	}
	// The submitted code is not echoed back.
	eval.Code = ""
	a.writeJSON(w, http.StatusOK, eval)
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	logs, err := a.ephemeral.ReadLogs(r.Context(), id)
	if err != nil {
		log.Printf("API: read logs for %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if logs == "" {
		// The cache may have expired; fall back to the durable record.
		eval, err := a.durable.GetEvaluation(r.Context(), id)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if eval == nil || eval.Deleted {
			http.Error(w, "Evaluation not found", http.StatusNotFound)
			return
		}
		logs = eval.Stdout + eval.Stderr
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"evaluation_id": id, "logs": logs})
}

// handleOutput serves an externalized stdout or stderr blob in full.
func (a *API) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stream := r.PathValue("stream")
	if stream != "stdout" && stream != "stderr" {
		http.Error(w, "stream must be stdout or stderr", http.StatusBadRequest)
		return
	}

	eval, err := a.durable.GetEvaluation(r.Context(), id)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if eval == nil || eval.Deleted {
		http.Error(w, "Evaluation not found", http.StatusNotFound)
		return
	}

	inline, ref := eval.Stdout, eval.StdoutRef
	if stream == "stderr" {
		inline, ref = eval.Stderr, eval.StderrRef
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if ref == "" {
		w.Write([]byte(inline))
		return
	}
	data, err := a.outputs.Read(ref)
	if err != nil {
		log.Printf("API: read output blob %s: %v", ref, err)
		http.Error(w, "Output unavailable", http.StatusNotFound)
		return
	}
	w.Write([]byte(data))
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	eval, err := a.durable.GetEvaluation(r.Context(), id)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if eval == nil || eval.Deleted {
		http.Error(w, "Evaluation not found", http.StatusNotFound)
		return
	}

	// Cancellation is advisory: the event is published even for records
	// that look terminal here, and terminal-wins at the reconciler.
	if err := a.bus.Publish(r.Context(), events.Event{EvalID: id, Type: events.TypeCancelRequested}); err != nil {
		log.Printf("API: publish cancel for %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]string{"evaluation_id": id, "status": "cancel_requested"})
}

// handlePurge soft-deletes a record and removes externalized outputs.
func (a *API) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.durable.PurgeEvaluation(r.Context(), id); err != nil {
		log.Printf("API: purge %s: %v", id, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := a.outputs.Remove(id); err != nil {
		log.Printf("API: remove outputs for %s: %v", id, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: encode response: %v", err)
	}
}

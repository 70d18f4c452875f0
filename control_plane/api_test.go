package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/idempotency"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/statemachine"
	"github.com/VeylanSolmira/crucible-eval-platform-sub008/control_plane/store"
)

func newTestAPI(t *testing.T, env *testEnv) *http.ServeMux {
	t.Helper()
	hub := NewEventHub(env.bus)
	api := NewAPI(env.cfg, env.durable, env.ephemeral, env.queue, env.bus,
		env.reconciler, env.reconciler.outputs, idempotency.NewMemoryStore(), hub)
	mux := http.NewServeMux()
	api.Routes(mux)
	return mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestSubmitAcceptsAndQueues(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	w := postJSON(t, mux, "/evaluations", `{"code":"print(1)","language":"python"}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp submitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(resp.EvaluationID, "eval-") {
		t.Errorf("evaluation id = %q", resp.EvaluationID)
	}
	if resp.Status != string(statemachine.StatusQueued) {
		t.Errorf("status = %q, want queued", resp.Status)
	}

	rec, _ := env.durable.GetEvaluation(context.Background(), resp.EvaluationID)
	if rec == nil || rec.Status != statemachine.StatusQueued {
		t.Fatalf("record = %+v, want queued", rec)
	}
	if rec.TimeoutSeconds != int(env.cfg.DefaultTimeout.Seconds()) {
		t.Errorf("timeout = %d, want default applied", rec.TimeoutSeconds)
	}

	task, err := env.queue.Pull(context.Background(), time.Minute)
	if err != nil || task == nil || task.EvalID != resp.EvaluationID {
		t.Errorf("queue task = %+v err = %v", task, err)
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty code", `{"code":"","language":"python"}`, http.StatusBadRequest},
		{"whitespace code", `{"code":"   ","language":"python"}`, http.StatusBadRequest},
		{"bad language", `{"code":"x","language":"brainfuck"}`, http.StatusBadRequest},
		{"bad priority", `{"code":"x","language":"python","priority":"urgent"}`, http.StatusBadRequest},
		{"bad json", `{"code":`, http.StatusBadRequest},
		{"oversized code", `{"code":"` + strings.Repeat("a", 70<<10) + `","language":"python"}`, http.StatusRequestEntityTooLarge},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := postJSON(t, mux, "/evaluations", c.body, nil)
			if w.Code != c.want {
				t.Errorf("status = %d, want %d; body = %s", w.Code, c.want, w.Body.String())
			}
		})
	}
}

func TestSubmitTimeoutClamped(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	w := postJSON(t, mux, "/evaluations", `{"code":"x","language":"python","timeout_seconds":9999}`, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	var resp submitResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	rec, _ := env.durable.GetEvaluation(context.Background(), resp.EvaluationID)
	if rec.TimeoutSeconds != int(env.cfg.MaxTimeout.Seconds()) {
		t.Errorf("timeout = %d, want clamped to %v", rec.TimeoutSeconds, env.cfg.MaxTimeout)
	}
}

func TestSubmitIdempotencyReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)
	hdr := map[string]string{"Idempotency-Key": "retry-abc"}

	first := postJSON(t, mux, "/evaluations", `{"code":"print(1)","language":"python"}`, hdr)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first submit: %d", first.Code)
	}
	var a submitResponse
	json.Unmarshal(first.Body.Bytes(), &a)

	second := postJSON(t, mux, "/evaluations", `{"code":"print(1)","language":"python"}`, hdr)
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", second.Code)
	}
	var b submitResponse
	json.Unmarshal(second.Body.Bytes(), &b)
	if b.EvaluationID != a.EvaluationID {
		t.Errorf("replay id = %q, want %q", b.EvaluationID, a.EvaluationID)
	}

	// Only the first submit enqueued a task.
	task1, _ := env.queue.Pull(context.Background(), time.Minute)
	task2, _ := env.queue.Pull(context.Background(), time.Minute)
	if task1 == nil || task2 != nil {
		t.Errorf("queue deliveries = (%v, %v), want exactly one", task1, task2)
	}
}

func TestGetStripsCode(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	seedEvaluation(t, env, "eval-g", statemachine.StatusQueued)

	r := httptest.NewRequest(http.MethodGet, "/evaluations/eval-g", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var rec store.Evaluation
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != "" {
		t.Errorf("code echoed back: %q", rec.Code)
	}
	if rec.ID != "eval-g" {
		t.Errorf("id = %q", rec.ID)
	}
}

func TestGetUnknownIs404(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	r := httptest.NewRequest(http.MethodGet, "/evaluations/eval-nope", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestLogsFallBackToDurable(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	eval := seedEvaluation(t, env, "eval-l", statemachine.StatusCompleted)
	eval.Stdout = "out\n"
	eval.Stderr = "err\n"
	if err := env.durable.UpsertEvaluation(context.Background(), eval); err != nil {
		t.Fatalf("update: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/evaluations/eval-l/logs", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["logs"] != "out\nerr\n" {
		t.Errorf("logs = %q", resp["logs"])
	}
}

func TestOutputServesExternalizedBlob(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	big := strings.Repeat("z", 4096)
	inline, ref, err := env.reconciler.outputs.Externalize("eval-o", "stdout", big)
	if err != nil {
		t.Fatalf("externalize: %v", err)
	}
	eval := seedEvaluation(t, env, "eval-o", statemachine.StatusCompleted)
	eval.Stdout = inline
	eval.StdoutRef = ref
	if err := env.durable.UpsertEvaluation(context.Background(), eval); err != nil {
		t.Fatalf("update: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/evaluations/eval-o/output/stdout", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != big {
		t.Errorf("body length = %d, want %d", w.Body.Len(), len(big))
	}
}

func TestOutputRejectsUnknownStream(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	seedEvaluation(t, env, "eval-s", statemachine.StatusCompleted)

	r := httptest.NewRequest(http.MethodGet, "/evaluations/eval-s/output/stdin", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestCancelQueuedThroughAPI(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	seedEvaluation(t, env, "eval-c", statemachine.StatusQueued)

	w := postJSON(t, mux, "/evaluations/eval-c/cancel", "", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}

	env.waitStatus("eval-c", statemachine.StatusCancelled, 5*time.Second)
}

func TestPurgeHidesRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	mux := newTestAPI(t, env)

	seedEvaluation(t, env, "eval-p", statemachine.StatusCompleted)

	r := httptest.NewRequest(http.MethodDelete, "/evaluations/eval-p", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("purge status = %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/evaluations/eval-p", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after purge = %d, want 404", w.Code)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.SubmitRatePerSecond = 1
		cfg.SubmitBurst = 1
	})
	mux := newTestAPI(t, env)

	first := postJSON(t, mux, "/evaluations", `{"code":"x","language":"python"}`, nil)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}
	second := postJSON(t, mux, "/evaluations", `{"code":"x","language":"python"}`, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.Code)
	}
}

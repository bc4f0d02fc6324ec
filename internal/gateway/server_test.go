package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/stewardq/internal/bus"
	"github.com/basket/stewardq/internal/ledger"
	"github.com/basket/stewardq/internal/queue"
)

type testEnv struct {
	server *httptest.Server
	store  *queue.Store
	bus    *bus.Bus
	token  string
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	eventBus := bus.New()
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), eventBus)
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(Config{
		Store:     store,
		Recorder:  ledger.NewRecorder(store.DB(), eventBus, logger),
		Bus:       eventBus,
		Logger:    logger,
		AuthToken: token,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, bus: eventBus, token: token}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	env := newTestEnv(t, "secret-token")

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/queue", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}

	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/queue", nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", resp.StatusCode)
	}

	// Health stays open.
	req, _ = http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200 without auth", resp.StatusCode)
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, http.MethodPost, "/api/tasks", map[string]any{
		"room":       "room-1",
		"task":       "search.bundle",
		"params":     map[string]any{"message": "find sources"},
		"request_id": "req-1",
		"targets":    []string{"node:a"},
		"depth":      2,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d, want 201", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	task, ok := body["task"].(map[string]any)
	if !ok {
		t.Fatalf("response = %v, want task object", body)
	}
	key, _ := task["dedupe_key"].(string)
	if !strings.HasPrefix(key, "stw-") || !strings.HasSuffix(key, "-d2") {
		t.Errorf("dedupe_key = %q, want derived key", key)
	}

	// Same logical submission again: absorbed, not duplicated.
	resp = env.request(t, http.MethodPost, "/api/tasks", map[string]any{
		"room":       "room-1",
		"task":       "search.bundle",
		"params":     map[string]any{"message": "find sources"},
		"request_id": "req-1",
		"targets":    []string{"node:a"},
		"depth":      2,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	if body["deduplicated"] != true {
		t.Errorf("duplicate response = %v, want deduplicated flag", body)
	}

	tasks, err := env.store.List(context.Background(), queue.Filter{Room: "room-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("stored tasks = %d, want 1", len(tasks))
	}
}

func TestEnqueueValidation(t *testing.T) {
	env := newTestEnv(t, "")

	for name, body := range map[string]map[string]any{
		"missing room":     {"task": "search.bundle"},
		"missing task":     {"room": "r1"},
		"empty room":       {"room": "", "task": "t"},
		"unknown field":    {"room": "r1", "task": "t", "bogus": 1},
		"bad params type":  {"room": "r1", "task": "t", "params": "nope"},
		"negative depth":   {"room": "r1", "task": "t", "depth": -1},
		"bad targets type": {"room": "r1", "task": "t", "targets": "node:a"},
	} {
		resp := env.request(t, http.MethodPost, "/api/tasks", body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestQueueListingAndStats(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	for _, room := range []string{"a", "a", "b"} {
		if _, err := env.store.Enqueue(ctx, queue.EnqueueRequest{Room: room, Task: "search.bundle"}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	resp := env.request(t, http.MethodGet, "/api/queue?room=a&limit=9999", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queue status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	tasks, _ := body["tasks"].([]any)
	if len(tasks) != 2 {
		t.Errorf("tasks = %d, want 2 for room a", len(tasks))
	}

	resp = env.request(t, http.MethodGet, "/api/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d, want 200", resp.StatusCode)
	}
	stats := decodeBody(t, resp)
	byStatus, _ := stats["by_status"].(map[string]any)
	if byStatus["queued"] != float64(3) {
		t.Errorf("by_status = %v, want 3 queued", byStatus)
	}
}

func TestCancelEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	task, err := env.store.Enqueue(ctx, queue.EnqueueRequest{Room: "r1", Task: "search.bundle"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	resp := env.request(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", map[string]any{"reason": "stale"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", resp.StatusCode)
	}
	_ = resp.Body.Close()

	// Canceling a finished task conflicts.
	done, err := env.store.Enqueue(ctx, queue.EnqueueRequest{Room: "r1", Task: "scorecard.run"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	claimed, err := env.store.Claim(ctx, queue.ClaimRequest{Room: "r1", Limit: 1})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("Claim() = %d, err %v", len(claimed), err)
	}
	if _, err := env.store.Complete(ctx, done.ID, claimed[0].LeaseToken, nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	resp = env.request(t, http.MethodPost, "/api/tasks/"+done.ID+"/cancel", nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel succeeded task status = %d, want 409", resp.StatusCode)
	}

	resp = env.request(t, http.MethodPost, "/api/tasks/nope/cancel", nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel missing task status = %d, want 404", resp.StatusCode)
	}
}

func TestSupersedeEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	old, err := env.store.Enqueue(ctx, queue.EnqueueRequest{
		Room: "r1", Task: "editor.apply", ResourceKeys: []string{"widget:w1"},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	resp := env.request(t, http.MethodPost, "/api/supersede", map[string]any{
		"room":          "r1",
		"resource_keys": []string{"widget:w1"},
		"task":          "editor.apply",
		"params":        map[string]any{"rev": 2},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("supersede status = %d, want 201", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	canceled, _ := body["canceled"].([]any)
	if len(canceled) != 1 || canceled[0] != old.ID {
		t.Errorf("canceled = %v, want old task id", canceled)
	}

	got, err := env.store.Get(ctx, old.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != queue.StatusCanceled {
		t.Errorf("old task status = %q, want canceled", got.Status)
	}
}

func TestSupersedeEndpointCancelOnly(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	old, err := env.store.Enqueue(ctx, queue.EnqueueRequest{
		Room: "r1", Task: "editor.apply", ResourceKeys: []string{"widget:w1"},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// No task in the body means the newer intent just obsoletes old work.
	resp := env.request(t, http.MethodPost, "/api/supersede", map[string]any{
		"room":          "r1",
		"resource_keys": []string{"widget:w1"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel-only supersede status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if _, has := body["task"]; has {
		t.Errorf("body has task = %v, want none without a replacement", body["task"])
	}
	canceled, _ := body["canceled"].([]any)
	if len(canceled) != 1 || canceled[0] != old.ID {
		t.Errorf("canceled = %v, want old task id", canceled)
	}

	got, err := env.store.Get(ctx, old.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != queue.StatusCanceled {
		t.Errorf("old task status = %q, want canceled", got.Status)
	}
}

func TestTracesEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := ledger.NewRecorder(env.store.DB(), nil, logger)
	rec.Record(context.Background(), ledger.Event{Stage: "routed", TraceID: "t1", Room: "r1"})

	resp := env.request(t, http.MethodGet, "/api/traces?trace_id=t1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("traces status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	events, _ := body["events"].([]any)
	if len(events) != 1 {
		t.Errorf("events = %d, want 1", len(events))
	}
}

func TestSchedulesEndpoints(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, http.MethodPost, "/api/schedules", map[string]any{
		"name":      "nightly",
		"cron_expr": "0 3 * * *",
		"room":      "r1",
		"task":      "scorecard.run",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create schedule status = %d, want 201", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	sched, _ := body["schedule"].(map[string]any)
	id, _ := sched["id"].(string)
	if id == "" {
		t.Fatalf("schedule id missing: %v", body)
	}

	resp = env.request(t, http.MethodPost, "/api/schedules", map[string]any{
		"name": "broken", "cron_expr": "nope", "room": "r1", "task": "t",
	})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid cron status = %d, want 400", resp.StatusCode)
	}

	for field, body := range map[string]map[string]any{
		"name": {"cron_expr": "0 3 * * *", "room": "r1", "task": "t"},
		"room": {"name": "n", "cron_expr": "0 3 * * *", "task": "t"},
		"task": {"name": "n", "cron_expr": "0 3 * * *", "room": "r1"},
	} {
		resp = env.request(t, http.MethodPost, "/api/schedules", body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("missing %s status = %d, want 400", field, resp.StatusCode)
		}
	}

	resp = env.request(t, http.MethodPost, "/api/schedules/"+id+"/disable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d, want 200", resp.StatusCode)
	}
	body = decodeBody(t, resp)
	sched, _ = body["schedule"].(map[string]any)
	if sched["enabled"] != false {
		t.Errorf("enabled = %v, want false after disable", sched["enabled"])
	}

	resp = env.request(t, http.MethodDelete, "/api/schedules/"+id, nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete status = %d, want 200", resp.StatusCode)
	}
	resp = env.request(t, http.MethodGet, "/api/schedules/"+id, nil)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", resp.StatusCode)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 200},
		{"abc", 200},
		{"0", 1},
		{"-5", 1},
		{"50", 50},
		{"500", 500},
		{"9999", 500},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.raw); got != tt.want {
			t.Errorf("clampLimit(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestTraceStreamWebSocket(t *testing.T) {
	env := newTestEnv(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/traces/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial() error = %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "done") }()

	// Give the server a moment to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	env.bus.Publish(bus.TopicTaskEnqueued, bus.TaskLifecycleEvent{
		TaskID: "t1", Room: "r1", Task: "search.bundle", NewStatus: "queued",
	})

	var got streamEvent
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("wsjson.Read() error = %v", err)
	}
	if got.Topic != bus.TopicTaskEnqueued || got.TaskID != "t1" {
		t.Errorf("stream event = %+v, want enqueued t1", got)
	}
}

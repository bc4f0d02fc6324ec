package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/stewardq/internal/orchestrator"
	"github.com/basket/stewardq/internal/queue"
	"github.com/basket/stewardq/internal/routing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *queue.Store {
	t.Helper()
	store, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestOrchestrator(exec orchestrator.Executor) *orchestrator.Orchestrator {
	policy := routing.NewPolicy(nil, 0.55, false)
	registry := orchestrator.NewRegistry()
	registry.SetFallback(exec)
	return orchestrator.New(policy, nil, registry, testLogger(), nil)
}

func runPoolUntil(t *testing.T, pool *Pool, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("condition not reached before deadline")
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestPoolExecutesTaskToSuccess(t *testing.T) {
	store := openTestStore(t)
	var calls atomic.Int32
	exec := orchestrator.ExecutorFunc(func(_ context.Context, task string, params map[string]any) (json.RawMessage, error) {
		calls.Add(1)
		if task != "scorecard.run" {
			t.Errorf("task = %q, want scorecard.run", task)
		}
		if params["room"] != "r1" {
			t.Errorf("params = %v, want room forwarded", params)
		}
		return json.RawMessage(`{"score":1}`), nil
	})

	task, err := store.Enqueue(context.Background(), queue.EnqueueRequest{
		Room: "r1", Task: "scorecard.run", Params: json.RawMessage(`{"room":"r1"}`),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool := NewPool(store, newTestOrchestrator(exec), nil, testLogger(), nil, Config{
		Workers: 1, PollInterval: 20 * time.Millisecond,
	})
	runPoolUntil(t, pool, func() bool {
		got, err := store.Get(context.Background(), task.ID)
		return err == nil && got.Status == queue.StatusSucceeded
	})

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Result) != `{"score":1}` {
		t.Errorf("Result = %s, want handler result persisted", got.Result)
	}
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestPoolTerminalFailureAtMaxAttempts(t *testing.T) {
	store := openTestStore(t)
	exec := orchestrator.ExecutorFunc(func(context.Context, string, map[string]any) (json.RawMessage, error) {
		return nil, errors.New("handler exploded")
	})

	task, err := store.Enqueue(context.Background(), queue.EnqueueRequest{Room: "r1", Task: "scorecard.run"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool := NewPool(store, newTestOrchestrator(exec), nil, testLogger(), nil, Config{
		Workers: 1, PollInterval: 20 * time.Millisecond, MaxAttempts: 1,
	})
	runPoolUntil(t, pool, func() bool {
		got, err := store.Get(context.Background(), task.ID)
		return err == nil && got.Status == queue.StatusFailed
	})

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Error != "handler exploded" {
		t.Errorf("Error = %q, want last handler error surfaced", got.Error)
	}
	if got.FailCount != 1 {
		t.Errorf("FailCount = %d, want 1", got.FailCount)
	}
}

func TestPoolSchedulesRetryBeforeMaxAttempts(t *testing.T) {
	store := openTestStore(t)
	exec := orchestrator.ExecutorFunc(func(context.Context, string, map[string]any) (json.RawMessage, error) {
		return nil, errors.New("transient")
	})

	task, err := store.Enqueue(context.Background(), queue.EnqueueRequest{Room: "r1", Task: "search.bundle"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool := NewPool(store, newTestOrchestrator(exec), nil, testLogger(), nil, Config{
		Workers: 1, PollInterval: 20 * time.Millisecond, MaxAttempts: 3,
	})
	runPoolUntil(t, pool, func() bool {
		got, err := store.Get(context.Background(), task.ID)
		return err == nil && got.FailCount >= 1 && got.Status == queue.StatusQueued
	})

	got, err := store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != queue.StatusQueued {
		t.Errorf("Status = %q, want requeued for retry", got.Status)
	}
	if got.RunAt == nil || !got.RunAt.After(time.Now().Add(500*time.Millisecond)) {
		t.Errorf("RunAt = %v, want backoff in the future", got.RunAt)
	}
}

func TestPoolMalformedParamsFailTerminal(t *testing.T) {
	store := openTestStore(t)
	task, err := store.Enqueue(context.Background(), queue.EnqueueRequest{
		Room: "r1", Task: "search.bundle", Params: json.RawMessage(`"not an object"`),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	exec := orchestrator.ExecutorFunc(func(context.Context, string, map[string]any) (json.RawMessage, error) {
		t.Errorf("handler invoked for malformed params")
		return nil, nil
	})
	pool := NewPool(store, newTestOrchestrator(exec), nil, testLogger(), nil, Config{
		Workers: 1, PollInterval: 20 * time.Millisecond,
	})
	runPoolUntil(t, pool, func() bool {
		got, err := store.Get(context.Background(), task.ID)
		return err == nil && got.Status == queue.StatusFailed
	})
}

func TestRetryDelayDeterministicAndBounded(t *testing.T) {
	a := retryDelay("task-1", 1)
	b := retryDelay("task-1", 1)
	if a != b {
		t.Errorf("retryDelay not deterministic: %v vs %v", a, b)
	}
	if c := retryDelay("task-2", 1); c == a {
		// Different ids usually jitter apart; equal values are suspicious
		// but possible, so only sanity-check the range below.
		t.Logf("identical delay for different ids: %v", c)
	}

	for attempt := 1; attempt <= 12; attempt++ {
		d := retryDelay("task-1", attempt)
		if d <= 0 {
			t.Errorf("retryDelay(attempt=%d) = %v, want positive", attempt, d)
		}
		if d > 6*time.Minute {
			t.Errorf("retryDelay(attempt=%d) = %v, want capped", attempt, d)
		}
	}

	early := retryDelay("task-1", 1)
	late := retryDelay("task-1", 8)
	if late <= early {
		t.Errorf("retryDelay growth: attempt 8 (%v) not above attempt 1 (%v)", late, early)
	}
}

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/stewardq/internal/shared"
)

// HTTPExecutor posts resolved tasks to per-task handler endpoints. Task
// handlers themselves live outside this process; this is the bridge.
type HTTPExecutor struct {
	endpoints map[string]string
	client    *http.Client
}

// NewHTTPExecutor builds an executor over a task→URL map.
func NewHTTPExecutor(endpoints map[string]string) *HTTPExecutor {
	return &HTTPExecutor{
		endpoints: endpoints,
		client:    &http.Client{Timeout: 120 * time.Second},
	}
}

// Handles reports whether a handler endpoint is configured for task.
func (e *HTTPExecutor) Handles(task string) bool {
	_, ok := e.endpoints[task]
	return ok
}

func (e *HTTPExecutor) Execute(ctx context.Context, task string, params map[string]any) (json.RawMessage, error) {
	endpoint, ok := e.endpoints[task]
	if !ok {
		return nil, fmt.Errorf("no handler endpoint configured for task %q", task)
	}

	body, err := json.Marshal(map[string]any{
		"task":   task,
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal handler request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build handler request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := shared.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if id := shared.TraceID(ctx); id != "" && id != "-" {
		req.Header.Set("X-Trace-Id", id)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call handler for %s: %w", task, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read handler response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("handler for %s returned %d: %s", task, resp.StatusCode, truncate(data, 256))
	}
	if len(data) == 0 || !json.Valid(data) {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(data), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

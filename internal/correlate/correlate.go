// Package correlate normalizes correlation identifiers out of arbitrary
// inbound call shapes. Callers across the system (HTTP handlers, queue
// workers, nested dispatch envelopes) surface request/trace/intent ids
// under different field names; Derive always produces some usable id set
// so downstream telemetry can be joined.
package correlate

import "strings"

// IntentTask is the task name whose params.id is itself an intent id.
const IntentTask = "canvas.intent"

// maxIDLen caps every derived identifier.
const maxIDLen = 128

// Correlation is the normalized (requestId, traceId, intentId) triple.
type Correlation struct {
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	IntentID  string `json:"intent_id,omitempty"`
}

// Derive extracts correlation ids from a task invocation. Precedence rules
// are first-match-wins; every value is trimmed and length-capped. A missing
// field never fails: later ids fall back to the resolved request id.
func Derive(task, requestID string, params map[string]any) Correlation {
	var c Correlation

	c.RequestID = firstID(
		requestID,
		str(params, "requestId"),
		str(params, "id"),
		str(params, "intentId"),
		str(params, "executionId"),
		str(params, "idempotencyKey"),
	)

	intentFromTaskID := ""
	if task == IntentTask {
		intentFromTaskID = str(params, "id")
	}
	c.IntentID = firstID(
		str(params, "intentId"),
		str(params, "intent"),
		intentFromTaskID,
		nested(params, "metadata", "intentId"),
		nested(params, "metadata", "intent_id"),
		traceMeta(params, "intentId", "intent_id"),
		c.RequestID,
	)

	c.TraceID = firstID(
		str(params, "traceId"),
		nested(params, "metadata", "traceId"),
		nested(params, "metadata", "trace_id"),
		traceMeta(params, "traceId", "trace_id"),
		c.RequestID,
	)

	return c
}

func firstID(candidates ...string) string {
	for _, v := range candidates {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if len(v) > maxIDLen {
			v = v[:maxIDLen]
		}
		return v
	}
	return ""
}

func str(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func child(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func nested(m map[string]any, parent, key string) string {
	return str(child(m, parent), key)
}

// traceMeta checks params.trace and params.metadata.trace for the given keys.
func traceMeta(params map[string]any, keys ...string) string {
	for _, tr := range []map[string]any{child(params, "trace"), child(child(params, "metadata"), "trace")} {
		if tr == nil {
			continue
		}
		for _, k := range keys {
			if v := str(tr, k); v != "" {
				return v
			}
		}
	}
	return ""
}

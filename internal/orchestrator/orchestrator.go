// Package orchestrator is the worker-side entry point for executing a claimed
// task: derive correlation, consult the routing policy, record the routing
// trace, and hand off to the per-task executor.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/stewardq/internal/correlate"
	"github.com/basket/stewardq/internal/ledger"
	"github.com/basket/stewardq/internal/merge"
	otelx "github.com/basket/stewardq/internal/otel"
	"github.com/basket/stewardq/internal/routing"
	"github.com/basket/stewardq/internal/shared"
)

// Executor runs one concrete task kind. Implementations must return the
// handler's result or error unchanged.
type Executor interface {
	Execute(ctx context.Context, task string, params map[string]any) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task string, params map[string]any) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, task string, params map[string]any) (json.RawMessage, error) {
	return f(ctx, task, params)
}

// Registry maps resolved task names to executors, with an optional fallback
// for task names registered nowhere.
type Registry struct {
	executors map[string]Executor
	fallback  Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(task string, ex Executor) {
	r.executors[task] = ex
}

func (r *Registry) SetFallback(ex Executor) {
	r.fallback = ex
}

func (r *Registry) lookup(task string) (Executor, error) {
	if ex, ok := r.executors[task]; ok {
		return ex, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no executor registered for task %q", task)
}

// Request is one execution of a claimed task.
type Request struct {
	Task      string
	Params    map[string]any
	RequestID string
}

// Orchestrator ties routing, correlation, tracing and execution together.
type Orchestrator struct {
	policy   *routing.Policy
	recorder *ledger.Recorder
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

func New(policy *routing.Policy, recorder *ledger.Recorder, registry *Registry, logger *slog.Logger, tracer trace.Tracer) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		policy:   policy,
		recorder: recorder,
		registry: registry,
		logger:   logger,
		tracer:   tracer,
	}
}

// Execute runs one task end to end. Classifier and handler errors propagate
// unchanged; only the routing trace event is best-effort.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	corr := correlate.Derive(req.Task, req.RequestID, req.Params)
	ctx = shared.WithRequestID(ctx, corr.RequestID)
	ctx = shared.WithTraceID(ctx, corr.TraceID)
	ctx = shared.WithIntentID(ctx, corr.IntentID)
	room, _ := req.Params["room"].(string)
	if room != "" {
		ctx = shared.WithRoom(ctx, room)
	}

	if o.tracer != nil {
		var span trace.Span
		ctx, span = otelx.StartSpan(ctx, o.tracer, "orchestrator.execute",
			otelx.AttrTask.String(req.Task),
			otelx.AttrRoom.String(room),
			otelx.AttrRequestID.String(corr.RequestID),
			otelx.AttrTraceID.String(corr.TraceID),
		)
		defer span.End()
	}

	decision, err := o.policy.Decide(ctx, req.Task, req.Params)
	if err != nil {
		return nil, err
	}

	params := mergeEnvelope(req.Params)

	if o.recorder != nil {
		o.recorder.Record(ctx, ledger.Event{
			Stage:     "routed",
			TraceID:   corr.TraceID,
			RequestID: corr.RequestID,
			IntentID:  corr.IntentID,
			Room:      room,
			Task:      decision.Task,
			Payload: map[string]any{
				"kind":       decision.Kind,
				"confidence": decision.Confidence,
				"reason":     decision.Reason,
				"source":     req.Task,
				"resolved":   decision.Task,
			},
		})
	}

	o.logger.Debug("task routed",
		"source", req.Task,
		"resolved", decision.Task,
		"reason", decision.Reason,
		"confidence", decision.Confidence,
		"request_id", corr.RequestID,
	)

	executor, err := o.registry.lookup(decision.Task)
	if err != nil {
		return nil, err
	}
	return executor.Execute(ctx, decision.Task, params)
}

// mergeEnvelope flattens the envelope-within-envelope dispatch shape: a
// nested params.params map overlays the outer map, and the envelope key
// itself is dropped.
func mergeEnvelope(params map[string]any) map[string]any {
	inner, ok := params["params"].(map[string]any)
	if !ok {
		return params
	}
	outer := make(map[string]any, len(params))
	for k, v := range params {
		if k == "params" {
			continue
		}
		outer[k] = v
	}
	return merge.Maps(outer, inner)
}

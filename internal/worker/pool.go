// Package worker runs the claim loop: lease a batch of eligible tasks, hand
// each to the orchestrator, heartbeat the lease while the handler runs, and
// report the outcome back to the store. Retry scheduling is entirely here —
// the store never retries on its own.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/stewardq/internal/ledger"
	"github.com/basket/stewardq/internal/orchestrator"
	otelx "github.com/basket/stewardq/internal/otel"
	"github.com/basket/stewardq/internal/queue"
)

// Config tunes the pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	ClaimBatch   int
	MaxAttempts  int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = queue.DefaultLeaseTTL
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// Pool claims and executes tasks until its context is canceled.
type Pool struct {
	store    *queue.Store
	orch     *orchestrator.Orchestrator
	recorder *ledger.Recorder
	logger   *slog.Logger
	metrics  *otelx.Metrics // may be nil
	cfg      Config

	wg sync.WaitGroup
}

func NewPool(store *queue.Store, orch *orchestrator.Orchestrator, recorder *ledger.Recorder, logger *slog.Logger, metrics *otelx.Metrics, cfg Config) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:    store,
		orch:     orch,
		recorder: recorder,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// Run starts the workers and blocks until ctx is canceled and all in-flight
// tasks have settled.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	logger := p.logger.With("worker", workerID)
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := p.store.Claim(ctx, queue.ClaimRequest{
			Limit:    p.cfg.ClaimBatch,
			LeaseTTL: p.cfg.LeaseTTL,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if len(claimed) == 0 {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		for i, task := range claimed {
			if ctx.Err() != nil {
				// Shutdown mid-batch: give the rest of the batch back
				// so another worker can pick it up immediately.
				p.releaseRemainder(claimed[i:], logger)
				return
			}
			p.runTask(ctx, logger, task)
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (p *Pool) releaseRemainder(tasks []*queue.Task, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, task := range tasks {
		if err := p.store.ReleaseLease(ctx, task.ID, task.LeaseToken); err != nil {
			logger.Warn("release on shutdown failed", "task_id", task.ID, "error", err)
		}
	}
}

func (p *Pool) runTask(ctx context.Context, logger *slog.Logger, task *queue.Task) {
	if p.metrics != nil {
		p.metrics.ClaimCount.Add(ctx, 1, metric.WithAttributes(otelx.AttrTask.String(task.Task)))
		if task.Reclaimed {
			p.metrics.LeaseExpiries.Add(ctx, 1)
		}
		p.metrics.ActiveWorkers.Add(ctx, 1)
		defer p.metrics.ActiveWorkers.Add(ctx, -1)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopHeartbeat := p.heartbeat(taskCtx, cancel, logger, task)
	defer stopHeartbeat()

	p.record(taskCtx, task, "executing", "ok", map[string]any{"attempt": task.Attempt})

	var params map[string]any
	if err := json.Unmarshal(task.Params, &params); err != nil {
		p.settleFailure(ctx, logger, task, fmt.Errorf("unmarshal params: %w", err), false)
		return
	}

	start := time.Now()
	result, err := p.orch.Execute(taskCtx, orchestrator.Request{
		Task:      task.Task,
		Params:    params,
		RequestID: task.RequestID,
	})
	elapsed := time.Since(start)
	stopHeartbeat()

	if p.metrics != nil {
		p.metrics.TaskDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(otelx.AttrTask.String(task.Task)))
	}

	if err != nil {
		retryable := task.Attempt < p.cfg.MaxAttempts
		p.settleFailure(ctx, logger, task, err, retryable)
		return
	}

	if _, err := p.store.Complete(ctx, task.ID, task.LeaseToken, result); err != nil {
		if errors.Is(err, queue.ErrLeaseMismatch) {
			// Lost the lease mid-run; another worker owns the task now and
			// its outcome wins.
			logger.Warn("completion discarded, lease lost", "task_id", task.ID)
			return
		}
		logger.Error("complete failed", "task_id", task.ID, "error", err)
		return
	}
	p.record(ctx, task, "succeeded", "ok", map[string]any{
		"attempt":     task.Attempt,
		"duration_ms": elapsed.Milliseconds(),
	})
	logger.Info("task succeeded", "task_id", task.ID, "task", task.Task, "attempt", task.Attempt)
}

func (p *Pool) settleFailure(ctx context.Context, logger *slog.Logger, task *queue.Task, cause error, retryable bool) {
	var retryAt *time.Time
	if retryable {
		at := time.Now().UTC().Add(retryDelay(task.ID, task.Attempt))
		retryAt = &at
		if p.metrics != nil {
			p.metrics.RetryCount.Add(ctx, 1, metric.WithAttributes(otelx.AttrTask.String(task.Task)))
		}
	}
	if _, err := p.store.Fail(ctx, task.ID, task.LeaseToken, cause.Error(), retryAt); err != nil {
		if errors.Is(err, queue.ErrLeaseMismatch) {
			logger.Warn("failure report discarded, lease lost", "task_id", task.ID)
			return
		}
		logger.Error("fail transition failed", "task_id", task.ID, "error", err)
		return
	}
	status := "terminal"
	if retryable {
		status = "retrying"
	}
	p.record(ctx, task, "failed", status, map[string]any{
		"attempt": task.Attempt,
		"error":   cause.Error(),
	})
	logger.Warn("task failed", "task_id", task.ID, "task", task.Task,
		"attempt", task.Attempt, "retryable", retryable, "error", cause)
}

func (p *Pool) record(ctx context.Context, task *queue.Task, stage, status string, payload map[string]any) {
	if p.recorder == nil {
		return
	}
	p.recorder.Record(ctx, ledger.Event{
		Stage:     stage,
		Status:    status,
		TraceID:   task.TraceID,
		RequestID: task.RequestID,
		IntentID:  task.IntentID,
		Room:      task.Room,
		Task:      task.Task,
		Payload:   payload,
	})
}

// heartbeat extends the lease every TTL/3 while the task runs. Losing the
// lease cancels the task context so the handler stops doing work whose
// outcome will be discarded anyway.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger, task *queue.Task) func() {
	interval := p.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := p.store.ExtendLease(ctx, task.ID, task.LeaseToken, p.cfg.LeaseTTL); err != nil {
					if errors.Is(err, queue.ErrLeaseMismatch) || errors.Is(err, queue.ErrNotFound) {
						logger.Warn("lease lost during execution", "task_id", task.ID)
						cancel()
						return
					}
					logger.Warn("lease extension failed", "task_id", task.ID, "error", err)
					continue
				}
				if p.metrics != nil {
					p.metrics.LeaseExtensions.Add(ctx, 1)
				}
			}
		}
	}()
	return stop
}

// retryDelay computes exponential backoff with jitter derived from the task
// id, so every process schedules the same retry time for the same failure.
func retryDelay(taskID string, attempt int) time.Duration {
	const base = 2 * time.Second
	const max = 5 * time.Minute

	delay := base
	for i := 1; i < attempt && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("%s:%d", taskID, attempt)))
	jitterRange := int64(delay / 4)
	if jitterRange <= 0 {
		return delay
	}
	jitter := time.Duration(int64(h.Sum64()) % jitterRange)
	if jitter < 0 {
		jitter = -jitter
	}
	return delay - time.Duration(jitterRange)/2 + jitter
}

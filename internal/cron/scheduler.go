// Package cron fires recurring schedules into the task queue. Each fire
// enqueues with a dedupe key derived from the schedule id and the scheduled
// fire time, so a tick replayed after a crash collapses into one task.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/basket/stewardq/internal/queue"
)

var parser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// NextRun returns the first fire time of expr after from, or an error for an
// invalid expression. Used at schedule creation and after every fire.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(from.UTC()), nil
}

// Scheduler polls for due schedules and enqueues their tasks.
type Scheduler struct {
	store    *queue.Store
	logger   *slog.Logger
	interval time.Duration
}

func NewScheduler(store *queue.Store, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{store: store, logger: logger, interval: interval}
}

// Run blocks until ctx is canceled, firing due schedules every interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.FireDue(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
				s.logger.Error("schedule sweep failed", "error", err)
			}
		}
	}
}

// FireDue enqueues a task for every schedule due at or before now and
// advances its next_run_at. A failure on one schedule does not stop the rest.
func (s *Scheduler) FireDue(ctx context.Context, now time.Time) error {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}
	for _, sched := range due {
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("schedule fire failed", "schedule", sched.Name, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, sched *queue.Schedule, now time.Time) error {
	fireAt := now
	if sched.NextRunAt != nil {
		fireAt = *sched.NextRunAt
	}
	dedupeKey := fmt.Sprintf("sched-%s-%d", sched.ID, fireAt.Unix())

	task, err := s.store.Enqueue(ctx, queue.EnqueueRequest{
		Room:      sched.Room,
		Task:      sched.Task,
		Params:    sched.Params,
		DedupeKey: dedupeKey,
	})
	if err != nil {
		return fmt.Errorf("enqueue scheduled task: %w", err)
	}
	if task == nil {
		s.logger.Debug("schedule fire deduped", "schedule", sched.Name, "dedupe_key", dedupeKey)
	} else {
		s.logger.Info("schedule fired", "schedule", sched.Name, "task_id", task.ID, "task", sched.Task)
	}

	next, err := NextRun(sched.CronExpr, now)
	if err != nil {
		return err
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, next); err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	return nil
}

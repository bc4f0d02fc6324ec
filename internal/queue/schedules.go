package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring task definition. Each fire enqueues one task with a
// per-fire dedupe key, so a double fire after a crash collapses to one task.
type Schedule struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CronExpr  string          `json:"cron_expr"`
	Room      string          `json:"room"`
	Task      string          `json:"task"`
	Params    json.RawMessage `json:"params"`
	Enabled   bool            `json:"enabled"`
	NextRunAt *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt *time.Time      `json:"last_run_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

const scheduleColumns = `
	id, name, cron_expr, room, task, params, enabled,
	next_run_at, last_run_at, created_at, updated_at`

func scanSchedule(scanFn func(dest ...any) error, sched *Schedule) error {
	var (
		params  string
		nextRun sql.NullTime
		lastRun sql.NullTime
	)
	if err := scanFn(
		&sched.ID,
		&sched.Name,
		&sched.CronExpr,
		&sched.Room,
		&sched.Task,
		&params,
		&sched.Enabled,
		&nextRun,
		&lastRun,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	); err != nil {
		return err
	}
	sched.Params = json.RawMessage(params)
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRunAt = &t
	}
	return nil
}

// CreateSchedule stores a recurring schedule. nextRun is computed by the
// scheduler from the cron expression, not here.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule, nextRun time.Time) (*Schedule, error) {
	if sched.Name == "" || sched.CronExpr == "" || sched.Room == "" || sched.Task == "" {
		return nil, fmt.Errorf("create schedule: name, cron_expr, room and task required")
	}
	params := sched.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if !json.Valid(params) {
		return nil, fmt.Errorf("create schedule: params is not valid JSON")
	}
	id := sched.ID
	if id == "" {
		id = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (id, name, cron_expr, room, task, params, enabled, next_run_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, id, sched.Name, sched.CronExpr, sched.Room, sched.Task, string(params), sched.Enabled, nextRun.UTC())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return s.GetSchedule(ctx, id)
}

// GetSchedule returns the schedule by id or ErrNotFound.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?;`, id)
	var sched Schedule
	if err := scanSchedule(row.Scan, &sched); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: schedule %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &sched, nil
}

// ListSchedules returns every schedule, enabled or not.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		var sched Schedule
		if err := scanSchedule(rows.Scan, &sched); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, &sched)
	}
	return schedules, rows.Err()
}

// DueSchedules returns enabled schedules whose next_run_at is at or before now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var schedules []*Schedule
	for rows.Next() {
		var sched Schedule
		if err := scanSchedule(rows.Scan, &sched); err != nil {
			return nil, fmt.Errorf("scan due schedule: %w", err)
		}
		schedules = append(schedules, &sched)
	}
	return schedules, rows.Err()
}

// UpdateScheduleRun records a fire and the next occurrence.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET
				last_run_at = ?,
				next_run_at = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, ranAt.UTC(), nextRun.UTC(), id)
		if err != nil {
			return fmt.Errorf("update schedule run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: schedule %s", ErrNotFound, id)
		}
		return nil
	})
}

// SetScheduleEnabled toggles a schedule without touching its run bookkeeping.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, enabled, id)
		if err != nil {
			return fmt.Errorf("set schedule enabled: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: schedule %s", ErrNotFound, id)
		}
		return nil
	})
}

// DeleteSchedule removes a schedule. Tasks already enqueued by it are kept.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
		if err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: schedule %s", ErrNotFound, id)
		}
		return nil
	})
}

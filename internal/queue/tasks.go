package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/basket/stewardq/internal/bus"
)

// EnqueueRequest describes a task to admit into the queue.
type EnqueueRequest struct {
	Room         string
	Task         string
	Params       json.RawMessage
	Priority     int
	ResourceKeys []string
	DedupeKey    string
	RequestID    string
	TraceID      string
	IntentID     string
	RunAt        *time.Time
}

// Enqueue admits a task. When the dedupe key collides with an existing row
// the insert is dropped and Enqueue returns (nil, nil): the caller treats a
// duplicate admission as already done, not as a failure.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*Task, error) {
	if req.Room == "" {
		return nil, fmt.Errorf("enqueue: room required")
	}
	if req.Task == "" {
		return nil, fmt.Errorf("enqueue: task name required")
	}
	params := req.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if !json.Valid(params) {
		return nil, fmt.Errorf("enqueue: params is not valid JSON")
	}
	resourceKeys := req.ResourceKeys
	if len(resourceKeys) == 0 {
		resourceKeys = []string{"room:" + req.Room}
	}
	keysJSON, err := marshalKeys(resourceKeys)
	if err != nil {
		return nil, err
	}

	task := &Task{
		ID:           uuid.NewString(),
		Room:         req.Room,
		Task:         req.Task,
		Params:       params,
		Status:       StatusQueued,
		Priority:     req.Priority,
		ResourceKeys: resourceKeys,
		DedupeKey:    req.DedupeKey,
		RequestID:    req.RequestID,
		TraceID:      req.TraceID,
		IntentID:     req.IntentID,
		RunAt:        req.RunAt,
	}

	var runAt any
	if req.RunAt != nil {
		runAt = req.RunAt.UTC()
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (
				id, room, task, params, status, priority,
				resource_keys, dedupe_key, request_id, trace_id, intent_id, run_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?);
		`, task.ID, task.Room, task.Task, string(params), task.Status, task.Priority,
			keysJSON, task.DedupeKey, task.RequestID, task.TraceID, task.IntentID, runAt)
		return err
	})
	if err != nil {
		if isDedupeConflict(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	stored, err := s.Get(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskEnqueued, stored, "")
	return stored, nil
}

// ClaimRequest narrows what a worker is willing to take.
type ClaimRequest struct {
	Room  string // optional: restrict to one room
	Tasks []string
	Limit int

	// LeaseTTL overrides the store's default lease duration for this claim.
	LeaseTTL time.Duration

	// ResourceLocks are keys the caller already holds from earlier claims;
	// candidates overlapping them are skipped.
	ResourceLocks []string
}

// Claim atomically leases up to Limit eligible tasks to the caller. A task is
// eligible when it is queued with its run_at due, or running with an expired
// (or released) lease. Tasks whose resource keys overlap a task claimed
// earlier in the same batch, or a key in ResourceLocks, are skipped so one
// worker never holds conflicting resources.
func (s *Store) Claim(ctx context.Context, req ClaimRequest) ([]*Task, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 1
	}
	if limit > maxClaimLimit {
		limit = maxClaimLimit
	}
	ttl := req.LeaseTTL
	if ttl <= 0 {
		ttl = s.leaseTTL
	}

	var claimed []*Task
	err := retryOnBusy(ctx, 5, func() error {
		claimed = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
			SELECT ` + taskColumns + `
			FROM tasks
			WHERE (
				(status = 'queued' AND (run_at IS NULL OR run_at <= CURRENT_TIMESTAMP))
				OR (status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= CURRENT_TIMESTAMP))
			)`
		args := []any{}
		if req.Room != "" {
			query += ` AND room = ?`
			args = append(args, req.Room)
		}
		if len(req.Tasks) > 0 {
			query += ` AND task IN (?` + repeatPlaceholder(len(req.Tasks)-1) + `)`
			for _, name := range req.Tasks {
				args = append(args, name)
			}
		}
		query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?;`
		args = append(args, limit*4)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select claimable tasks: %w", err)
		}
		var candidates []*Task
		for rows.Next() {
			var t Task
			if err := scanTask(rows.Scan, &t); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan claimable task: %w", err)
			}
			candidates = append(candidates, &t)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close claim rows: %w", err)
		}

		held := map[string]bool{}
		for _, key := range req.ResourceLocks {
			held[key] = true
		}
		expires := time.Now().UTC().Add(ttl)
		for _, t := range candidates {
			if len(claimed) >= limit {
				break
			}
			if overlaps(held, t.ResourceKeys) {
				continue
			}
			token := uuid.NewString()
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET
					status = 'running',
					attempt = attempt + 1,
					lease_token = ?,
					lease_expires_at = ?,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND (
					(status = 'queued' AND (run_at IS NULL OR run_at <= CURRENT_TIMESTAMP))
					OR (status = 'running' AND (lease_expires_at IS NULL OR lease_expires_at <= CURRENT_TIMESTAMP))
				);
			`, token, expires, t.ID)
			if err != nil {
				return fmt.Errorf("lease task %s: %w", t.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("lease task %s rows: %w", t.ID, err)
			}
			if n == 0 {
				continue
			}
			oldStatus := t.Status
			t.Reclaimed = oldStatus == StatusRunning
			t.Status = StatusRunning
			t.Attempt++
			t.LeaseToken = token
			t.LeaseExpires = &expires
			for _, key := range t.ResourceKeys {
				held[key] = true
			}
			claimed = append(claimed, t)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for _, t := range claimed {
		old := StatusQueued
		if t.Reclaimed {
			old = StatusRunning
		}
		s.publish(bus.TopicTaskClaimed, t, old)
	}
	return claimed, nil
}

func overlaps(held map[string]bool, keys []string) bool {
	for _, key := range keys {
		if held[key] {
			return true
		}
	}
	return false
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// Complete marks a running task succeeded. The caller must still hold the
// lease; a stale token returns ErrLeaseMismatch.
func (s *Store) Complete(ctx context.Context, taskID, leaseToken string, result json.RawMessage) (*Task, error) {
	if result != nil && !json.Valid(result) {
		return nil, fmt.Errorf("complete: result is not valid JSON")
	}
	var resultArg any
	if len(result) > 0 {
		resultArg = string(result)
	}
	err := s.leasedUpdate(ctx, taskID, leaseToken, `
		UPDATE tasks SET
			status = 'succeeded',
			result = ?,
			lease_token = NULL,
			lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running' AND lease_token = ?;
	`, resultArg)
	if err != nil {
		return nil, err
	}
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskSucceeded, task, StatusRunning)
	return task, nil
}

// Fail records a failure on a running task. With retryAt the task re-enters
// the queue at that time; without it the task rests at failed. The failure
// counter increments even when the lease check below rejects the transition,
// so repeated crash loops are visible regardless of lease races.
func (s *Store) Fail(ctx context.Context, taskID, leaseToken, errMsg string, retryAt *time.Time) (*Task, error) {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET fail_count = fail_count + 1 WHERE id = ?;
		`, taskID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record fail count: %w", err)
	}

	if retryAt != nil {
		err = s.leasedUpdate(ctx, taskID, leaseToken, `
			UPDATE tasks SET
				status = 'queued',
				error = ?,
				run_at = ?,
				lease_token = NULL,
				lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'running' AND lease_token = ?;
		`, errMsg, retryAt.UTC())
	} else {
		err = s.leasedUpdate(ctx, taskID, leaseToken, `
			UPDATE tasks SET
				status = 'failed',
				error = ?,
				lease_token = NULL,
				lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'running' AND lease_token = ?;
		`, errMsg)
	}
	if err != nil {
		return nil, err
	}
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskFailed, task, StatusRunning)
	return task, nil
}

// leasedUpdate runs an UPDATE whose WHERE clause ends with
// `id = ? AND status = 'running' AND lease_token = ?` and classifies a
// zero-row result as either a missing task or a lost lease.
func (s *Store) leasedUpdate(ctx context.Context, taskID, leaseToken, query string, extraArgs ...any) error {
	if leaseToken == "" {
		return ErrLeaseMismatch
	}
	args := append(extraArgs, taskID, leaseToken)
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("leased update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("leased update rows: %w", err)
		}
		if n == 0 {
			var exists int
			if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, taskID).Scan(&exists); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("%w: %s", ErrNotFound, taskID)
				}
				return fmt.Errorf("check task existence: %w", err)
			}
			return fmt.Errorf("%w: task %s", ErrLeaseMismatch, taskID)
		}
		return nil
	})
}

// Cancel marks a task canceled unless it already succeeded. Canceling an
// already-canceled task is a no-op, not an error, and so is canceling a
// failed task: failed is terminal, and rewriting it to canceled would erase
// the failure from the record.
func (s *Store) Cancel(ctx context.Context, taskID, reason string) (*Task, error) {
	current, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusSucceeded {
		return nil, fmt.Errorf("%w: cancel succeeded task %s", ErrIllegalTransition, taskID)
	}
	if current.Status == StatusCanceled || current.Status == StatusFailed {
		return current, nil
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET
				status = 'canceled',
				error = ?,
				lease_token = NULL,
				lease_expires_at = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN ('queued', 'running');
		`, reason, taskID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	task, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCanceled, task, current.Status)
	return task, nil
}

// Supersede cancels every queued or running task in room whose resource keys
// contain all of the given keys. With a replacement it also enqueues the new
// task in the same transaction, so observers never see the room with neither
// the old nor the new task; a nil replacement is a cancel-only supersede and
// returns a nil task.
func (s *Store) Supersede(ctx context.Context, room string, resourceKeys []string, replacement *EnqueueRequest) (*Task, []string, error) {
	if room == "" {
		return nil, nil, fmt.Errorf("supersede: room required")
	}
	if len(resourceKeys) == 0 {
		return nil, nil, fmt.Errorf("supersede: at least one resource key required")
	}
	if replacement != nil {
		replacement.Room = room
		if len(replacement.ResourceKeys) == 0 {
			replacement.ResourceKeys = resourceKeys
		}
	}

	var (
		canceledIDs []string
		canceled    []*Task
		newTask     *Task
	)
	err := retryOnBusy(ctx, 5, func() error {
		canceledIDs = nil
		canceled = nil
		newTask = nil

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin supersede tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE room = ? AND status IN ('queued', 'running')
			ORDER BY created_at ASC, id ASC;
		`, room)
		if err != nil {
			return fmt.Errorf("select supersede candidates: %w", err)
		}
		for rows.Next() {
			var t Task
			if err := scanTask(rows.Scan, &t); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan supersede candidate: %w", err)
			}
			if coversAll(t.ResourceKeys, resourceKeys) {
				canceled = append(canceled, &t)
			}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close supersede rows: %w", err)
		}

		for _, t := range canceled {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET
					status = 'canceled',
					error = 'superseded',
					lease_token = NULL,
					lease_expires_at = NULL,
					updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, t.ID); err != nil {
				return fmt.Errorf("cancel superseded task %s: %w", t.ID, err)
			}
			canceledIDs = append(canceledIDs, t.ID)
		}

		if replacement == nil {
			return tx.Commit()
		}

		params := replacement.Params
		if len(params) == 0 {
			params = json.RawMessage("{}")
		}
		if !json.Valid(params) {
			return fmt.Errorf("supersede: replacement params is not valid JSON")
		}
		keysJSON, err := marshalKeys(replacement.ResourceKeys)
		if err != nil {
			return err
		}
		var runAt any
		if replacement.RunAt != nil {
			runAt = replacement.RunAt.UTC()
		}
		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, room, task, params, status, priority,
				resource_keys, dedupe_key, request_id, trace_id, intent_id, run_at
			) VALUES (?, ?, ?, ?, 'queued', ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?);
		`, id, room, replacement.Task, string(params), replacement.Priority,
			keysJSON, replacement.DedupeKey, replacement.RequestID, replacement.TraceID, replacement.IntentID, runAt); err != nil {
			return fmt.Errorf("insert replacement task: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
		var t Task
		if err := scanTask(row.Scan, &t); err != nil {
			return fmt.Errorf("read replacement task: %w", err)
		}
		newTask = &t
		return tx.Commit()
	})
	if err != nil {
		return nil, nil, err
	}
	for _, t := range canceled {
		old := t.Status
		t.Status = StatusCanceled
		s.publish(bus.TopicTaskSuperseded, t, old)
	}
	if newTask != nil {
		s.publish(bus.TopicTaskEnqueued, newTask, "")
	}
	return newTask, canceledIDs, nil
}

// coversAll reports whether have contains every element of want.
func coversAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, key := range have {
		set[key] = true
	}
	for _, key := range want {
		if !set[key] {
			return false
		}
	}
	return true
}

// ExtendLease pushes the lease deadline out by ttl for a task the caller
// still holds.
func (s *Store) ExtendLease(ctx context.Context, taskID, leaseToken string, ttl time.Duration) (time.Time, error) {
	if ttl <= 0 {
		ttl = s.leaseTTL
	}
	expires := time.Now().UTC().Add(ttl)
	err := s.leasedUpdate(ctx, taskID, leaseToken, `
		UPDATE tasks SET
			lease_expires_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running' AND lease_token = ?;
	`, expires)
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// ReleaseLease voluntarily gives up a lease without judging the task's
// outcome. The row stays running with a cleared lease, which makes it
// immediately eligible for the next claim.
func (s *Store) ReleaseLease(ctx context.Context, taskID, leaseToken string) error {
	return s.leasedUpdate(ctx, taskID, leaseToken, `
		UPDATE tasks SET
			lease_token = NULL,
			lease_expires_at = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running' AND lease_token = ?;
	`)
}

// Get returns the task by id or ErrNotFound.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Room   string
	Status Status
	Task   string
	Limit  int
}

// List returns tasks newest-first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Task, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}
	if f.Room != "" {
		query += ` AND room = ?`
		args = append(args, f.Room)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Task != "" {
		query += ` AND task = ?`
		args = append(args, f.Task)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// ListPending returns queued and running tasks for a room, oldest first.
func (s *Store) ListPending(ctx context.Context, room string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN ('queued', 'running')`
	args := []any{}
	if room != "" {
		query += ` AND room = ?`
		args = append(args, room)
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan pending task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// Stats is a point-in-time summary of the queue.
type Stats struct {
	ByStatus      map[string]int `json:"by_status"`
	ExpiredLeases int            `json:"expired_leases"`
	OldestQueued  *time.Time     `json:"oldest_queued,omitempty"`
	Rooms         []string       `json:"rooms"`
}

// Stats summarizes queue health for the admin surface.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[status] = count
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= CURRENT_TIMESTAMP;
	`).Scan(&stats.ExpiredLeases); err != nil {
		return nil, fmt.Errorf("count expired leases: %w", err)
	}

	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(created_at) FROM tasks WHERE status = 'queued';
	`).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("oldest queued: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time
		stats.OldestQueued = &t
	}

	rooms, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT room FROM tasks WHERE status IN ('queued', 'running');
	`)
	if err != nil {
		return nil, fmt.Errorf("list active rooms: %w", err)
	}
	for rooms.Next() {
		var room string
		if err := rooms.Scan(&room); err != nil {
			_ = rooms.Close()
			return nil, fmt.Errorf("scan room: %w", err)
		}
		stats.Rooms = append(stats.Rooms, room)
	}
	if err := rooms.Close(); err != nil {
		return nil, err
	}
	sort.Strings(stats.Rooms)
	return stats, nil
}

// Package queue is the durable steward-task store: a SQLite-backed table of
// task rows manipulated only through atomic lifecycle operations (enqueue,
// claim, complete, fail, cancel, supersede, extend, release). All coordination
// state lives in the database; the lease row is the only synchronization
// primitive between worker processes.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/stewardq/internal/bus"
)

const (
	schemaVersion  = 1
	schemaChecksum = "stw-v1-2026-08-steward-queue"

	// DefaultLeaseTTL applies when a claim does not override the lease duration.
	DefaultLeaseTTL = 15 * time.Second

	maxClaimLimit = 32
)

// Status is the task lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transition is possible from s.
// failed is terminal only when reached without a retry time; a retried
// failure re-enters queued and never rests at failed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCanceled || s == StatusFailed
}

// Task is the unit of dispatchable work.
type Task struct {
	ID           string          `json:"id"`
	Room         string          `json:"room"`
	Task         string          `json:"task"`
	Params       json.RawMessage `json:"params"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	Attempt      int             `json:"attempt"`
	FailCount    int             `json:"fail_count"`
	ResourceKeys []string        `json:"resource_keys"`
	DedupeKey    string          `json:"dedupe_key,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	TraceID      string          `json:"trace_id,omitempty"`
	IntentID     string          `json:"intent_id,omitempty"`
	LeaseToken   string          `json:"lease_token,omitempty"`
	LeaseExpires *time.Time      `json:"lease_expires_at,omitempty"`
	RunAt        *time.Time      `json:"run_at,omitempty"`
	Error        string          `json:"error,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`

	// Reclaimed is set by Claim when the task was recovered from an
	// expired lease rather than taken fresh from the queue. Not persisted.
	Reclaimed bool `json:"reclaimed,omitempty"`
}

var (
	// ErrNotFound is returned when the target task row does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrLeaseMismatch is returned when the caller's lease token no longer
	// matches the row (lease expired or lost to another claimant).
	ErrLeaseMismatch = errors.New("lease token mismatch")
	// ErrIllegalTransition is returned for transitions the lifecycle forbids,
	// such as canceling a succeeded task.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Store is the durable task table plus its lifecycle operations.
type Store struct {
	db       *sql.DB
	bus      *bus.Bus // may be nil in tests
	leaseTTL time.Duration
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithLeaseTTL overrides the default lease duration applied to claims.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// Open opens (creating if needed) the queue database at path.
func Open(path string, eventBus *bus.Bus, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("queue db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, leaseTTL: DefaultLeaseTTL}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for sibling components (trace ledger,
// admin reads) that share the database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existingChecksum, schemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			room TEXT NOT NULL,
			task TEXT NOT NULL,
			params JSON NOT NULL DEFAULT '{}',
			status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'succeeded', 'failed', 'canceled')),
			priority INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			fail_count INTEGER NOT NULL DEFAULT 0,
			resource_keys JSON NOT NULL DEFAULT '[]',
			dedupe_key TEXT UNIQUE,
			request_id TEXT,
			trace_id TEXT,
			intent_id TEXT,
			lease_token TEXT,
			lease_expires_at DATETIME,
			run_at DATETIME,
			error TEXT,
			result JSON,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS trace_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			stage TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'ok',
			trace_id TEXT,
			request_id TEXT,
			intent_id TEXT,
			room TEXT,
			task TEXT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			room TEXT NOT NULL,
			task TEXT NOT NULL,
			params JSON NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			next_run_at DATETIME,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_room_status ON tasks(room, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, run_at, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_trace ON trace_events(trace_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_trace_events_room ON trace_events(room, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// isDedupeConflict reports whether err is the UNIQUE violation on
// tasks.dedupe_key. The only UNIQUE constraint on the table besides the
// primary key is dedupe_key, and primary-key violations surface as a
// distinct extended code, so the typed check suffices without message
// matching.
func isDedupeConflict(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func marshalKeys(keys []string) (string, error) {
	data, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("marshal resource keys: %w", err)
	}
	return string(data), nil
}

func unmarshalKeys(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil
	}
	return keys
}

const taskColumns = `
	id, room, task, params, status, priority, attempt, fail_count,
	resource_keys, COALESCE(dedupe_key, ''), COALESCE(request_id, ''),
	COALESCE(trace_id, ''), COALESCE(intent_id, ''), COALESCE(lease_token, ''),
	lease_expires_at, run_at, COALESCE(error, ''), COALESCE(result, ''),
	created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		params       string
		resourceKeys string
		result       string
		leaseExpires sql.NullTime
		runAt        sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.Room,
		&task.Task,
		&params,
		&task.Status,
		&task.Priority,
		&task.Attempt,
		&task.FailCount,
		&resourceKeys,
		&task.DedupeKey,
		&task.RequestID,
		&task.TraceID,
		&task.IntentID,
		&task.LeaseToken,
		&leaseExpires,
		&runAt,
		&task.Error,
		&result,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	task.Params = json.RawMessage(params)
	task.ResourceKeys = unmarshalKeys(resourceKeys)
	if result != "" {
		task.Result = json.RawMessage(result)
	}
	if leaseExpires.Valid {
		t := leaseExpires.Time
		task.LeaseExpires = &t
	}
	if runAt.Valid {
		t := runAt.Time
		task.RunAt = &t
	}
	return nil
}

func (s *Store) publish(topic string, t *Task, oldStatus Status) {
	if s.bus == nil || t == nil {
		return
	}
	s.bus.Publish(topic, bus.TaskLifecycleEvent{
		TaskID:    t.ID,
		Room:      t.Room,
		Task:      t.Task,
		OldStatus: string(oldStatus),
		NewStatus: string(t.Status),
		Attempt:   t.Attempt,
	})
}

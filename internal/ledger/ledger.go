// Package ledger records pipeline trace events. Recording is best effort and
// tolerant of schema drift: when the trace table is older than the code (a
// column or the whole table missing), the recorder drops what it cannot store
// instead of failing the task pipeline that called it.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/stewardq/internal/bus"
)

// Event is one trace record.
type Event struct {
	Stage     string         `json:"stage"`
	Status    string         `json:"status"`
	TraceID   string         `json:"trace_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	IntentID  string         `json:"intent_id,omitempty"`
	Room      string         `json:"room,omitempty"`
	Task      string         `json:"task,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// StoredEvent is an event as read back from the ledger.
type StoredEvent struct {
	EventID   int64           `json:"event_id"`
	Stage     string          `json:"stage"`
	Status    string          `json:"status"`
	TraceID   string          `json:"trace_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	IntentID  string          `json:"intent_id,omitempty"`
	Room      string          `json:"room,omitempty"`
	Task      string          `json:"task,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Recorder writes trace events to the shared queue database. Drift state
// (columns the table turned out not to have) is cached per Recorder, so two
// recorders against different databases never poison each other.
type Recorder struct {
	db     *sql.DB
	bus    *bus.Bus // may be nil
	logger *slog.Logger

	mu           sync.Mutex
	omitted      map[string]bool
	tableMissing bool
}

// NewRecorder wires a recorder over an already-open database.
func NewRecorder(db *sql.DB, eventBus *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		db:      db,
		bus:     eventBus,
		logger:  logger,
		omitted: map[string]bool{},
	}
}

// SQLite reports a missing column as "has no column named X" on INSERT and
// "no such column: X" on SELECT; drift detection must catch both.
var missingColumnRe = regexp.MustCompile(`(?:has no column named|no such column:) (\w+)`)

// Record writes the event. Failures are logged, never returned: a trace
// ledger that cannot keep up must not take the task pipeline down with it.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if ev.Stage == "" {
		return
	}
	if ev.Status == "" {
		ev.Status = "ok"
	}

	r.mu.Lock()
	tableMissing := r.tableMissing
	omitted := make(map[string]bool, len(r.omitted))
	for col := range r.omitted {
		omitted[col] = true
	}
	r.mu.Unlock()

	if tableMissing {
		return
	}

	err := r.insert(ctx, ev, omitted)
	if err != nil && isSchemaDrift(err) {
		if col := missingColumn(err); col != "" {
			r.mu.Lock()
			r.omitted[col] = true
			r.mu.Unlock()
			omitted[col] = true
			r.logger.Warn("trace column missing, omitting from future records", "column", col)
			err = r.insert(ctx, ev, omitted)
		} else {
			r.mu.Lock()
			r.tableMissing = true
			r.mu.Unlock()
			r.logger.Warn("trace table missing, trace recording disabled")
			return
		}
	}
	if err != nil {
		r.logger.Warn("trace record dropped", "stage", ev.Stage, "error", err)
		return
	}

	if r.bus != nil {
		r.bus.Publish(bus.TopicTraceRecorded, bus.TraceRecordedEvent{
			Stage:     ev.Stage,
			Status:    ev.Status,
			TraceID:   ev.TraceID,
			RequestID: ev.RequestID,
			IntentID:  ev.IntentID,
			Room:      ev.Room,
			Task:      ev.Task,
		})
	}
}

func (r *Recorder) insert(ctx context.Context, ev Event, omitted map[string]bool) error {
	payload := "{}"
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(data)
	}

	type column struct {
		name  string
		value any
	}
	candidates := []column{
		{"stage", ev.Stage},
		{"status", ev.Status},
		{"trace_id", nullable(ev.TraceID)},
		{"request_id", nullable(ev.RequestID)},
		{"intent_id", nullable(ev.IntentID)},
		{"room", nullable(ev.Room)},
		{"task", nullable(ev.Task)},
		{"payload_json", payload},
	}

	var names []string
	var marks []string
	var args []any
	for _, col := range candidates {
		if omitted[col.name] {
			continue
		}
		names = append(names, col.name)
		marks = append(marks, "?")
		args = append(args, col.value)
	}

	query := fmt.Sprintf(
		"INSERT INTO trace_events (%s) VALUES (%s);",
		strings.Join(names, ", "), strings.Join(marks, ", "))
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isSchemaDrift(err error) bool {
	if err == nil {
		return false
	}
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	if serr.Code != sqlite3.ErrError {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "has no column named") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "no such table")
}

func missingColumn(err error) string {
	m := missingColumnRe.FindStringSubmatch(err.Error())
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	TraceID string
	Room    string
	Task    string
	Stage   string
	Status  string
	Limit   int
}

// List returns trace events newest-first. Drift degrades the listing rather
// than failing it: a missing column is learned once, dropped from subsequent
// selects (filters on it are ignored), and only a missing table falls back to
// a reconstruction from the task table so the admin surface still answers.
func (r *Recorder) List(ctx context.Context, f Filter) ([]*StoredEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}

	for {
		r.mu.Lock()
		tableMissing := r.tableMissing
		omitted := make(map[string]bool, len(r.omitted))
		for col := range r.omitted {
			omitted[col] = true
		}
		r.mu.Unlock()

		if tableMissing {
			return r.listFromTasks(ctx, f, limit)
		}
		events, err := r.listFromTraceTable(ctx, f, limit, omitted)
		if err == nil {
			return events, nil
		}
		if !isSchemaDrift(err) {
			return nil, err
		}
		if col := missingColumn(err); col != "" && !omitted[col] {
			r.mu.Lock()
			r.omitted[col] = true
			r.mu.Unlock()
			r.logger.Warn("trace column missing, omitting from future records", "column", col)
			continue
		}
		r.mu.Lock()
		r.tableMissing = true
		r.mu.Unlock()
		r.logger.Warn("trace table unreadable, falling back to task reconstruction", "error", err)
	}
}

func (r *Recorder) listFromTraceTable(ctx context.Context, f Filter, limit int, omitted map[string]bool) ([]*StoredEvent, error) {
	sel := func(col, absent string) string {
		if omitted[col] {
			return absent
		}
		return "COALESCE(" + col + ", " + absent + ")"
	}
	query := `
		SELECT event_id, ` + sel("stage", "''") + `, ` + sel("status", "''") + `,
			` + sel("trace_id", "''") + `, ` + sel("request_id", "''") + `, ` + sel("intent_id", "''") + `,
			` + sel("room", "''") + `, ` + sel("task", "''") + `, ` + sel("payload_json", "'{}'") + `, created_at
		FROM trace_events WHERE 1=1`
	args := []any{}
	if f.TraceID != "" && !omitted["trace_id"] {
		query += ` AND trace_id = ?`
		args = append(args, f.TraceID)
	}
	if f.Room != "" && !omitted["room"] {
		query += ` AND room = ?`
		args = append(args, f.Room)
	}
	if f.Task != "" && !omitted["task"] {
		query += ` AND task = ?`
		args = append(args, f.Task)
	}
	if f.Stage != "" && !omitted["stage"] {
		query += ` AND stage = ?`
		args = append(args, f.Stage)
	}
	if f.Status != "" && !omitted["status"] {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY event_id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var payload string
		if err := rows.Scan(&ev.EventID, &ev.Stage, &ev.Status,
			&ev.TraceID, &ev.RequestID, &ev.IntentID,
			&ev.Room, &ev.Task, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		if payload != "" && payload != "{}" {
			ev.Payload = json.RawMessage(payload)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// listFromTasks synthesizes one event per task from the lifecycle columns.
// The stage becomes "task.<status>" so callers can still follow a trace even
// though the per-stage history is gone.
func (r *Recorder) listFromTasks(ctx context.Context, f Filter, limit int) ([]*StoredEvent, error) {
	query := `
		SELECT rowid, status,
			COALESCE(trace_id, ''), COALESCE(request_id, ''), COALESCE(intent_id, ''),
			room, task, updated_at
		FROM tasks WHERE 1=1`
	args := []any{}
	if f.TraceID != "" {
		query += ` AND trace_id = ?`
		args = append(args, f.TraceID)
	}
	if f.Room != "" {
		query += ` AND room = ?`
		args = append(args, f.Room)
	}
	if f.Task != "" {
		query += ` AND task = ?`
		args = append(args, f.Task)
	}
	query += ` ORDER BY updated_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reconstruct traces from tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var status string
		if err := rows.Scan(&ev.EventID, &status,
			&ev.TraceID, &ev.RequestID, &ev.IntentID,
			&ev.Room, &ev.Task, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task reconstruction: %w", err)
		}
		ev.Stage = "task." + status
		ev.Status = "reconstructed"
		if f.Stage != "" && ev.Stage != f.Stage {
			continue
		}
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harun/conductor/pkg/events"
	"github.com/harun/conductor/pkg/pipeline"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	session_id TEXT,
	pipeline_run_id TEXT,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);
CREATE INDEX IF NOT EXISTS idx_events_pipeline_run ON events(pipeline_run_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_ref TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at);
`

// SessionRecord is the last known state of a session
type SessionRecord struct {
	ID        string    `json:"sessionId"`
	AgentRef  string    `json:"agentRef"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HistoryStore keeps a durable record of sessions, pipeline runs and events
// in SQLite. It is both an event Sink and a pipeline.RunStore.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the database at path
func OpenHistory(path string) (*HistoryStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Name implements Sink
func (h *HistoryStore) Name() string { return "sqlite" }

// Handle implements Sink. Output chunks are not stored.
func (h *HistoryStore) Handle(ctx context.Context, evt events.Event) error {
	if evt.Type == events.SessionOutput {
		return nil
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	ts := formatTime(evt.Timestamp)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (type, session_id, pipeline_run_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(evt.Type), nullable(evt.SessionID), nullable(evt.PipelineRunID), string(payload), ts,
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if evt.Type.IsSession() && evt.SessionID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, agent_ref, status, error, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				agent_ref = excluded.agent_ref,
				status = excluded.status,
				error = excluded.error,
				updated_at = excluded.updated_at`,
			evt.SessionID, evt.AgentRef, strings.TrimPrefix(string(evt.Type), "status:"), evt.Error, ts,
		); err != nil {
			return fmt.Errorf("failed to upsert session: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event: %w", err)
	}
	return nil
}

// GetSession returns the last recorded state of session id
func (h *HistoryStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	var updated string
	err := h.db.QueryRowContext(ctx,
		`SELECT id, agent_ref, status, error, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.AgentRef, &rec.Status, &rec.Error, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to query session: %w", err)
	}
	rec.UpdatedAt = parseTime(updated)
	return rec, nil
}

// SessionEvents returns the stored events of session id in order
func (h *HistoryStore) SessionEvents(ctx context.Context, id string) ([]events.Event, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var evt events.Event
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}

// SaveRun implements pipeline.RunStore
func (h *HistoryStore) SaveRun(ctx context.Context, run pipeline.Run) error {
	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	var completed interface{}
	if run.CompletedAt != nil {
		completed = formatTime(*run.CompletedAt)
	}

	_, err = h.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, pipeline_id, status, started_at, completed_at, record) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			record = excluded.record`,
		run.ID, run.PipelineID, string(run.Status), formatTime(run.StartedAt), completed, string(record),
	)
	if err != nil {
		return fmt.Errorf("failed to save pipeline run: %w", err)
	}
	return nil
}

// GetRun implements pipeline.RunStore
func (h *HistoryStore) GetRun(ctx context.Context, id string) (pipeline.Run, error) {
	var record string
	err := h.db.QueryRowContext(ctx, `SELECT record FROM pipeline_runs WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.Run{}, fmt.Errorf("%w: %s", pipeline.ErrRunNotFound, id)
	}
	if err != nil {
		return pipeline.Run{}, fmt.Errorf("failed to query pipeline run: %w", err)
	}

	var run pipeline.Run
	if err := json.Unmarshal([]byte(record), &run); err != nil {
		return pipeline.Run{}, fmt.Errorf("failed to decode pipeline run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first
func (h *HistoryStore) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT record FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline runs: %w", err)
	}
	defer rows.Close()

	var out []pipeline.Run
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline run: %w", err)
		}
		var run pipeline.Run
		if err := json.Unmarshal([]byte(record), &run); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Close implements Sink
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// fixed width so stored timestamps sort as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

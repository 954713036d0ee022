package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted     EventType = "session_started"
	EventSessionStopped     EventType = "session_stopped"
	EventSegmentCompleted   EventType = "segment_completed"
	EventSegmentFailed      EventType = "segment_failed"
	EventCorrelationAnomaly EventType = "correlation_anomaly"
	EventControllerDecision EventType = "controller_decision"
	EventControllerError    EventType = "controller_error"
	EventProtocolError      EventType = "protocol_error"
	EventStateChanged       EventType = "state_changed"
)

// Schema creates the event table. Deployments may apply it externally
// instead.
const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id         BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS session_events_session_idx ON session_events (session_id, created_at);
`

// execer is the part of *pgxpool.Pool the logger uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Logger provides async event logging to the database
type Logger struct {
	db execer
	wg sync.WaitGroup
}

// New creates a new event logger. A nil pool turns every call into a no-op.
func New(db *pgxpool.Pool) *Logger {
	if db == nil {
		return &Logger{}
	}
	return &Logger{db: db}
}

// Enabled reports whether events are written anywhere.
func (l *Logger) Enabled() bool {
	return l != nil && l.db != nil
}

// EnsureSchema applies Schema.
func (l *Logger) EnsureSchema(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}
	_, err := l.db.Exec(ctx, Schema)
	return err
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if !l.Enabled() || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if !l.Enabled() || sessionID == "" {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}

// Wait blocks until pending async writes finish.
func (l *Logger) Wait() {
	if l == nil {
		return
	}
	l.wg.Wait()
}

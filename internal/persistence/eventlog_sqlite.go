// Package persistence implements the engine's two recoverable stores: an
// append-only event log (core.IEventLog) and a current-state snapshot store
// (core.ISnapshotStore), each with a SQLite-backed and an in-memory
// implementation.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gridengine/internal/core"
	"gridengine/pkg/retry"
)

// SQLiteEventLog is an append-only event log backed by SQLite with WAL mode
// enabled for crash recovery.
type SQLiteEventLog struct {
	db *sql.DB
}

// NewSQLiteEventLog opens (creating if necessary) the event log database
// and its schema.
func NewSQLiteEventLog(dbPath string) (*SQLiteEventLog, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("persistence: open event log db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("persistence: ping event log db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("persistence: enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		timestamp_ns INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		trigger TEXT NOT NULL,
		details TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("persistence: create events schema: %w", err)
	}

	return &SQLiteEventLog{db: db}, nil
}

// Append writes one event. Each call is its own transaction; the engine
// calls this synchronously once for every event its components emit.
func (l *SQLiteEventLog) Append(ctx context.Context, event core.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("persistence: marshal event details: %w", err)
	}

	const query = `INSERT INTO events (session_id, timestamp_ns, event_type, trigger, details) VALUES (?, ?, ?, ?, ?)`
	err = retry.Do(ctx, sqliteBusyPolicy, isSQLiteBusy, func() error {
		_, execErr := l.db.ExecContext(ctx, query, event.SessionID, event.Timestamp.UnixNano(), string(event.Type), string(event.Trigger), string(details))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("persistence: append event: %w", err)
	}
	return nil
}

// sqliteBusyPolicy retries a handful of times on SQLITE_BUSY/"database is
// locked", which WAL mode still surfaces under concurrent writers; any
// other error is not transient and is returned immediately.
var sqliteBusyPolicy = retry.RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: 20 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Replay returns every event recorded for the given session, in the order
// they were appended.
func (l *SQLiteEventLog) Replay(ctx context.Context, sessionID string) ([]core.Event, error) {
	const query = `SELECT timestamp_ns, event_type, trigger, details FROM events WHERE session_id = ? ORDER BY id ASC`
	rows, err := l.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("persistence: query events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var tsNs int64
		var eventType, trigger, details string
		if err := rows.Scan(&tsNs, &eventType, &trigger, &details); err != nil {
			return nil, fmt.Errorf("persistence: scan event row: %w", err)
		}
		var detailMap map[string]any
		if err := json.Unmarshal([]byte(details), &detailMap); err != nil {
			return nil, fmt.Errorf("persistence: unmarshal event details: %w", err)
		}
		events = append(events, core.Event{
			SessionID: sessionID,
			Timestamp: time.Unix(0, tsNs).UTC(),
			Type:      core.EventType(eventType),
			Trigger:   core.TriggerSource(trigger),
			Details:   detailMap,
		})
	}
	return events, rows.Err()
}

// Close releases the underlying database handle.
func (l *SQLiteEventLog) Close() error {
	return l.db.Close()
}

var _ core.IEventLog = (*SQLiteEventLog)(nil)

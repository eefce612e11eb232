package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gridengine/internal/core"
	"gridengine/pkg/retry"
)

// SQLiteSnapshotStore persists core.EngineSnapshot rows keyed by session id,
// each guarded by a SHA-256 checksum over its JSON encoding so a torn write
// is detected on load rather than silently fed back into the engine.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore opens (creating if necessary) the snapshot
// database and its schema.
func NewSQLiteSnapshotStore(dbPath string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("persistence: open snapshot db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("persistence: ping snapshot db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("persistence: enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS snapshots (
		session_id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		checksum BLOB NOT NULL,
		updated_at_ns INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("persistence: create snapshots schema: %w", err)
	}

	return &SQLiteSnapshotStore{db: db}, nil
}

// SaveSnapshot replaces the persisted snapshot for sessionID inside a
// serializable transaction, so a reader never observes a half-written row.
func (s *SQLiteSnapshotStore) SaveSnapshot(ctx context.Context, sessionID string, state core.EngineSnapshot) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}
	checksum := sha256.Sum256(data)

	err = retry.Do(ctx, sqliteBusyPolicy, isSQLiteBusy, func() error {
		tx, txErr := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		const query = `INSERT OR REPLACE INTO snapshots (session_id, data, checksum, updated_at_ns) VALUES (?, ?, ?, ?)`
		if _, execErr := tx.ExecContext(ctx, query, sessionID, string(data), checksum[:], time.Now().UnixNano()); execErr != nil {
			return execErr
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("persistence: write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted snapshot for sessionID, or a zero-value
// snapshot with ErrNoSnapshot if none exists.
func (s *SQLiteSnapshotStore) LoadSnapshot(ctx context.Context, sessionID string) (core.EngineSnapshot, error) {
	const query = `SELECT data, checksum FROM snapshots WHERE session_id = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.EngineSnapshot{}, ErrNoSnapshot
		}
		return core.EngineSnapshot{}, fmt.Errorf("persistence: read snapshot: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computed) {
		return core.EngineSnapshot{}, fmt.Errorf("persistence: snapshot checksum length mismatch for session %s", sessionID)
	}
	for i := range computed {
		if storedChecksum[i] != computed[i] {
			return core.EngineSnapshot{}, fmt.Errorf("persistence: snapshot checksum mismatch for session %s: data corruption detected", sessionID)
		}
	}

	var snapshot core.EngineSnapshot
	if err := json.Unmarshal([]byte(data), &snapshot); err != nil {
		return core.EngineSnapshot{}, fmt.Errorf("persistence: unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// Close releases the underlying database handle.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}

var _ core.ISnapshotStore = (*SQLiteSnapshotStore)(nil)

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/emberhost/ember/internal/event"
	"github.com/emberhost/ember/internal/logging"
)

// Verify SQLiteStore implements Repository at compile time.
var _ Repository = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	device_id      TEXT NOT NULL,
	workspace_dir  TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL,
	last_active_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq        INTEGER NOT NULL,
	type       TEXT NOT NULL,
	payload    TEXT,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_id, last_active_at);
`

// SQLiteStore persists sessions and events in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed repository at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logging.Store().Debug("sqlite store initialized", "path", path)
	return &SQLiteStore{db: db}, nil
}

// CreateSession creates or reattaches to a session (upsert by composite ID).
func (s *SQLiteStore) CreateSession(ctx context.Context, meta SessionMeta) (SessionMeta, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, device_id, workspace_dir, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_active_at = excluded.last_active_at`,
		meta.SessionID, meta.UserID, meta.DeviceID, meta.WorkspaceDir, now, now)
	if err != nil {
		return SessionMeta{}, fmt.Errorf("upsert session: %w", err)
	}
	return s.GetSession(ctx, meta.SessionID)
}

// GetSession returns the metadata for a session.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (SessionMeta, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.user_id, s.device_id, s.workspace_dir, s.created_at, s.last_active_at,
		       COALESCE((SELECT MAX(seq) FROM events e WHERE e.session_id = s.id), 0)
		FROM sessions s WHERE s.id = ?`, sessionID)

	var meta SessionMeta
	err := row.Scan(&meta.SessionID, &meta.UserID, &meta.DeviceID, &meta.WorkspaceDir,
		&meta.CreatedAt, &meta.LastActiveAt, &meta.MaxSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionMeta{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionMeta{}, fmt.Errorf("query session: %w", err)
	}
	return meta, nil
}

// AppendEvent persists an event with its pre-assigned sequence number.
// The primary key on (session_id, seq) rejects duplicates and the
// max-seq guard rejects gaps.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev event.Event) error {
	if ev.Seq <= 0 {
		return fmt.Errorf("event seq must be > 0, got %d", ev.Seq)
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var maxSeq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, ev.SessionID).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("query max seq: %w", err)
	}
	if ev.Seq != maxSeq+1 {
		return fmt.Errorf("%w: seq %d, persisted max %d", ErrSeqConflict, ev.Seq, maxSeq)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Seq, string(ev.Type), string(payload), ev.Timestamp); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET last_active_at = ? WHERE id = ?`,
		time.Now().UTC(), ev.SessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	return tx.Commit()
}

// ReadEventsFrom returns events with seq > afterSeq in ascending order.
func (s *SQLiteStore) ReadEventsFrom(ctx context.Context, sessionID string, afterSeq int64) ([]event.Event, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, type, payload, created_at FROM events
		WHERE session_id = ? AND seq > ? ORDER BY seq ASC`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		ev := event.Event{SessionID: sessionID}
		var typ string
		var payload sql.NullString
		if err := rows.Scan(&ev.Seq, &typ, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = event.Type(typ)
		if payload.Valid && payload.String != "" && payload.String != "null" {
			var p any
			if err := json.Unmarshal([]byte(payload.String), &p); err != nil {
				return nil, fmt.Errorf("unmarshal payload at seq %d: %w", ev.Seq, err)
			}
			ev.Payload = p
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MaxSeq returns the highest persisted sequence number for the session.
func (s *SQLiteStore) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	meta, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return meta.MaxSeq, nil
}

// ListSessionsByDevice returns all sessions for a device, newest first.
func (s *SQLiteStore) ListSessionsByDevice(ctx context.Context, deviceID string) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.device_id, s.workspace_dir, s.created_at, s.last_active_at,
		       COALESCE((SELECT MAX(seq) FROM events e WHERE e.session_id = s.id), 0),
		       COALESCE((SELECT e.payload FROM events e
		                 WHERE e.session_id = s.id AND e.type = ?
		                 ORDER BY e.seq ASC LIMIT 1), '')
		FROM sessions s
		WHERE s.device_id = ?
		ORDER BY s.last_active_at DESC`, string(event.TypeUserMessage), deviceID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		var firstPayload string
		if err := rows.Scan(&sum.SessionID, &sum.UserID, &sum.DeviceID, &sum.WorkspaceDir,
			&sum.CreatedAt, &sum.LastActiveAt, &sum.MaxSeq, &firstPayload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if firstPayload != "" {
			var p event.UserMessagePayload
			if err := json.Unmarshal([]byte(firstPayload), &p); err == nil {
				sum.FirstMessage = p.Text
			}
		}
		sessions = append(sessions, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	logging.Store().Debug("sqlite store closed")
	return s.db.Close()
}

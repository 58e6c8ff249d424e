// Package store provides event persistence for sessions behind a narrow
// repository interface, so any storage engine can sit beneath the engine.
// Two backends ship with ember: an append-only JSONL file store and a
// SQLite store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/emberhost/ember/internal/event"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStoreClosed     = errors.New("store is closed")
	ErrSeqConflict     = errors.New("event sequence conflicts with persisted log")
)

// SessionMeta is the durable identity record for a session.
// The session ID is the composite of user and device identity.
type SessionMeta struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	WorkspaceDir string    `json:"workspace_dir"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	MaxSeq       int64     `json:"max_seq"`
}

// SessionSummary is a listing row: metadata plus the first user message,
// used by the device session listing.
type SessionSummary struct {
	SessionMeta
	FirstMessage string `json:"first_message,omitempty"`
}

// Repository is the persistence contract consumed by the engine.
// Sequence numbers are assigned by the per-session event log before an
// event reaches the repository; implementations must not reassign them.
type Repository interface {
	event.Appender

	// CreateSession creates the session record, or reattaches to it if a
	// session with the same composite ID already exists (upsert). The
	// existing event log is preserved on reattach.
	CreateSession(ctx context.Context, meta SessionMeta) (SessionMeta, error)

	// GetSession returns the metadata for a session.
	GetSession(ctx context.Context, sessionID string) (SessionMeta, error)

	// ListSessionsByDevice returns all sessions for a device, newest
	// first, each with its first user message when one exists.
	ListSessionsByDevice(ctx context.Context, deviceID string) ([]SessionSummary, error)

	// Close releases any resources held by the store.
	Close() error
}

// firstUserMessage extracts the text of the earliest USER_MESSAGE event.
func firstUserMessage(events []event.Event) string {
	for _, ev := range events {
		if ev.Type != event.TypeUserMessage {
			continue
		}
		switch p := ev.Payload.(type) {
		case event.UserMessagePayload:
			return p.Text
		case map[string]any:
			if text, ok := p["text"].(string); ok {
				return text
			}
		}
	}
	return ""
}

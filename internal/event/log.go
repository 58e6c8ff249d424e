package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emberhost/ember/internal/logging"
)

// Appender is the narrow persistence contract the log depends on.
// Implementations must persist events with their pre-assigned sequence
// numbers; the log, not the store, is the sequencing authority.
type Appender interface {
	// AppendEvent persists an event whose Seq was assigned by the caller.
	AppendEvent(ctx context.Context, ev Event) error

	// ReadEventsFrom returns all persisted events with seq > afterSeq in
	// ascending seq order. It never waits for future events.
	ReadEventsFrom(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error)

	// MaxSeq returns the highest persisted sequence number for the
	// session, or 0 if the session has no events.
	MaxSeq(ctx context.Context, sessionID string) (int64, error)
}

// Log assigns gapless, strictly increasing sequence numbers to a single
// session's events and persists them through an Appender. A Log has a
// single writer (the session actor), so sequencing needs no coordination
// beyond its own mutex.
type Log struct {
	sessionID string
	repo      Appender

	mu   sync.Mutex
	next int64 // seq to assign to the next append
}

// OpenLog opens the event log for a session, resuming sequence assignment
// after the highest persisted sequence number.
func OpenLog(ctx context.Context, repo Appender, sessionID string) (*Log, error) {
	maxSeq, err := repo.MaxSeq(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open log for %s: %w", sessionID, err)
	}
	return &Log{
		sessionID: sessionID,
		repo:      repo,
		next:      maxSeq + 1,
	}, nil
}

// SessionID returns the session this log belongs to.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Append assigns the next sequence number and persists the event.
// On persistence failure the sequence number is not consumed and the
// error must be escalated by the caller: a failed append is the only
// storage condition treated as fatal to the attached connection.
func (l *Log) Append(ctx context.Context, typ Type, payload any) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev := Event{
		SessionID: l.sessionID,
		Seq:       l.next,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := l.repo.AppendEvent(ctx, ev); err != nil {
		return Event{}, fmt.Errorf("append %s event: %w", typ, err)
	}
	l.next++

	logging.Session().Debug("event appended",
		"session_id", l.sessionID,
		"seq", ev.Seq,
		"event_type", ev.Type)
	return ev, nil
}

// ReadFrom returns the persisted events with seq > afterSeq, in order.
// It is a restartable range read: it reflects the log at call time and
// does not block waiting for future appends.
func (l *Log) ReadFrom(ctx context.Context, afterSeq int64) ([]Event, error) {
	return l.repo.ReadEventsFrom(ctx, l.sessionID, afterSeq)
}

// LastSeq returns the sequence number of the most recent append, or 0.
func (l *Log) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

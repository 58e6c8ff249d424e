package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/emberhost/ember/internal/event"
	"github.com/emberhost/ember/internal/logging"
)

const (
	eventsFileName   = "events.jsonl"
	metadataFileName = "metadata.json"

	// Large events (tool outputs, long responses) can exceed the default
	// bufio.Scanner limit of 64KB.
	maxScannerBuffer = 10 * 1024 * 1024
)

// Verify FileStore implements Repository at compile time.
var _ Repository = (*FileStore)(nil)

// FileStore persists sessions as one directory per session: an
// append-only events.jsonl plus a metadata.json.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-backed repository rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	logging.Store().Debug("file store initialized", "base_dir", baseDir)
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *FileStore) eventsPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), eventsFileName)
}

func (s *FileStore) metadataPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), metadataFileName)
}

// CreateSession creates the session directory and metadata, or reattaches
// to an existing session with the same composite ID.
func (s *FileStore) CreateSession(_ context.Context, meta SessionMeta) (SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return SessionMeta{}, ErrStoreClosed
	}

	if existing, err := s.readMetadata(meta.SessionID); err == nil {
		// Reattach: the session is durable, keep its log and workspace.
		existing.LastActiveAt = time.Now().UTC()
		if err := s.writeMetadata(existing); err != nil {
			return SessionMeta{}, err
		}
		logging.Store().Debug("session reattached",
			"session_id", existing.SessionID, "max_seq", existing.MaxSeq)
		return existing, nil
	}

	if err := os.MkdirAll(s.sessionDir(meta.SessionID), 0o755); err != nil {
		return SessionMeta{}, fmt.Errorf("create session directory: %w", err)
	}

	f, err := os.Create(s.eventsPath(meta.SessionID))
	if err != nil {
		return SessionMeta{}, fmt.Errorf("create events file: %w", err)
	}
	f.Close()

	now := time.Now().UTC()
	meta.CreatedAt = now
	meta.LastActiveAt = now
	meta.MaxSeq = 0

	if err := s.writeMetadata(meta); err != nil {
		return SessionMeta{}, err
	}

	logging.Store().Debug("session created",
		"session_id", meta.SessionID,
		"device_id", meta.DeviceID,
		"workspace_dir", meta.WorkspaceDir)
	return meta, nil
}

// AppendEvent persists an event with its pre-assigned sequence number.
func (s *FileStore) AppendEvent(_ context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if ev.Seq <= 0 {
		return fmt.Errorf("event seq must be > 0, got %d", ev.Seq)
	}

	meta, err := s.readMetadata(ev.SessionID)
	if err != nil {
		return err
	}
	if ev.Seq != meta.MaxSeq+1 {
		return fmt.Errorf("%w: seq %d, persisted max %d", ErrSeqConflict, ev.Seq, meta.MaxSeq)
	}

	f, err := os.OpenFile(s.eventsPath(ev.SessionID), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	meta.MaxSeq = ev.Seq
	meta.LastActiveAt = time.Now().UTC()
	return s.writeMetadata(meta)
}

// ReadEventsFrom returns events with seq > afterSeq in ascending order.
func (s *FileStore) ReadEventsFrom(_ context.Context, sessionID string, afterSeq int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.readEventsFrom(sessionID, afterSeq)
}

// readEventsFrom must be called with the lock held.
func (s *FileStore) readEventsFrom(sessionID string, afterSeq int64) ([]event.Event, error) {
	f, err := os.Open(s.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []event.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)
	for scanner.Scan() {
		var ev event.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		if ev.Seq > afterSeq {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// MaxSeq returns the highest persisted sequence number for the session.
func (s *FileStore) MaxSeq(_ context.Context, sessionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	meta, err := s.readMetadata(sessionID)
	if err != nil {
		return 0, err
	}
	return meta.MaxSeq, nil
}

// GetSession returns the metadata for a session.
func (s *FileStore) GetSession(_ context.Context, sessionID string) (SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return SessionMeta{}, ErrStoreClosed
	}
	return s.readMetadata(sessionID)
}

// ListSessionsByDevice returns all sessions for a device, newest first.
func (s *FileStore) ListSessionsByDevice(_ context.Context, deviceID string) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read store directory: %w", err)
	}

	var sessions []SessionSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMetadata(entry.Name())
		if err != nil {
			// Skip directories without valid metadata.
			continue
		}
		if meta.DeviceID != deviceID {
			continue
		}
		summary := SessionSummary{SessionMeta: meta}
		if events, err := s.readEventsFrom(meta.SessionID, 0); err == nil {
			summary.FirstMessage = firstUserMessage(events)
		}
		sessions = append(sessions, summary)
	}

	sortSummariesByActivity(sessions)
	return sessions, nil
}

// Close closes the store.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	logging.Store().Debug("file store closed", "base_dir", s.baseDir)
	return nil
}

func (s *FileStore) readMetadata(sessionID string) (SessionMeta, error) {
	data, err := os.ReadFile(s.metadataPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return SessionMeta{}, ErrSessionNotFound
		}
		return SessionMeta{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return SessionMeta{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, nil
}

func (s *FileStore) writeMetadata(meta SessionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tmp := s.metadataPath(meta.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp, s.metadataPath(meta.SessionID)); err != nil {
		return fmt.Errorf("replace metadata: %w", err)
	}
	return nil
}

func sortSummariesByActivity(sessions []SessionSummary) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/emberhost/ember/internal/event"
	"github.com/emberhost/ember/internal/llm"
	"github.com/emberhost/ember/internal/memory"
	"github.com/emberhost/ember/internal/store"
	"github.com/emberhost/ember/internal/tools"
)

// SessionID builds the composite session identity from the stable user
// identity and the client device identifier.
func SessionID(userID, deviceID string) string {
	return userID + "_" + deviceID
}

// Manager is the registry of live session actors, keyed by composite
// identity. Sessions are created on first attach and never destroyed
// implicitly; a disconnect only detaches observers.
type Manager struct {
	repo          store.Repository
	client        llm.Client
	cfg           Config
	workspaceRoot string
	logger        *slog.Logger
	hooks         Hooks

	mu       sync.Mutex
	sessions map[string]*Session
	creating singleflight.Group
}

// NewManager creates a session manager backed by the given repository
// and model client.
func NewManager(repo store.Repository, client llm.Client, cfg Config, workspaceRoot string, logger *slog.Logger) *Manager {
	return &Manager{
		repo:          repo,
		client:        client,
		cfg:           cfg,
		workspaceRoot: workspaceRoot,
		logger:        logger,
		sessions:      make(map[string]*Session),
	}
}

// SetHooks installs instrumentation callbacks applied to every session
// the manager creates from now on.
func (m *Manager) SetHooks(h Hooks) {
	m.hooks = h
}

// GetOrCreate returns the live session for the composite identity,
// reviving it from the store or creating it on first attach. Creation
// involves store I/O and history replay, so it runs single-flight per
// identity outside the registry lock; attaches to other sessions are
// never blocked by a slow revival.
func (m *Manager) GetOrCreate(ctx context.Context, userID, deviceID string) (*Session, error) {
	id := SessionID(userID, deviceID)

	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if ok {
		return s, nil
	}

	v, err, _ := m.creating.Do(id, func() (any, error) {
		m.mu.Lock()
		s, ok := m.sessions[id]
		m.mu.Unlock()
		if ok {
			return s, nil
		}
		s, err := m.createSession(ctx, id, userID, deviceID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.sessions[id] = s
		m.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) createSession(ctx context.Context, id, userID, deviceID string) (*Session, error) {
	meta, err := m.repo.CreateSession(ctx, store.SessionMeta{
		SessionID:    id,
		UserID:       userID,
		DeviceID:     deviceID,
		WorkspaceDir: filepath.Join(m.workspaceRoot, uuid.NewString()),
	})
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	if err := os.MkdirAll(meta.WorkspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	log, err := event.OpenLog(ctx, m.repo, id)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", id, err)
	}

	archive, err := memory.NewFileArchive(filepath.Join(meta.WorkspaceDir, ".archive"))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	window := memory.NewWindow(m.cfg.TokenBudget, nil, archive)
	if err := m.seedWindow(ctx, window, log); err != nil {
		return nil, err
	}

	registry := tools.NewRegistry()
	tools.RegisterWorkspaceTools(registry, meta.WorkspaceDir)

	s := NewSession(meta, log, window, m.client, registry, m.cfg,
		m.logger.With("session_id", id))
	s.SetHooks(m.hooks)

	m.logger.Info("session created",
		"session_id", id,
		"workspace_dir", meta.WorkspaceDir,
		"resumed_seq", log.LastSeq())
	return s, nil
}

// Get returns a live session without creating one.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// seedWindow pins the system prompt and injects durable conversation
// history from the log so a revived session resumes with context.
// Budget enforcement applies normally; old history may be archived
// immediately.
func (m *Manager) seedWindow(ctx context.Context, window *memory.Window, log *event.Log) error {
	if m.cfg.SystemPrompt != "" {
		if err := window.Append(ctx, memory.Message{
			Role:    memory.RoleSystem,
			Content: m.cfg.SystemPrompt,
			Pinned:  true,
		}); err != nil {
			return fmt.Errorf("pin system prompt: %w", err)
		}
	}

	events, err := log.ReadFrom(ctx, 0)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	var delta string
	for _, ev := range events {
		switch ev.Type {
		case event.TypeUserMessage:
			if text := payloadField(ev.Payload, "text"); text != "" {
				if err := window.Append(ctx, memory.Message{Role: memory.RoleUser, Content: text}); err != nil {
					return err
				}
			}
		case event.TypeAgentResponse:
			if full := payloadField(ev.Payload, "full_text"); full != "" {
				if err := window.Append(ctx, memory.Message{Role: memory.RoleAssistant, Content: full}); err != nil {
					return err
				}
			} else {
				delta += payloadField(ev.Payload, "text_delta")
			}
		case event.TypeStreamComplete:
			if delta != "" {
				if err := window.Append(ctx, memory.Message{Role: memory.RoleAssistant, Content: delta}); err != nil {
					return err
				}
				delta = ""
			}
		}
	}
	return nil
}

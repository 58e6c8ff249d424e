// Package agent hosts the session actor: the single writer for a
// session's event log, context window, and active query. Connections
// hold only non-owning references to a session; everything they see is
// fanned out as sequence-numbered events.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/emberhost/ember/internal/event"
	"github.com/emberhost/ember/internal/llm"
	"github.com/emberhost/ember/internal/memory"
	"github.com/emberhost/ember/internal/store"
	"github.com/emberhost/ember/internal/tools"
)

// ErrQueryInFlight is returned when a query is submitted while another
// one is still non-terminal.
var ErrQueryInFlight = errors.New("a query is already in progress")

// Observer receives every event appended to a session's log, in
// sequence order. Implementations must not block; slow consumers are
// expected to buffer and, on overflow, resynchronize via replay.
type Observer interface {
	OnEvent(ev event.Event)
}

// Config carries per-session engine parameters.
type Config struct {
	Model        string
	MaxTokens    int
	MaxTurns     int
	TokenBudget  int
	SystemPrompt string
}

// Hooks are optional callbacks for instrumentation. Nil funcs are
// skipped.
type Hooks struct {
	QueryStarted  func()
	QueryFinished func(phase Phase)
	EventAppended func(typ event.Type)
}

// Session is the actor owning one durable conversation.
type Session struct {
	meta     store.SessionMeta
	log      *event.Log
	window   *memory.Window
	client   llm.Client
	registry *tools.Registry
	cfg      Config
	logger   *slog.Logger
	hooks    Hooks

	// appendMu makes append+fan-out atomic so observers always see
	// events in sequence order.
	appendMu sync.Mutex

	mu          sync.Mutex
	observers   map[Observer]struct{}
	current     *Query
	initialized bool
}

// NewSession wires a session actor around an open event log and a
// prepared context window.
func NewSession(meta store.SessionMeta, log *event.Log, window *memory.Window,
	client llm.Client, registry *tools.Registry, cfg Config, logger *slog.Logger) *Session {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 200
	}
	return &Session{
		meta:      meta,
		log:       log,
		window:    window,
		client:    client,
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		observers: make(map[Observer]struct{}),
	}
}

// SetHooks installs instrumentation callbacks. Call before the first
// query is submitted.
func (s *Session) SetHooks(h Hooks) {
	s.hooks = h
}

func (s *Session) ID() string              { return s.meta.SessionID }
func (s *Session) WorkspaceDir() string    { return s.meta.WorkspaceDir }
func (s *Session) Meta() store.SessionMeta { return s.meta }
func (s *Session) Window() *memory.Window  { return s.window }
func (s *Session) LastSeq() int64          { return s.log.LastSeq() }

// AddObserver registers a connection for event fan-out.
func (s *Session) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[o] = struct{}{}
}

// RemoveObserver detaches a connection. The session keeps running with
// zero observers; events still land in the log for later replay.
func (s *Session) RemoveObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.observers, o)
}

// ObserverCount returns the number of attached observers.
func (s *Session) ObserverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// append persists an event and fans it out to all observers. A
// persistence failure leaves the log untouched and is returned to the
// caller; it is the one storage condition escalated as fatal.
func (s *Session) append(ctx context.Context, typ event.Type, payload any) (event.Event, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	ev, err := s.log.Append(ctx, typ, payload)
	if err != nil {
		return event.Event{}, err
	}
	if s.hooks.EventAppended != nil {
		s.hooks.EventAppended(typ)
	}

	s.mu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	for o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()

	for _, o := range obs {
		o.OnEvent(ev)
	}
	return ev, nil
}

// EnsureInitialized marks the agent ready and returns the workspace
// path. Idempotent; a reconnecting client may init again.
func (s *Session) EnsureInitialized() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return s.meta.WorkspaceDir
}

// SubmitQuery admits a new query if no non-terminal query exists. On
// admission it logs USER_MESSAGE and PROCESSING, seeds the context
// window, and starts the engine. On rejection nothing is mutated.
func (s *Session) SubmitQuery(ctx context.Context, text string, files []string, resume bool) (*Query, error) {
	s.mu.Lock()
	if s.current != nil {
		select {
		case <-s.current.done:
			// finished; admit the new one
		default:
			s.mu.Unlock()
			return nil, ErrQueryInFlight
		}
	}
	q := newQuery(text, files, resume)
	s.current = q
	s.mu.Unlock()

	if _, err := s.append(ctx, event.TypeUserMessage, event.UserMessagePayload{
		Text: text, Files: files, Resume: resume,
	}); err != nil {
		s.clearQuery(q)
		return nil, err
	}
	if _, err := s.append(ctx, event.TypeProcessing, event.ProcessingPayload{
		Message: "Processing your request",
	}); err != nil {
		s.clearQuery(q)
		return nil, err
	}

	if err := s.window.Append(ctx, memory.Message{
		Role:    memory.RoleUser,
		Content: userContent(text, files),
	}); err != nil {
		s.logger.Error("window append failed", "session_id", s.meta.SessionID, "error", err)
	}

	if s.hooks.QueryStarted != nil {
		s.hooks.QueryStarted()
	}
	// The engine outlives the submitting connection.
	go s.run(context.WithoutCancel(ctx), q)
	return q, nil
}

// Cancel requests cooperative cancellation of the active query. It
// reports whether a query was actually running; cancellation with
// nothing active is not an error.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	select {
	case <-s.current.done:
		return false
	default:
		s.current.Cancel()
		return true
	}
}

// Phase derives the current query phase from the log tail.
func (s *Session) Phase(ctx context.Context) (Phase, error) {
	after := s.log.LastSeq() - 2
	if after < 0 {
		after = 0
	}
	tail, err := s.log.ReadFrom(ctx, after)
	if err != nil {
		return PhaseIdle, err
	}
	return DerivePhase(tail), nil
}

// Replay returns the persisted events with seq > afterSeq, in order.
func (s *Session) Replay(ctx context.Context, afterSeq int64) ([]event.Event, error) {
	return s.log.ReadFrom(ctx, afterSeq)
}

func (s *Session) clearQuery(q *Query) {
	q.finish()
	s.mu.Lock()
	if s.current == q {
		s.current = nil
	}
	s.mu.Unlock()
}

func userContent(text string, files []string) string {
	if len(files) == 0 {
		return text
	}
	content := text
	for _, f := range files {
		content += "\n[attached file: " + f + "]"
	}
	return content
}

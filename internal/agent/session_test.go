package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emberhost/ember/internal/event"
	"github.com/emberhost/ember/internal/llm"
	"github.com/emberhost/ember/internal/memory"
	"github.com/emberhost/ember/internal/store"
	"github.com/emberhost/ember/internal/tools"
)

// collector records fanned-out events for assertions.
type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) OnEvent(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func (c *collector) types() []event.Type {
	var out []event.Type
	for _, ev := range c.snapshot() {
		out = append(out, ev.Type)
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Model:        "claude-sonnet-4-5",
		MaxTokens:    4096,
		MaxTurns:     10,
		TokenBudget:  8000,
		SystemPrompt: "You are a helpful assistant.",
	}
}

func newTestSession(t *testing.T, client llm.Client) (*Session, *collector) {
	t.Helper()
	ctx := context.Background()

	repo, err := NewFileRepo(t)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	meta, err := repo.CreateSession(ctx, store.SessionMeta{
		SessionID: "alice_d1", UserID: "alice", DeviceID: "d1", WorkspaceDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	log, err := event.OpenLog(ctx, repo, meta.SessionID)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	archive, err := memory.NewFileArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	cfg := testConfig()
	window := memory.NewWindow(cfg.TokenBudget, nil, archive)

	registry := tools.NewRegistry()
	registry.Register(llm.ToolDefinition{Name: "echo", Description: "Echoes input."},
		func(_ context.Context, input map[string]any) (string, error) {
			s, _ := input["text"].(string)
			return s, nil
		})
	registry.Register(llm.ToolDefinition{Name: "explode", Description: "Always fails."},
		func(_ context.Context, _ map[string]any) (string, error) {
			return "", errors.New("tool blew up")
		})

	s := NewSession(meta, log, window, client, registry, cfg, testLogger())
	c := &collector{}
	s.AddObserver(c)
	return s, c
}

// NewFileRepo builds a file-backed repository rooted in a temp dir.
func NewFileRepo(t *testing.T) (store.Repository, error) {
	t.Helper()
	repo, err := store.NewFileStore(t.TempDir())
	if err == nil {
		t.Cleanup(func() { repo.Close() })
	}
	return repo, err
}

func waitDone(t *testing.T, q *Query) {
	t.Helper()
	select {
	case <-q.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("query did not finish in time")
	}
}

func TestQueryStreamedResponse(t *testing.T) {
	client := llm.NewMockClient(llm.MockTurn{Chunks: []string{"Hello", " world"}})
	s, c := newTestSession(t, client)

	q, err := s.SubmitQuery(context.Background(), "hello", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	waitDone(t, q)

	want := []event.Type{
		event.TypeUserMessage,
		event.TypeProcessing,
		event.TypeAgentThinking,
		event.TypeAgentResponse,
		event.TypeAgentResponse,
		event.TypeStreamComplete,
	}
	got := c.types()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}

	// Gapless run starting at 1.
	for i, ev := range c.snapshot() {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
	}

	phase, err := s.Phase(context.Background())
	if err != nil {
		t.Fatalf("Phase: %v", err)
	}
	if phase != PhaseCompleted {
		t.Errorf("phase = %s, want completed", phase)
	}
}

func TestQuerySingleChunkFullText(t *testing.T) {
	client := llm.NewMockClient(llm.MockTurn{Chunks: []string{"All done."}})
	s, c := newTestSession(t, client)

	q, err := s.SubmitQuery(context.Background(), "hi", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	waitDone(t, q)

	var responses, completes int
	for _, ev := range c.snapshot() {
		switch ev.Type {
		case event.TypeAgentResponse:
			responses++
			p, ok := ev.Payload.(event.ResponsePayload)
			if !ok {
				t.Fatalf("unexpected payload type %T", ev.Payload)
			}
			if p.FullText != "All done." || p.TextDelta != "" {
				t.Errorf("payload = %+v, want full_text only", p)
			}
		case event.TypeStreamComplete:
			completes++
		}
	}
	if responses != 1 || completes != 0 {
		t.Errorf("responses=%d completes=%d, want 1 response and no STREAM_COMPLETE", responses, completes)
	}
}

func TestToolLoop(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockTurn{
			Chunks:    []string{"Let me check."},
			ToolCalls: []llm.ToolCall{{ID: "tc1", Name: "echo", Input: map[string]any{"text": "ping"}}},
		},
		llm.MockTurn{Chunks: []string{"The tool said ping."}},
	)
	s, c := newTestSession(t, client)

	q, err := s.SubmitQuery(context.Background(), "use the tool", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	waitDone(t, q)

	types := c.types()
	idx := func(typ event.Type) int {
		for i, tt := range types {
			if tt == typ {
				return i
			}
		}
		return -1
	}
	call, result, resp := idx(event.TypeToolCall), idx(event.TypeToolResult), idx(event.TypeAgentResponse)
	if call < 0 || result < 0 || resp < 0 {
		t.Fatalf("missing tool events in %v", types)
	}
	if !(call < result && result < resp) {
		t.Errorf("order wrong: TOOL_CALL=%d TOOL_RESULT=%d AGENT_RESPONSE=%d", call, result, resp)
	}

	p, ok := c.snapshot()[result].Payload.(event.ToolResultPayload)
	if !ok {
		t.Fatalf("unexpected payload type")
	}
	if p.Status != event.ToolStatusSuccess || p.ToolOutput != "ping" {
		t.Errorf("tool result = %+v", p)
	}
}

func TestToolErrorDoesNotTerminateQuery(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockTurn{
			ToolCalls: []llm.ToolCall{{ID: "tc1", Name: "explode", Input: map[string]any{}}},
		},
		llm.MockTurn{Chunks: []string{"That tool failed, sorry."}},
	)
	s, c := newTestSession(t, client)

	q, err := s.SubmitQuery(context.Background(), "try it", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	waitDone(t, q)

	var sawErrorResult bool
	for _, ev := range c.snapshot() {
		if ev.Type == event.TypeToolResult {
			p := ev.Payload.(event.ToolResultPayload)
			if p.Status == event.ToolStatusError {
				sawErrorResult = true
			}
		}
		if ev.Type == event.TypeError {
			t.Error("tool failure must not emit a query-level ERROR")
		}
	}
	if !sawErrorResult {
		t.Error("expected a TOOL_RESULT with status error")
	}

	phase, _ := s.Phase(context.Background())
	if phase != PhaseCompleted {
		t.Errorf("phase = %s, want completed", phase)
	}
}

func TestConcurrentQueryRejected(t *testing.T) {
	client := llm.NewMockClient(llm.MockTurn{
		Chunks:     []string{"a", "b", "c"},
		ChunkDelay: 200 * time.Millisecond,
	})
	s, _ := newTestSession(t, client)
	ctx := context.Background()

	q, err := s.SubmitQuery(ctx, "first", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	seqBefore := s.LastSeq()
	if _, err := s.SubmitQuery(ctx, "second", nil, false); !errors.Is(err, ErrQueryInFlight) {
		t.Fatalf("second SubmitQuery error = %v, want ErrQueryInFlight", err)
	}
	if got := s.LastSeq(); got != seqBefore {
		t.Errorf("rejection appended events: seq %d -> %d", seqBefore, got)
	}

	s.Cancel()
	waitDone(t, q)
}

func TestCancelDuringStream(t *testing.T) {
	client := llm.NewMockClient(llm.MockTurn{
		Chunks:     []string{"a", "b", "c", "d", "e", "f"},
		ChunkDelay: 100 * time.Millisecond,
	})
	s, c := newTestSession(t, client)

	q, err := s.SubmitQuery(context.Background(), "long answer", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if !s.Cancel() {
		t.Fatal("Cancel reported no active query")
	}
	waitDone(t, q)

	events := c.snapshot()
	last := events[len(events)-1]
	if last.Type != event.TypeSystem {
		t.Fatalf("last event = %s, want SYSTEM cancellation", last.Type)
	}
	for _, ev := range events {
		if ev.Type == event.TypeAgentResponse {
			t.Error("no AGENT_RESPONSE may appear after cancellation of an unfinished stream")
		}
	}

	phase, _ := s.Phase(context.Background())
	if phase != PhaseCanceled {
		t.Errorf("phase = %s, want canceled", phase)
	}
}

func TestCancelWithNoActiveQuery(t *testing.T) {
	s, _ := newTestSession(t, llm.NewMockClient(llm.MockTurn{Chunks: []string{"x"}}))
	if s.Cancel() {
		t.Error("Cancel with no query should report inactive")
	}
}

func TestModelFailureFailsQueryButNotSession(t *testing.T) {
	client := llm.NewMockClient(
		llm.MockTurn{Err: errors.New("transport exploded")},
		llm.MockTurn{Chunks: []string{"recovered"}},
	)
	s, c := newTestSession(t, client)
	ctx := context.Background()

	q, err := s.SubmitQuery(ctx, "first", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	waitDone(t, q)

	types := c.types()
	n := len(types)
	if n < 2 || types[n-2] != event.TypeError || types[n-1] != event.TypeSystem {
		t.Fatalf("tail = %v, want ...ERROR, SYSTEM", types)
	}
	phase, _ := s.Phase(ctx)
	if phase != PhaseFailed {
		t.Errorf("phase = %s, want failed", phase)
	}

	// The session stays usable.
	q2, err := s.SubmitQuery(ctx, "second", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery after failure: %v", err)
	}
	waitDone(t, q2)
	phase, _ = s.Phase(ctx)
	if phase != PhaseCompleted {
		t.Errorf("phase after recovery = %s, want completed", phase)
	}
}

func TestReplayAfterDisconnect(t *testing.T) {
	client := llm.NewMockClient(llm.MockTurn{Chunks: []string{"one", "two"}})
	s, c := newTestSession(t, client)
	ctx := context.Background()

	q, err := s.SubmitQuery(ctx, "hello", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	waitDone(t, q)

	all := c.snapshot()
	k := int64(2)
	replayed, err := s.Replay(ctx, k)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if int64(len(replayed)) != int64(len(all))-k {
		t.Fatalf("replayed %d events, want %d", len(replayed), int64(len(all))-k)
	}
	for i, ev := range replayed {
		if ev.Seq != k+int64(i)+1 {
			t.Errorf("replayed event %d seq = %d, want %d", i, ev.Seq, k+int64(i)+1)
		}
	}
}

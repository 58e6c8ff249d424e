package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/emberhost/ember/internal/llm"
	"github.com/emberhost/ember/internal/memory"
	"github.com/emberhost/ember/internal/store"
)

func newTestManager(t *testing.T, repo store.Repository, client llm.Client) *Manager {
	t.Helper()
	return NewManager(repo, client, testConfig(), t.TempDir(), testLogger())
}

func TestGetOrCreateIsStable(t *testing.T) {
	repo, err := NewFileRepo(t)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	m := newTestManager(t, repo, llm.NewMockClient(llm.MockTurn{Chunks: []string{"ok"}}))
	ctx := context.Background()

	s1, err := m.GetOrCreate(ctx, "alice", "d1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s2, err := m.GetOrCreate(ctx, "alice", "d1")
	if err != nil {
		t.Fatalf("GetOrCreate second: %v", err)
	}
	if s1 != s2 {
		t.Error("same composite identity must map to the same live session")
	}
	if s1.ID() != "alice_d1" {
		t.Errorf("session id = %s, want alice_d1", s1.ID())
	}

	other, err := m.GetOrCreate(ctx, "alice", "d2")
	if err != nil {
		t.Fatalf("GetOrCreate other device: %v", err)
	}
	if other == s1 {
		t.Error("different devices must get different sessions")
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d, want 2", m.Count())
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	repo, err := NewFileRepo(t)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	m := newTestManager(t, repo, llm.NewMockClient(llm.MockTurn{Chunks: []string{"ok"}}))
	ctx := context.Background()

	// Simultaneous attaches for the same identity must collapse into one
	// session, and attaches for other identities must not be serialized
	// behind its creation.
	const attaches = 8
	got := make([]*Session, attaches)
	var wg sync.WaitGroup
	for i := 0; i < attaches; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.GetOrCreate(ctx, "alice", "d1")
			if err != nil {
				t.Errorf("GetOrCreate %d: %v", i, err)
				return
			}
			got[i] = s
		}(i)
	}
	for i := 0; i < attaches; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.GetOrCreate(ctx, "bob", "d1"); err != nil {
				t.Errorf("GetOrCreate bob %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 1; i < attaches; i++ {
		if got[i] != got[0] {
			t.Fatalf("attach %d received a different session", i)
		}
	}
	if m.Count() != 2 {
		t.Errorf("Count = %d, want 2", m.Count())
	}
}

func TestSessionRevivalInjectsHistory(t *testing.T) {
	repo, err := NewFileRepo(t)
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	client := llm.NewMockClient(llm.MockTurn{Chunks: []string{"the answer is 42"}})
	ctx := context.Background()

	m1 := newTestManager(t, repo, client)
	s1, err := m1.GetOrCreate(ctx, "alice", "d1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	q, err := s1.SubmitQuery(ctx, "what is the answer?", nil, false)
	if err != nil {
		t.Fatalf("SubmitQuery: %v", err)
	}
	waitDone(t, q)
	lastSeq := s1.LastSeq()

	// A fresh manager simulates a process restart.
	m2 := newTestManager(t, repo, client)
	s2, err := m2.GetOrCreate(ctx, "alice", "d1")
	if err != nil {
		t.Fatalf("GetOrCreate after restart: %v", err)
	}
	if s2.LastSeq() != lastSeq {
		t.Errorf("revived LastSeq = %d, want %d", s2.LastSeq(), lastSeq)
	}

	var sawUser, sawAssistant bool
	for _, msg := range s2.Window().Snapshot() {
		switch {
		case msg.Role == memory.RoleUser && msg.Content == "what is the answer?":
			sawUser = true
		case msg.Role == memory.RoleAssistant && msg.Content == "the answer is 42":
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Errorf("revived window missing history: user=%v assistant=%v", sawUser, sawAssistant)
	}

	// New appends continue the gapless run.
	q2, err := s2.SubmitQuery(ctx, "again", nil, true)
	if err != nil {
		t.Fatalf("SubmitQuery after revival: %v", err)
	}
	waitDone(t, q2)
	events, err := s2.Replay(ctx, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("seq gap after revival at index %d: %d", i, ev.Seq)
		}
	}
}

func TestEnhancePrompt(t *testing.T) {
	client := llm.NewMockClient(llm.MockTurn{Chunks: []string{"Refactor the parser in pkg/parse to return wrapped errors."}})
	got, err := EnhancePrompt(context.Background(), client, "claude-sonnet-4-5", "fix parser", []string{"parse.go"})
	if err != nil {
		t.Fatalf("EnhancePrompt: %v", err)
	}
	if got == "" {
		t.Fatal("empty enhancement")
	}
	calls := client.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one model call, got %d", len(calls))
	}
}

package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockTurn scripts one response from the mock client.
type MockTurn struct {
	// Chunks are emitted as individual text stream events; Chat joins
	// them. A single-element slice models a non-chunked response.
	Chunks     []string
	ToolCalls  []ToolCall
	StopReason StopReason
	Err        error

	// ChunkDelay inserts a pause between stream events so tests can
	// interleave cancellation with an in-flight stream.
	ChunkDelay time.Duration
}

// MockClient replays scripted turns, in order. When the script is
// exhausted the last turn repeats.
type MockClient struct {
	mu    sync.Mutex
	turns []MockTurn
	next  int
	calls []ChatRequest
}

func NewMockClient(turns ...MockTurn) *MockClient {
	return &MockClient{turns: turns}
}

func (m *MockClient) take(req ChatRequest) (MockTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if len(m.turns) == 0 {
		return MockTurn{}, fmt.Errorf("mock: no turns scripted")
	}
	idx := m.next
	if idx >= len(m.turns) {
		idx = len(m.turns) - 1
	} else {
		m.next++
	}
	return m.turns[idx], nil
}

// Chat returns the next scripted turn as a complete response.
func (m *MockClient) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	turn, err := m.take(req)
	if err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	return turn.response(), nil
}

// ChatStream replays the next scripted turn as stream events. Context
// cancellation between chunks aborts the stream with an error event.
func (m *MockClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	turn, err := m.take(req)
	if err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}

	ch := make(chan StreamEvent, len(turn.Chunks)+len(turn.ToolCalls)+1)
	go func() {
		defer close(ch)
		for _, chunk := range turn.Chunks {
			if turn.ChunkDelay > 0 {
				select {
				case <-time.After(turn.ChunkDelay):
				case <-ctx.Done():
					ch <- StreamEvent{Kind: StreamError, Err: ctx.Err()}
					return
				}
			}
			select {
			case ch <- StreamEvent{Kind: StreamText, Text: chunk}:
			case <-ctx.Done():
				ch <- StreamEvent{Kind: StreamError, Err: ctx.Err()}
				return
			}
		}
		for i := range turn.ToolCalls {
			ch <- StreamEvent{Kind: StreamToolStart, ToolCall: &turn.ToolCalls[i]}
		}
		ch <- StreamEvent{Kind: StreamDone, Response: turn.response()}
	}()
	return ch, nil
}

// Calls returns every request the mock has received.
func (m *MockClient) Calls() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.calls...)
}

func (t MockTurn) response() *ChatResponse {
	var content string
	for _, c := range t.Chunks {
		content += c
	}
	stop := t.StopReason
	if stop == "" {
		if len(t.ToolCalls) > 0 {
			stop = StopToolUse
		} else {
			stop = StopEndTurn
		}
	}
	return &ChatResponse{
		Content:    content,
		ToolCalls:  t.ToolCalls,
		StopReason: stop,
		Usage:      Usage{InputTokens: 10, OutputTokens: len(content) / 4},
	}
}

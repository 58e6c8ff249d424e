package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/emberhost/ember/internal/event"
	"github.com/emberhost/ember/internal/llm"
	"github.com/emberhost/ember/internal/memory"
)

// run drives one query through its lifecycle:
//
//	Queued -> Thinking -> ToolExecuting <-> Thinking -> Responding
//	       -> {Completed | Canceled | Failed}
//
// The loop suspends while awaiting model output and tool results; the
// session's serialization locks are held only while recording the
// resulting events and window updates.
func (s *Session) run(ctx context.Context, q *Query) {
	phase := s.executeQuery(ctx, q)

	s.logger.Info("query finished",
		"session_id", s.meta.SessionID,
		"query_id", q.ID,
		"phase", phase)
	if s.hooks.QueryFinished != nil {
		s.hooks.QueryFinished(phase)
	}
	s.clearQuery(q)
}

func (s *Session) executeQuery(ctx context.Context, q *Query) Phase {
	// The window already holds the admitted user message; capture the
	// conversation base once so in-flight turn messages are not doubled.
	system, base := s.conversationBase()
	if q.Resume {
		system += "\nThe user is resuming an earlier task in this workspace; " +
			"earlier conversation context precedes their latest message."
	}
	var turn []llm.Message

	for i := 0; i < s.cfg.MaxTurns; i++ {
		if q.Cancelled() {
			return s.finishCanceled(ctx)
		}

		if _, err := s.append(ctx, event.TypeAgentThinking, event.ThinkingPayload{}); err != nil {
			return s.failAppend(q, err)
		}

		resp, chunks, outcome := s.streamTurn(ctx, q, llm.ChatRequest{
			Model:     s.cfg.Model,
			System:    system,
			Messages:  append(append([]llm.Message{}, base...), turn...),
			Tools:     s.registry.Definitions(),
			MaxTokens: s.cfg.MaxTokens,
		})
		switch outcome.kind {
		case turnCanceled:
			return s.finishCanceled(ctx)
		case turnFailed:
			return s.finishFailed(ctx, outcome.err)
		}

		if len(resp.ToolCalls) == 0 {
			return s.finishResponding(ctx, q, resp.Content, chunks)
		}

		// Interim model text before tool use surfaces as thinking.
		if resp.Content != "" {
			if _, err := s.append(ctx, event.TypeAgentThinking, event.ThinkingPayload{
				Thought: resp.Content,
			}); err != nil {
				return s.failAppend(q, err)
			}
		}
		turn = append(turn, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results, canceled, err := s.dispatchTools(ctx, q, resp.ToolCalls)
		turn = append(turn, results...)
		if err != nil {
			return s.failAppend(q, err)
		}
		if canceled {
			return s.finishCanceled(ctx)
		}
	}

	return s.finishFailed(ctx, fmt.Errorf("query exceeded %d model turns", s.cfg.MaxTurns))
}

type turnOutcomeKind int

const (
	turnOK turnOutcomeKind = iota
	turnCanceled
	turnFailed
)

type turnOutcome struct {
	kind turnOutcomeKind
	err  error
}

// streamTurn runs one model invocation and collects its text chunks.
// The cancellation flag is checked in the stream-read loop; observing
// it aborts the provider stream and discards the partial turn.
func (s *Session) streamTurn(ctx context.Context, q *Query, req llm.ChatRequest) (*llm.ChatResponse, []string, turnOutcome) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.client.ChatStream(streamCtx, req)
	if err != nil {
		return nil, nil, turnOutcome{kind: turnFailed, err: err}
	}

	var (
		chunks []string
		resp   *llm.ChatResponse
	)
	for ev := range stream {
		if q.Cancelled() {
			cancel()
			for range stream {
				// drain until the provider goroutine exits
			}
			return nil, nil, turnOutcome{kind: turnCanceled}
		}
		switch ev.Kind {
		case llm.StreamText:
			chunks = append(chunks, ev.Text)
		case llm.StreamDone:
			resp = ev.Response
		case llm.StreamError:
			return nil, nil, turnOutcome{kind: turnFailed, err: ev.Err}
		}
	}
	if resp == nil {
		return nil, nil, turnOutcome{kind: turnFailed, err: errors.New("model stream ended without a final response")}
	}
	return resp, chunks, turnOutcome{kind: turnOK}
}

// dispatchTools invokes the requested tools in order, logging TOOL_CALL
// and TOOL_RESULT around each. The cancellation checkpoint sits before
// each dispatch: a tool already invoked completes and its result is
// still logged, but nothing further runs after cancellation is seen.
func (s *Session) dispatchTools(ctx context.Context, q *Query, calls []llm.ToolCall) ([]llm.Message, bool, error) {
	var results []llm.Message
	for _, tc := range calls {
		if q.Cancelled() {
			return results, true, nil
		}

		if _, err := s.append(ctx, event.TypeToolCall, event.ToolCallPayload{
			ToolName:  tc.Name,
			ToolInput: tc.Input,
		}); err != nil {
			return results, false, err
		}

		res := s.registry.Invoke(ctx, tc)
		status := event.ToolStatusSuccess
		if res.IsError {
			status = event.ToolStatusError
		}
		if _, err := s.append(ctx, event.TypeToolResult, event.ToolResultPayload{
			ToolName:   tc.Name,
			ToolOutput: res.Content,
			Status:     status,
		}); err != nil {
			return results, false, err
		}

		results = append(results, llm.Message{Role: llm.RoleUser, ToolResult: &res})
		if err := s.window.Append(ctx, memory.Message{
			Role:    memory.RoleTool,
			Content: fmt.Sprintf("[%s: %s] %s", tc.Name, status, res.Content),
		}); err != nil {
			s.logger.Error("window append failed", "session_id", s.meta.SessionID, "error", err)
		}
	}
	return results, false, nil
}

// finishResponding emits the response events: a single chunk goes out
// as one full-text AGENT_RESPONSE; multiple chunks go out as deltas
// closed by STREAM_COMPLETE.
func (s *Session) finishResponding(ctx context.Context, q *Query, full string, chunks []string) Phase {
	if len(chunks) <= 1 {
		if _, err := s.append(ctx, event.TypeAgentResponse, event.ResponsePayload{FullText: full}); err != nil {
			return s.failAppend(q, err)
		}
	} else {
		for _, c := range chunks {
			if _, err := s.append(ctx, event.TypeAgentResponse, event.ResponsePayload{TextDelta: c}); err != nil {
				return s.failAppend(q, err)
			}
		}
		if _, err := s.append(ctx, event.TypeStreamComplete, nil); err != nil {
			return s.failAppend(q, err)
		}
	}

	if err := s.window.Append(ctx, memory.Message{
		Role:    memory.RoleAssistant,
		Content: full,
	}); err != nil {
		s.logger.Error("window append failed", "session_id", s.meta.SessionID, "error", err)
	}
	return PhaseCompleted
}

func (s *Session) finishCanceled(ctx context.Context) Phase {
	if _, err := s.append(ctx, event.TypeSystem, event.SystemPayload{
		Message: "Query canceled by user request",
		Kind:    event.SystemKindCancel,
	}); err != nil {
		s.logger.Error("cancel event append failed", "session_id", s.meta.SessionID, "error", err)
	}
	return PhaseCanceled
}

func (s *Session) finishFailed(ctx context.Context, cause error) Phase {
	s.logger.Error("query failed",
		"session_id", s.meta.SessionID,
		"error", cause)
	if _, err := s.append(ctx, event.TypeError, event.ErrorPayload{
		Message: "The agent hit an unrecoverable error",
		Details: cause.Error(),
	}); err != nil {
		s.logger.Error("error event append failed", "session_id", s.meta.SessionID, "error", err)
		return PhaseFailed
	}
	if _, err := s.append(ctx, event.TypeSystem, event.SystemPayload{
		Message: "Query aborted; the session remains available",
		Kind:    event.SystemKindFailure,
	}); err != nil {
		s.logger.Error("system event append failed", "session_id", s.meta.SessionID, "error", err)
	}
	return PhaseFailed
}

// failAppend handles a failed log append inside the engine. The log is
// append-only and untouched by the failure; no recovery events can be
// written, so the query just ends.
func (s *Session) failAppend(q *Query, err error) Phase {
	s.logger.Error("event append failed, terminating query",
		"session_id", s.meta.SessionID,
		"query_id", q.ID,
		"error", err)
	return PhaseFailed
}

// conversationBase flattens the context window into provider messages.
// Pinned system content feeds the system prompt; consecutive same-role
// messages are merged to keep user/assistant turns alternating.
func (s *Session) conversationBase() (string, []llm.Message) {
	system := s.cfg.SystemPrompt
	var msgs []llm.Message

	for _, m := range s.window.Snapshot() {
		if m.Role == memory.RoleSystem {
			if system == "" {
				system = m.Content
			} else if m.Content != system {
				system += "\n" + m.Content
			}
			continue
		}
		role := llm.RoleUser
		if m.Role == memory.RoleAssistant {
			role = llm.RoleAssistant
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n" + m.Content
			continue
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return system, msgs
}

package agent

import (
	"github.com/emberhost/ember/internal/event"
)

// Phase is the position of a session's current query in its lifecycle.
// It is always derived from the tail of the event log, never stored, so
// it cannot desynchronize from the events a client has seen.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseQueued        Phase = "queued"
	PhaseThinking      Phase = "thinking"
	PhaseToolExecuting Phase = "tool_executing"
	PhaseResponding    Phase = "responding"
	PhaseCompleted     Phase = "completed"
	PhaseCanceled      Phase = "canceled"
	PhaseFailed        Phase = "failed"
)

// Terminal reports whether p allows a new query to be admitted.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseIdle, PhaseCompleted, PhaseCanceled, PhaseFailed:
		return true
	}
	return false
}

// DerivePhase computes the phase from the tail of an event sequence.
func DerivePhase(events []event.Event) Phase {
	if len(events) == 0 {
		return PhaseIdle
	}

	last := events[len(events)-1]
	switch last.Type {
	case event.TypeStreamComplete:
		return PhaseCompleted
	case event.TypeAgentResponse:
		// A full-text response is terminal; a delta means the stream
		// is still in flight (STREAM_COMPLETE has not landed yet).
		if payloadField(last.Payload, "full_text") != "" {
			return PhaseCompleted
		}
		return PhaseResponding
	case event.TypeUserMessage, event.TypeProcessing:
		return PhaseQueued
	case event.TypeAgentThinking, event.TypeToolResult:
		return PhaseThinking
	case event.TypeToolCall:
		return PhaseToolExecuting
	case event.TypeError:
		return PhaseFailed
	case event.TypeSystem:
		switch payloadField(last.Payload, "kind") {
		case event.SystemKindCancel:
			return PhaseCanceled
		case event.SystemKindFailure:
			return PhaseFailed
		}
		// Untagged SYSTEM closing an ERROR still marks failure.
		if len(events) >= 2 && events[len(events)-2].Type == event.TypeError {
			return PhaseFailed
		}
		return PhaseIdle
	}
	return PhaseIdle
}

// payloadField extracts a string field from a payload that may be a
// typed struct or, after a round-trip through storage, a generic map.
func payloadField(payload any, key string) string {
	switch p := payload.(type) {
	case map[string]any:
		if s, ok := p[key].(string); ok {
			return s
		}
	case event.ResponsePayload:
		if key == "full_text" {
			return p.FullText
		}
		if key == "text_delta" {
			return p.TextDelta
		}
	case event.SystemPayload:
		if key == "message" {
			return p.Message
		}
		if key == "kind" {
			return p.Kind
		}
	case event.UserMessagePayload:
		if key == "text" {
			return p.Text
		}
	}
	return ""
}

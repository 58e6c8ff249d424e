package agent

import (
	"testing"

	"github.com/emberhost/ember/internal/event"
)

func evs(types ...event.Type) []event.Event {
	out := make([]event.Event, len(types))
	for i, typ := range types {
		out[i] = event.Event{Seq: int64(i + 1), Type: typ}
	}
	return out
}

func TestDerivePhase(t *testing.T) {
	cancelTail := evs(event.TypeToolResult, event.TypeSystem)
	cancelTail[1].Payload = event.SystemPayload{Message: "Query canceled by user request", Kind: event.SystemKindCancel}

	failTail := evs(event.TypeError, event.TypeSystem)
	failTail[1].Payload = event.SystemPayload{Message: "Query aborted; the session remains available", Kind: event.SystemKindFailure}

	// Cancellation is carried by the kind tag, never inferred from the
	// notice wording.
	noticeTail := evs(event.TypeStreamComplete, event.TypeSystem)
	noticeTail[1].Payload = event.SystemPayload{Message: "cancellation is unavailable while idle"}

	fullResponse := evs(event.TypeAgentThinking, event.TypeAgentResponse)
	fullResponse[1].Payload = event.ResponsePayload{FullText: "done"}

	midStream := evs(event.TypeAgentThinking, event.TypeAgentResponse)
	midStream[1].Payload = event.ResponsePayload{TextDelta: "partial"}

	cases := []struct {
		name   string
		events []event.Event
		want   Phase
	}{
		{"empty log", nil, PhaseIdle},
		{"user message only", evs(event.TypeUserMessage), PhaseQueued},
		{"processing", evs(event.TypeUserMessage, event.TypeProcessing), PhaseQueued},
		{"thinking", evs(event.TypeProcessing, event.TypeAgentThinking), PhaseThinking},
		{"tool dispatched", evs(event.TypeAgentThinking, event.TypeToolCall), PhaseToolExecuting},
		{"tool returned", evs(event.TypeToolCall, event.TypeToolResult), PhaseThinking},
		{"mid stream", midStream, PhaseResponding},
		{"full response", fullResponse, PhaseCompleted},
		{"stream complete", evs(event.TypeAgentResponse, event.TypeStreamComplete), PhaseCompleted},
		{"error", evs(event.TypeProcessing, event.TypeError), PhaseFailed},
		{"error closed by system", failTail, PhaseFailed},
		{"canceled", cancelTail, PhaseCanceled},
		{"untagged notice", noticeTail, PhaseIdle},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DerivePhase(tc.events); got != tc.want {
				t.Errorf("DerivePhase = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDerivePhaseFromStoredPayloads(t *testing.T) {
	// Payloads come back from storage as generic maps.
	tail := []event.Event{
		{Seq: 5, Type: event.TypeToolResult},
		{Seq: 6, Type: event.TypeSystem, Payload: map[string]any{"message": "Query canceled by user request", "kind": event.SystemKindCancel}},
	}
	if got := DerivePhase(tail); got != PhaseCanceled {
		t.Errorf("DerivePhase = %s, want canceled", got)
	}

	tail = []event.Event{
		{Seq: 3, Type: event.TypeAgentThinking},
		{Seq: 4, Type: event.TypeAgentResponse, Payload: map[string]any{"full_text": "done"}},
	}
	if got := DerivePhase(tail); got != PhaseCompleted {
		t.Errorf("DerivePhase = %s, want completed", got)
	}
}

func TestPhaseTerminal(t *testing.T) {
	terminal := []Phase{PhaseIdle, PhaseCompleted, PhaseCanceled, PhaseFailed}
	active := []Phase{PhaseQueued, PhaseThinking, PhaseToolExecuting, PhaseResponding}
	for _, p := range terminal {
		if !p.Terminal() {
			t.Errorf("%s should be terminal", p)
		}
	}
	for _, p := range active {
		if p.Terminal() {
			t.Errorf("%s should not be terminal", p)
		}
	}
}

// Package event defines the session event model and the append-only,
// sequence-numbered event log that is the source of truth for every
// session. Event sequence numbers are the sole ordering authority: they
// are assigned at append time, start at 1, and have no gaps.
package event

import (
	"time"
)

// Type identifies the kind of event in a session log.
//
// The uppercase values double as the wire message types delivered to
// clients, so a persisted event is forwarded without translation.
type Type string

const (
	TypeUserMessage    Type = "USER_MESSAGE"
	TypeProcessing     Type = "PROCESSING"
	TypeAgentThinking  Type = "AGENT_THINKING"
	TypeToolCall       Type = "TOOL_CALL"
	TypeToolResult     Type = "TOOL_RESULT"
	TypeAgentResponse  Type = "AGENT_RESPONSE"
	TypeStreamComplete Type = "STREAM_COMPLETE"
	TypeError          Type = "ERROR"
	TypeSystem         Type = "SYSTEM"

	// Connection-scoped types. These are never appended to a session log;
	// they are sent directly to a single client and carry no sequence number.
	TypeConnectionEstablished Type = "CONNECTION_ESTABLISHED"
	TypeAgentInitialized      Type = "AGENT_INITIALIZED"
	TypeWorkspaceInfo         Type = "WORKSPACE_INFO"
	TypePong                  Type = "PONG"
	TypePromptGenerated       Type = "PROMPT_GENERATED"
)

// ToolStatusSuccess and ToolStatusError are the two TOOL_RESULT statuses.
const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
)

// Event is one immutable record in a session's log.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UserMessagePayload records an accepted query's originating input.
type UserMessagePayload struct {
	Text   string   `json:"text"`
	Files  []string `json:"files,omitempty"`
	Resume bool     `json:"resume,omitempty"`
}

// ProcessingPayload acknowledges query admission.
type ProcessingPayload struct {
	Message string `json:"message"`
}

// ThinkingPayload carries one model reasoning step.
type ThinkingPayload struct {
	Thought string `json:"thought"`
}

// ToolCallPayload is emitted before a tool collaborator is invoked.
type ToolCallPayload struct {
	ToolName  string `json:"tool_name"`
	ToolInput any    `json:"tool_input,omitempty"`
}

// ToolResultPayload is emitted after a tool collaborator returns.
// Status is ToolStatusSuccess or ToolStatusError; a tool error does not
// terminate the query.
type ToolResultPayload struct {
	ToolName   string `json:"tool_name"`
	ToolOutput any    `json:"tool_output,omitempty"`
	Status     string `json:"status"`
}

// ResponsePayload carries assistant output. Streamed chunks use TextDelta;
// a single-shot response uses FullText.
type ResponsePayload struct {
	TextDelta string `json:"text_delta,omitempty"`
	FullText  string `json:"full_text,omitempty"`
}

// ErrorPayload reports an error to the client.
type ErrorPayload struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Kinds of SYSTEM notices. Phase derivation keys off Kind, never off
// the human-readable message.
const (
	SystemKindCancel  = "cancel"
	SystemKindFailure = "failure"
)

// SystemPayload carries an informational notice (cancellation, failure close).
type SystemPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// ConnectionEstablishedPayload is sent once per attached connection.
type ConnectionEstablishedPayload struct {
	Message       string `json:"message"`
	WorkspacePath string `json:"workspace_path"`
}

// WorkspaceInfoPayload answers a workspace_info request.
type WorkspaceInfoPayload struct {
	Path string `json:"path"`
}

// PromptGeneratedPayload answers an enhance_prompt request.
type PromptGeneratedPayload struct {
	Result          string `json:"result"`
	OriginalRequest string `json:"original_request"`
}

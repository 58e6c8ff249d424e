package gateway

import (
	"encoding/json"

	"github.com/emberhost/ember/internal/event"
)

// Client-to-server message types.
const (
	MsgInitAgent     = "init_agent"
	MsgQuery         = "query"
	MsgCancel        = "cancel"
	MsgEnhancePrompt = "enhance_prompt"
	MsgPing          = "ping"
	MsgWorkspaceInfo = "workspace_info"
)

// InboundMessage is the client envelope: a type plus a type-specific
// content object.
type InboundMessage struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// QueryContent is the content of a "query" message.
type QueryContent struct {
	Text   string   `json:"text"`
	Files  []string `json:"files,omitempty"`
	Resume bool     `json:"resume,omitempty"`
}

// EnhanceContent is the content of an "enhance_prompt" message.
type EnhanceContent struct {
	Text  string   `json:"text"`
	Files []string `json:"files,omitempty"`
}

// OutboundMessage is the server envelope. Log-backed events carry their
// sequence number; connection-scoped messages (PONG, CONNECTION_ESTABLISHED,
// connection-local errors) do not.
type OutboundMessage struct {
	Type    event.Type `json:"type"`
	Seq     int64      `json:"seq,omitempty"`
	Content any        `json:"content,omitempty"`
}

func outboundFromEvent(ev event.Event) OutboundMessage {
	return OutboundMessage{Type: ev.Type, Seq: ev.Seq, Content: ev.Payload}
}

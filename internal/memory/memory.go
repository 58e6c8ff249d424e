// Package memory implements the token-budgeted context window that backs
// each session's conversation with the model. Content evicted from the
// window is externalized to an Archive and replaced in place by a small
// placeholder carrying the archive reference.
package memory

import (
	"context"
	"time"
)

// Role identifies the author of a message in the window.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PlaceholderCost is the fixed token cost charged for a placeholder
// message after its original content has been archived.
const PlaceholderCost = 8

// Message is one unit of conversational content held in the window.
type Message struct {
	ID          string
	Role        Role
	Content     string
	TokenCost   int
	Pinned      bool
	Placeholder bool
	ArchiveRef  string
}

// ArchiveRecord describes content externalized from the window.
type ArchiveRecord struct {
	Reference         string    `json:"reference"`
	OriginalTokenCost int       `json:"original_token_cost"`
	StoredAt          time.Time `json:"stored_at"`
}

// Archive stores evicted message content and resolves it on demand.
type Archive interface {
	Store(ctx context.Context, content string, tokenCost int) (ArchiveRecord, error)
	Resolve(ctx context.Context, reference string) (string, error)
}

// Estimator converts message content to an estimated token cost.
// The window only reasons about sums of non-negative integers; the
// counting scheme itself is up to the estimator.
type Estimator func(content string) int

// DefaultEstimator approximates tokens as one per four bytes of content.
// This matches the rough average for English prose with Claude-family
// tokenizers and errs on the cheap side for code.
func DefaultEstimator(content string) int {
	if content == "" {
		return 0
	}
	n := len(content) / 4
	if n < 1 {
		n = 1
	}
	return n
}

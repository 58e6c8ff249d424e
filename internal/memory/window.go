package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Window is an ordered sequence of messages held under a token budget.
// Overflow is resolved by archiving the oldest unpinned, non-placeholder
// message and swapping in a fixed-cost placeholder; messages already at
// or below the placeholder cost are retained, since archiving them could
// not reduce the total.
//
// The owning session actor is the only writer; the internal mutex makes
// reads from other goroutines (snapshots, cost queries) safe as well.
type Window struct {
	mu       sync.Mutex
	budget   int
	estimate Estimator
	archive  Archive
	messages []Message
}

// NewWindow creates a window with the given token budget. A nil
// estimator falls back to DefaultEstimator.
func NewWindow(budget int, estimate Estimator, archive Archive) *Window {
	if estimate == nil {
		estimate = DefaultEstimator
	}
	return &Window{
		budget:   budget,
		estimate: estimate,
		archive:  archive,
	}
}

// Append adds a message to the window. A zero TokenCost is filled in
// from the estimator. Pinned messages bypass budget enforcement;
// otherwise eviction runs until the window fits the budget again.
func (w *Window) Append(ctx context.Context, msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.TokenCost == 0 && !msg.Placeholder {
		msg.TokenCost = w.estimate(msg.Content)
	}
	if msg.TokenCost < 0 {
		return fmt.Errorf("message %s has negative token cost %d", msg.ID, msg.TokenCost)
	}

	w.messages = append(w.messages, msg)
	if msg.Pinned {
		return nil
	}
	return w.evictLocked(ctx)
}

// evictLocked archives oldest unpinned non-placeholder messages until
// the total cost fits the budget. Only messages costing more than their
// placeholder are candidates: replacing a cheaper message would raise
// the total, so each eviction strictly reduces it. Runs with w.mu held.
func (w *Window) evictLocked(ctx context.Context) error {
	for w.totalLocked() > w.budget {
		idx := -1
		for i, m := range w.messages {
			if !m.Pinned && !m.Placeholder && m.TokenCost > PlaceholderCost {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Nothing left whose eviction would reduce the total:
			// only pinned messages, placeholders, and messages already
			// cheaper than a placeholder remain.
			return nil
		}

		victim := w.messages[idx]
		if w.archive == nil {
			return fmt.Errorf("window over budget with no archive configured")
		}
		rec, err := w.archive.Store(ctx, victim.Content, victim.TokenCost)
		if err != nil {
			return fmt.Errorf("archive message %s: %w", victim.ID, err)
		}

		w.messages[idx] = Message{
			ID:          victim.ID,
			Role:        victim.Role,
			Content:     fmt.Sprintf("[archived content: %s]", rec.Reference),
			TokenCost:   PlaceholderCost,
			Placeholder: true,
			ArchiveRef:  rec.Reference,
		}
	}
	return nil
}

// Resolve returns the original content behind an archive reference. The
// content is not re-inserted into the window; the caller decides whether
// to re-append it under normal budget enforcement.
func (w *Window) Resolve(ctx context.Context, reference string) (string, error) {
	if w.archive == nil {
		return "", fmt.Errorf("no archive configured")
	}
	return w.archive.Resolve(ctx, reference)
}

// Snapshot returns a copy of the current message sequence, used to
// build the next model invocation.
func (w *Window) Snapshot() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// TotalCost returns the sum of retained message token costs.
func (w *Window) TotalCost() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalLocked()
}

// Budget returns the configured token budget.
func (w *Window) Budget() int {
	return w.budget
}

// Len returns the number of messages in the window, placeholders included.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

func (w *Window) totalLocked() int {
	total := 0
	for _, m := range w.messages {
		total += m.TokenCost
	}
	return total
}

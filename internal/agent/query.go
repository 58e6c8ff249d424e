package agent

import (
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// Query is one user-request cycle. The session holds at most one
// non-terminal query at a time; a second submission is rejected, never
// queued.
//
// Cancellation is a cooperative flag, observed by the engine before
// each tool dispatch and inside the stream-read loop. It is not
// preemptive: a tool already running finishes on its own schedule.
type Query struct {
	ID     string
	Text   string
	Files  []string
	Resume bool

	cancelled atomic.Bool
	done      chan struct{}
}

func newQuery(text string, files []string, resume bool) *Query {
	return &Query{
		ID:     ulid.Make().String(),
		Text:   text,
		Files:  files,
		Resume: resume,
		done:   make(chan struct{}),
	}
}

// Cancel sets the cancellation flag. Safe to call multiple times and
// after the query has finished.
func (q *Query) Cancel() {
	q.cancelled.Store(true)
}

// Cancelled reports whether cancellation has been requested.
func (q *Query) Cancelled() bool {
	return q.cancelled.Load()
}

// Done is closed when the query reaches a terminal phase.
func (q *Query) Done() <-chan struct{} {
	return q.done
}

func (q *Query) finish() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}

package ports

import "github.com/eminmutu/sweepflow/internal/domain"

// EventKind distinguishes rolling progress updates from terminal events.
// Progress and failure share one queue so a consumer polling for progress
// can never miss a failure.
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

// ProgressEvent carries immutable run snapshots from the sweep worker to the
// presentation side. Terminal events (completed/failed/cancelled) always
// include the final state of every run.
type ProgressEvent struct {
	Kind  EventKind
	Runs  []domain.RunSnapshot
	Error string
}

// Terminal reports whether no further events will follow for this sweep.
func (e ProgressEvent) Terminal() bool { return e.Kind != EventProgress }

// ProgressQueue is the bounded single-producer, single-consumer dispatch
// queue between the worker goroutine and the presentation layer. Enqueue
// returns false when the queue is full; terminal events must never be the
// ones dropped (the reporter enforces that policy).
type ProgressQueue interface {
	Enqueue(e ProgressEvent) bool
	DequeueBatch(max int) []ProgressEvent
	Len() int
}

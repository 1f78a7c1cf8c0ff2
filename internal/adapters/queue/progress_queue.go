package queue

import (
	"sync"

	"github.com/eminmutu/sweepflow/internal/ports"
)

// ProgressQueue is a bounded in-memory event queue that preserves FIFO
// ordering between the sweep worker and the presentation consumer.
type ProgressQueue struct {
	mu   sync.Mutex
	data []ports.ProgressEvent
	cap  int
}

func NewProgressQueue(capacity int) *ProgressQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ProgressQueue{
		data: make([]ports.ProgressEvent, 0, capacity),
		cap:  capacity,
	}
}

func (q *ProgressQueue) Enqueue(e ports.ProgressEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) >= q.cap {
		return false
	}
	q.data = append(q.data, e)
	return true
}

func (q *ProgressQueue) DequeueBatch(max int) []ports.ProgressEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]ports.ProgressEvent, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

func (q *ProgressQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

var _ ports.ProgressQueue = (*ProgressQueue)(nil)

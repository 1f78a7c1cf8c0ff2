// Package progress marshals immutable run snapshots from the sweep worker to
// the presentation side through a bounded single-consumer queue. Rolling
// progress updates are droppable (a newer one always follows); terminal
// events are not.
package progress

import (
	"fmt"

	"github.com/eminmutu/sweepflow/internal/ports"
)

// Reporter is the single producer for one sweep's event stream.
type Reporter struct {
	q   ports.ProgressQueue
	obs ports.Observability
}

func NewReporter(q ports.ProgressQueue, obs ports.Observability) *Reporter {
	return &Reporter{q: q, obs: obs}
}

// Publish enqueues an event. A full queue drops the incoming event when it is
// rolling progress; for a terminal event the oldest queued events are evicted
// until it fits, so a consumer polling the queue can never miss a completion
// or a failure.
func (r *Reporter) Publish(e ports.ProgressEvent) {
	if !e.Terminal() {
		if !r.q.Enqueue(e) {
			r.count("sweepflow_progress_dropped_total")
		}
		return
	}

	for !r.q.Enqueue(e) {
		old := r.q.DequeueBatch(1)
		if len(old) == 0 {
			continue
		}
		if old[0].Terminal() && r.obs != nil {
			// Only possible if the consumer has stopped draining entirely.
			r.obs.LogCritical("terminal_event_evicted",
				fmt.Errorf("evicted %s event to enqueue %s", old[0].Kind, e.Kind))
		}
		r.count("sweepflow_progress_dropped_total")
	}
	if r.obs != nil {
		r.obs.SetGauge("sweepflow_progress_queue_length", float64(r.q.Len()))
	}
}

// Drain hands the consumer everything currently queued, oldest first.
func (r *Reporter) Drain(max int) []ports.ProgressEvent {
	return r.q.DequeueBatch(max)
}

func (r *Reporter) count(name string) {
	if r.obs != nil {
		r.obs.IncCounter(name, 1)
	}
}

package progress

import (
	"testing"

	"github.com/eminmutu/sweepflow/internal/adapters/queue"
	"github.com/eminmutu/sweepflow/internal/ports"
)

type recordingObs struct {
	counters  map[string]float64
	gauges    map[string]float64
	criticals []string
}

func newRecordingObs() *recordingObs {
	return &recordingObs{counters: map[string]float64{}, gauges: map[string]float64{}}
}

func (o *recordingObs) LogInfo(string, ...ports.Field)         {}
func (o *recordingObs) LogError(string, error, ...ports.Field) {}

func (o *recordingObs) LogCritical(msg string, _ error, _ ...ports.Field) {
	o.criticals = append(o.criticals, msg)
}

func (o *recordingObs) IncCounter(name string, v float64) { o.counters[name] += v }
func (o *recordingObs) ObserveLatency(string, float64)    {}
func (o *recordingObs) SetGauge(name string, v float64)   { o.gauges[name] = v }

func TestPublishDeliversInOrder(t *testing.T) {
	r := NewReporter(queue.NewProgressQueue(8), nil)

	r.Publish(ports.ProgressEvent{Kind: ports.EventProgress})
	r.Publish(ports.ProgressEvent{Kind: ports.EventProgress})
	r.Publish(ports.ProgressEvent{Kind: ports.EventCompleted})

	events := r.Drain(0)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != ports.EventProgress || events[2].Kind != ports.EventCompleted {
		t.Fatalf("unexpected order: %v %v %v", events[0].Kind, events[1].Kind, events[2].Kind)
	}
}

func TestPublishDropsRollingProgressWhenFull(t *testing.T) {
	obs := newRecordingObs()
	r := NewReporter(queue.NewProgressQueue(2), obs)

	for i := 0; i < 5; i++ {
		r.Publish(ports.ProgressEvent{Kind: ports.EventProgress})
	}

	events := r.Drain(0)
	if len(events) != 2 {
		t.Fatalf("expected the queue capped at 2, got %d", len(events))
	}
	if got := obs.counters["sweepflow_progress_dropped_total"]; got != 3 {
		t.Fatalf("expected 3 drops counted, got %g", got)
	}
}

func TestPublishEvictsOldestForTerminalEvent(t *testing.T) {
	obs := newRecordingObs()
	r := NewReporter(queue.NewProgressQueue(2), obs)

	r.Publish(ports.ProgressEvent{Kind: ports.EventProgress})
	r.Publish(ports.ProgressEvent{Kind: ports.EventProgress})
	r.Publish(ports.ProgressEvent{Kind: ports.EventCompleted})

	events := r.Drain(0)
	if len(events) != 2 {
		t.Fatalf("expected 2 events after eviction, got %d", len(events))
	}
	if events[len(events)-1].Kind != ports.EventCompleted {
		t.Fatalf("expected the terminal event queued, got %v", events[len(events)-1].Kind)
	}
	if got := obs.counters["sweepflow_progress_dropped_total"]; got != 1 {
		t.Fatalf("expected the evicted event counted, got %g", got)
	}
	if len(obs.criticals) != 0 {
		t.Fatalf("evicting rolling progress is not critical, got %v", obs.criticals)
	}
}

func TestPublishLogsCriticalWhenTerminalEvicted(t *testing.T) {
	obs := newRecordingObs()
	r := NewReporter(queue.NewProgressQueue(1), obs)

	r.Publish(ports.ProgressEvent{Kind: ports.EventFailed})
	r.Publish(ports.ProgressEvent{Kind: ports.EventCompleted})

	events := r.Drain(0)
	if len(events) != 1 || events[0].Kind != ports.EventCompleted {
		t.Fatalf("expected only the newest terminal event, got %v", events)
	}
	if len(obs.criticals) != 1 || obs.criticals[0] != "terminal_event_evicted" {
		t.Fatalf("expected a critical log for the evicted terminal event, got %v", obs.criticals)
	}
}

func TestDrainBatchesOldestFirst(t *testing.T) {
	r := NewReporter(queue.NewProgressQueue(8), nil)
	r.Publish(ports.ProgressEvent{Kind: ports.EventProgress, Error: "a"})
	r.Publish(ports.ProgressEvent{Kind: ports.EventProgress, Error: "b"})
	r.Publish(ports.ProgressEvent{Kind: ports.EventProgress, Error: "c"})

	first := r.Drain(2)
	if len(first) != 2 || first[0].Error != "a" || first[1].Error != "b" {
		t.Fatalf("expected the two oldest events, got %v", first)
	}
	rest := r.Drain(2)
	if len(rest) != 1 || rest[0].Error != "c" {
		t.Fatalf("expected the remaining event, got %v", rest)
	}
	if r.Drain(2) != nil {
		t.Fatal("expected an empty drain to return nil")
	}
}

package sweepflow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunManualSweepAgainstSimulator(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})

	var events []ProgressEvent
	runs, err := RunManualSweep(context.Background(), sim, SweepParameters{
		StartLevel:      -1,
		StopLevel:       1,
		StepMagnitude:   0.5,
		ComplianceLimit: 0.01,
		TotalRuns:       2,
	}, &ManualSweepConfig{
		Observability: &stubObservability{},
		Tuning:        Tuning{PollTimeout: 5 * time.Millisecond},
		OnProgress:    func(e ProgressEvent) { events = append(events, e) },
	})
	if err != nil {
		t.Fatalf("RunManualSweep returned error: %v", err)
	}

	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	for _, run := range runs {
		// Four segments of 3 points each: 0→1, 1→0, 0→-1, -1→0.
		if run.PointCount != 12 {
			t.Fatalf("run %d: expected 12 points, got %d", run.RunIndex, run.PointCount)
		}
		if run.Partial {
			t.Fatalf("run %d: expected complete run", run.RunIndex)
		}
	}
	if runs[0].ColorTag == runs[1].ColorTag {
		t.Fatalf("expected distinct color tags, got %q twice", runs[0].ColorTag)
	}

	if len(events) == 0 {
		t.Fatal("expected progress events")
	}
	last := events[len(events)-1]
	if last.Kind != EventCompleted {
		t.Fatalf("expected terminal completed event, got %v", last.Kind)
	}
	for _, e := range events[:len(events)-1] {
		if e.Terminal() {
			t.Fatalf("terminal event before the last one: %v", e.Kind)
		}
	}
}

func TestRunManualSweepCancellation(t *testing.T) {
	ch := &stallChannel{timeout: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := RunManualSweep(ctx, ch, SweepParameters{
		StartLevel:      0,
		StopLevel:       1,
		StepMagnitude:   0.5,
		ComplianceLimit: 0.01,
	}, &ManualSweepConfig{
		Observability: &stubObservability{},
		Tuning:        Tuning{PollTimeout: 5 * time.Millisecond},
	})
	if !errors.Is(err, ErrSweepCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRunManualSweepClippedInstrument(t *testing.T) {
	// The instrument reports levels clipped at 0.5 from some point on; the
	// reconciler must substitute commanded levels from the first deviation.
	sim := NewSimulator(SimulatorConfig{ClampLevel: 0.5})

	runs, err := RunManualSweep(context.Background(), sim, SweepParameters{
		StartLevel:      0,
		StopLevel:       1,
		StepMagnitude:   0.25,
		ComplianceLimit: 0.01,
	}, &ManualSweepConfig{
		Observability: &stubObservability{},
		Tuning:        Tuning{PollTimeout: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("RunManualSweep returned error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	run := runs[0]
	if !run.Adjusted {
		t.Fatal("expected reconciliation to flag the clipped levels")
	}
	// The outbound segment commands 0, 0.25, 0.5, 0.75, 1.
	if run.CorrectedLevels[3] != 0.75 || run.CorrectedLevels[4] != 1 {
		t.Fatalf("expected commanded levels substituted past the clip, got %v", run.CorrectedLevels[:5])
	}
	if run.MeasuredLevels[3] != 0.5 {
		t.Fatalf("expected raw clipped level to be retained, got %v", run.MeasuredLevels[3])
	}
}

func TestWriteRunsCSV(t *testing.T) {
	run := sampleRun(0)
	run.Adjusted = true

	var b strings.Builder
	if err := WriteRunsCSV(&b, []RunSnapshot{run}); err != nil {
		t.Fatalf("WriteRunsCSV returned error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d lines", len(lines))
	}
	if lines[0] != "run_index,run_id,point,level,response,corrected_level" {
		t.Fatalf("unexpected header: %q", lines[0])
	}
	if !strings.HasSuffix(lines[2], ",0.5,0.0005,0.5") {
		t.Fatalf("unexpected second data row: %q", lines[2])
	}
}

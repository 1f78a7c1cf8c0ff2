package sweep

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eminmutu/sweepflow/internal/adapters/tsp"
	"github.com/eminmutu/sweepflow/internal/app/session"
	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// fakeInstrument answers the TSP sweep vocabulary in-process. Segment
// commands fill a buffer and stream live triplets; failAfterSegments, when
// positive, fails every write once that many segments have run.
type fakeInstrument struct {
	mu                sync.Mutex
	out               []string
	written           []string
	timeout           time.Duration
	levels            []float64
	responses         []float64
	segments          int
	failAfterSegments int
	clamp             float64
	silent            bool
	garbleLive        bool
}

var errInstrumentDown = errors.New("instrument down")

func newFakeInstrument() *fakeInstrument {
	return &fakeInstrument{timeout: time.Second}
}

func (f *fakeInstrument) WriteLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfterSegments > 0 && f.segments >= f.failAfterSegments {
		f.written = append(f.written, line)
		return errInstrumentDown
	}
	f.written = append(f.written, line)
	if f.silent {
		return nil
	}

	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "IVMultiple_run("):
		f.runSegmentLocked(line)
	case strings.HasPrefix(line, "print('") && strings.HasSuffix(line, "')"):
		f.out = append(f.out, strings.TrimSuffix(strings.TrimPrefix(line, "print('"), "')"))
	case line == "print(defbuffer1.n)":
		f.out = append(f.out, fmt.Sprintf("%d", len(f.levels)))
	case strings.HasPrefix(line, "printbuffer(") && strings.Contains(line, ".sourcevalues"):
		f.out = append(f.out, joinFloats(f.levels))
	case strings.HasPrefix(line, "printbuffer("):
		f.out = append(f.out, joinFloats(f.responses))
	}
	return nil
}

func (f *fakeInstrument) runSegmentLocked(line string) {
	open := strings.Index(line, "(")
	closing := strings.LastIndex(line, ")")
	var start, stop, step, rest1, rest2, rest3 float64
	if _, err := fmt.Sscanf(line[open+1:closing], "%g, %g, %g, %g, %g, %g",
		&start, &stop, &step, &rest1, &rest2, &rest3); err != nil {
		return
	}
	f.segments++
	f.levels = nil
	f.responses = nil
	for i, level := range ladder(start, stop, step, 1e-12) {
		if f.clamp > 0 && level > f.clamp {
			level = f.clamp
		}
		resp := level / 1000.0
		f.levels = append(f.levels, level)
		f.responses = append(f.responses, resp)
		if f.garbleLive && i == 0 {
			// The buffer keeps the point; only the live line is mangled.
			f.out = append(f.out, "*** reading ***")
			continue
		}
		f.out = append(f.out, fmt.Sprintf("%d\t%g\t%g", i+1, level, resp))
	}
}

func (f *fakeInstrument) ReadLine() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return "", ports.ErrChannelTimeout
	}
	line := f.out[0]
	f.out = f.out[1:]
	return line, nil
}

func (f *fakeInstrument) SetTimeout(d time.Duration) {
	f.mu.Lock()
	f.timeout = d
	f.mu.Unlock()
}

func (f *fakeInstrument) Timeout() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timeout
}

func (f *fakeInstrument) wroteLine(line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.written {
		if w == line {
			return true
		}
	}
	return false
}

func joinFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return strings.Join(parts, ", ")
}

type capturePublisher struct {
	mu     sync.Mutex
	events []ports.ProgressEvent
}

func (c *capturePublisher) Publish(e ports.ProgressEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *capturePublisher) all() []ports.ProgressEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ports.ProgressEvent(nil), c.events...)
}

type runnerHarness struct {
	runner *Runner
	inst   *fakeInstrument
	pub    *capturePublisher
	grant  *session.Grant
	doneCh chan finishResult
}

type finishResult struct {
	runs []domain.RunSnapshot
	err  error
}

func newRunnerHarness(t *testing.T, inst *fakeInstrument) *runnerHarness {
	t.Helper()
	arb := session.NewArbiter(nil, nil)
	listenerGrant, err := arb.Connect(inst)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	grant, err := arb.HandoffToSweep(listenerGrant)
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}

	pub := &capturePublisher{}
	doneCh := make(chan finishResult, 1)
	tun := testTuning()
	tun.PollTimeout = 5 * time.Millisecond

	runner := NewRunner(NewExecutor(tun, nil), tsp.New(), tun, nil, pub,
		func(g *session.Grant, runs []domain.RunSnapshot, err error) {
			if _, rerr := arb.ReleaseToListener(g); rerr != nil {
				t.Errorf("release: %v", rerr)
			}
			doneCh <- finishResult{runs: runs, err: err}
		})

	return &runnerHarness{runner: runner, inst: inst, pub: pub, grant: grant, doneCh: doneCh}
}

func (h *runnerHarness) wait(t *testing.T) finishResult {
	t.Helper()
	select {
	case res := <-h.doneCh:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sweep to finish")
		return finishResult{}
	}
}

func TestRunnerCompletesMultipleRuns(t *testing.T) {
	inst := newFakeInstrument()
	h := newRunnerHarness(t, inst)

	p := domain.SweepParameters{
		StartLevel:      -1,
		StopLevel:       1,
		StepMagnitude:   0.5,
		ComplianceLimit: 0.01,
		TotalRuns:       2,
		Wiring:          domain.FourWire,
	}
	if err := h.runner.Start(h.grant, p); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	res := h.wait(t)
	if res.err != nil {
		t.Fatalf("sweep failed: %v", res.err)
	}

	if len(res.runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(res.runs))
	}
	for _, run := range res.runs {
		// Four legs of 3 levels each: 0→1, 1→0, 0→-1, -1→0.
		if run.PointCount != 12 {
			t.Fatalf("run %d: expected 12 points, got %d", run.RunIndex, run.PointCount)
		}
		if run.Partial || run.Adjusted || run.BufferMismatch {
			t.Fatalf("run %d: unexpected flags %+v", run.RunIndex, run)
		}
	}
	if res.runs[0].ColorTag == res.runs[1].ColorTag {
		t.Fatalf("expected distinct color tags, got %q", res.runs[0].ColorTag)
	}

	if !inst.wroteLine("pcall(function() smu.measure.sense = smu.SENSE_4WIRE end)") {
		t.Fatal("expected four-wire sense command")
	}
	if !inst.wroteLine("pcall(function() smu.source.output = smu.OFF end)") {
		t.Fatal("expected output turned off after the sweep")
	}

	events := h.pub.all()
	if len(events) == 0 {
		t.Fatal("expected progress events")
	}
	last := events[len(events)-1]
	if last.Kind != ports.EventCompleted {
		t.Fatalf("expected terminal completed event, got %v", last.Kind)
	}
	for _, e := range events[:len(events)-1] {
		if e.Terminal() {
			t.Fatalf("terminal event published before the end: %v", e.Kind)
		}
	}
	if h.runner.State() != Completed {
		t.Fatalf("expected completed state, got %v", h.runner.State())
	}
}

func TestRunnerFailureMarksLastRunPartial(t *testing.T) {
	inst := newFakeInstrument()
	inst.failAfterSegments = 2
	h := newRunnerHarness(t, inst)

	p := domain.SweepParameters{
		StartLevel:      0,
		StopLevel:       1,
		StepMagnitude:   0.5,
		ComplianceLimit: 0.01,
		TotalRuns:       1,
	}
	if err := h.runner.Start(h.grant, p); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	res := h.wait(t)
	if res.err == nil {
		t.Fatal("expected the channel error to surface")
	}
	if !errors.Is(res.err, errInstrumentDown) {
		t.Fatalf("expected instrument error, got %v", res.err)
	}

	if len(res.runs) != 1 {
		t.Fatalf("expected the partial run to be reported, got %d", len(res.runs))
	}
	if !res.runs[0].Partial {
		t.Fatal("expected last run marked partial")
	}
	// First segment completed before the failure.
	if res.runs[0].PointCount != 3 {
		t.Fatalf("expected 3 points from the completed segment, got %d", res.runs[0].PointCount)
	}

	events := h.pub.all()
	if events[len(events)-1].Kind != ports.EventFailed {
		t.Fatalf("expected terminal failed event, got %v", events[len(events)-1].Kind)
	}
	if events[len(events)-1].Error == "" {
		t.Fatal("expected error text on the failed event")
	}
	if h.runner.State() != Failed {
		t.Fatalf("expected failed state, got %v", h.runner.State())
	}
}

func TestRunnerCancellation(t *testing.T) {
	// An instrument that never produces output keeps the first segment in
	// its drain loop until cancelled.
	inst := newFakeInstrument()
	inst.silent = true
	h := newRunnerHarness(t, inst)

	p := domain.SweepParameters{
		StartLevel:      0,
		StopLevel:       1,
		StepMagnitude:   0.5,
		ComplianceLimit: 0.01,
	}
	if err := h.runner.Start(h.grant, p); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	h.runner.Cancel()

	res := h.wait(t)
	if !errors.Is(res.err, domain.ErrSweepCancelled) {
		t.Fatalf("expected cancellation, got %v", res.err)
	}
	events := h.pub.all()
	if events[len(events)-1].Kind != ports.EventCancelled {
		t.Fatalf("expected terminal cancelled event, got %v", events[len(events)-1].Kind)
	}
	if h.runner.State() != Cancelled {
		t.Fatalf("expected cancelled state, got %v", h.runner.State())
	}
}

func TestRunnerRejectsConcurrentStarts(t *testing.T) {
	// A silent instrument keeps the winning sweep in its drain loop, so
	// exactly one of the racing Starts may claim the runner.
	inst := newFakeInstrument()
	inst.silent = true
	h := newRunnerHarness(t, inst)

	p := domain.SweepParameters{
		StartLevel:      0,
		StopLevel:       1,
		StepMagnitude:   0.5,
		ComplianceLimit: 0.01,
	}

	const starters = 4
	errs := make(chan error, starters)
	var wg sync.WaitGroup
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.runner.Start(h.grant, p)
		}()
	}
	wg.Wait()
	close(errs)

	started, busy := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			started++
		case errors.Is(err, domain.ErrInstrumentBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if started != 1 || busy != starters-1 {
		t.Fatalf("expected exactly one start to win, got %d started / %d busy", started, busy)
	}

	h.runner.Cancel()
	res := h.wait(t)
	if !errors.Is(res.err, domain.ErrSweepCancelled) {
		t.Fatalf("expected cancellation, got %v", res.err)
	}
}

func TestRunnerRejectsInvalidParameters(t *testing.T) {
	inst := newFakeInstrument()
	h := newRunnerHarness(t, inst)

	p := domain.SweepParameters{StartLevel: 0, StopLevel: 1, StepMagnitude: 0}
	err := h.runner.Start(h.grant, p)
	if !errors.Is(err, domain.ErrPlannerInput) {
		t.Fatalf("expected planner input error, got %v", err)
	}
	if h.runner.Running() {
		t.Fatal("expected no worker after a rejected start")
	}
}

func TestRunnerRebuildsSegmentFromReadback(t *testing.T) {
	// One live line per segment is unparseable, so the live count falls
	// short and the record must be rebuilt from the buffer readback.
	inst := newFakeInstrument()
	inst.garbleLive = true
	h := newRunnerHarness(t, inst)

	p := domain.SweepParameters{
		StartLevel:      0,
		StopLevel:       1,
		StepMagnitude:   0.5,
		ComplianceLimit: 0.01,
	}
	if err := h.runner.Start(h.grant, p); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	res := h.wait(t)
	if res.err != nil {
		t.Fatalf("sweep failed: %v", res.err)
	}

	run := res.runs[0]
	if !run.BufferMismatch {
		t.Fatal("expected the live/readback disagreement flagged")
	}
	if run.PointCount != 6 {
		t.Fatalf("expected all 6 buffered points recovered, got %d", run.PointCount)
	}
	if run.MeasuredLevels[0] != 0 || run.MeasuredLevels[2] != 1 {
		t.Fatalf("unexpected readback levels: %v", run.MeasuredLevels[:3])
	}
	if run.Adjusted {
		t.Fatal("expected no reconciliation on a faithful instrument")
	}
}

func TestRunnerClippedInstrumentReconciles(t *testing.T) {
	inst := newFakeInstrument()
	inst.clamp = 0.5
	h := newRunnerHarness(t, inst)

	p := domain.SweepParameters{
		StartLevel:      0,
		StopLevel:       1,
		StepMagnitude:   0.25,
		ComplianceLimit: 0.01,
	}
	if err := h.runner.Start(h.grant, p); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	res := h.wait(t)
	if res.err != nil {
		t.Fatalf("sweep failed: %v", res.err)
	}

	run := res.runs[0]
	if !run.Adjusted {
		t.Fatal("expected reconciliation to flag the clipped run")
	}
	// Outbound commanded levels are 0, 0.25, 0.5, 0.75, 1; the instrument
	// clips at 0.5 from index 3 on.
	if run.MeasuredLevels[3] != 0.5 || run.MeasuredLevels[4] != 0.5 {
		t.Fatalf("expected raw clipped levels retained, got %v", run.MeasuredLevels[:5])
	}
	if run.CorrectedLevels[3] != 0.75 || run.CorrectedLevels[4] != 1 {
		t.Fatalf("expected commanded substitution past the clip, got %v", run.CorrectedLevels[:5])
	}
	if run.CorrectedLevels[0] != 0 || run.CorrectedLevels[2] != 0.5 {
		t.Fatalf("expected measured prefix passed through, got %v", run.CorrectedLevels[:5])
	}
}

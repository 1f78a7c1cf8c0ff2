package sweep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/eminmutu/sweepflow/internal/app/session"
	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// State is the runner's coarse position in a sweep. RunningSegment and
// Reconciling repeat per segment and per run.
type State int

const (
	Idle State = iota
	Planning
	Armed
	RunningSegment
	Reconciling
	Completed
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Planning:
		return "planning"
	case Armed:
		return "armed"
	case RunningSegment:
		return "running-segment"
	case Reconciling:
		return "reconciling"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// ProgressPublisher receives the runner's event stream.
type ProgressPublisher interface {
	Publish(ports.ProgressEvent)
}

// colorCycle tags successive runs for the presentation layer.
var colorCycle = []string{"blue", "orange", "green", "red", "purple", "brown", "pink", "gray"}

// Runner orchestrates a whole sweep on one dedicated worker goroutine: plan,
// then per run and per segment execute, reconcile, and publish snapshots. All
// channel I/O for the sweep happens on that single goroutine.
type Runner struct {
	exec *Executor
	cmds ports.CommandSet
	tun  ports.Tuning
	obs  ports.Observability
	pub  ProgressPublisher

	// onFinish runs on the worker goroutine after the terminal event has
	// been published, with the grant still held; the runtime uses it to
	// archive results and release the channel back to the listener.
	onFinish func(grant *session.Grant, runs []domain.RunSnapshot, err error)

	mu      sync.Mutex
	state   State
	curRun  int
	curSeg  int
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewRunner(
	exec *Executor,
	cmds ports.CommandSet,
	tun ports.Tuning,
	obs ports.Observability,
	pub ProgressPublisher,
	onFinish func(grant *session.Grant, runs []domain.RunSnapshot, err error),
) *Runner {
	tun.ApplyDefaults()
	return &Runner{exec: exec, cmds: cmds, tun: tun, obs: obs, pub: pub, onFinish: onFinish, state: Idle}
}

// Start validates and plans synchronously so invalid parameters surface to
// the caller before any goroutine or channel I/O exists, then launches the
// worker. A second Start while a sweep is running is rejected, never queued.
func (r *Runner) Start(grant *session.Grant, p domain.SweepParameters) error {
	p = p.Normalize()

	// Claim the runner before planning so two racing Starts cannot both
	// pass the busy check and clobber each other's cancel/done.
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("%w: a sweep is already running", domain.ErrInstrumentBusy)
	}
	r.running = true
	r.state = Planning
	r.mu.Unlock()

	segments, path, err := Plan(p, r.tun)
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.state = Idle
		r.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = Armed
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.worker(ctx, grant, p, segments, path)
	}()
	return nil
}

// Cancel requests cooperative cancellation. Idempotent; the in-flight read
// loop observes it within one poll timeout.
func (r *Runner) Cancel() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether a worker goroutine is active.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// State returns the runner's current state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Wait blocks until the current sweep's worker has exited.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Runner) worker(ctx context.Context, grant *session.Grant, p domain.SweepParameters, segments []domain.Segment, path []float64) {
	started := time.Now()
	var records []*domain.RunRecord

	ch, err := grant.Channel()
	if err == nil {
		err = r.executeRuns(ctx, ch, p, segments, path, &records)
	}

	// Best-effort safe shutdown on every exit path. Its own failure is
	// logged, never propagated; the failure path must not crash.
	if ch != nil {
		if offErr := ch.WriteLine(r.cmds.OutputOff()); offErr != nil {
			r.logErr("output_off_failed", offErr)
		}
	}

	snapshots := finalizeRecords(records, err != nil)

	kind := ports.EventCompleted
	switch {
	case errors.Is(err, domain.ErrSweepCancelled):
		kind = ports.EventCancelled
		r.setState(Cancelled)
	case err != nil:
		kind = ports.EventFailed
		r.setState(Failed)
		r.logErr("sweep_failed", err)
		r.count("sweepflow_sweeps_failed_total")
	default:
		r.setState(Completed)
	}
	event := ports.ProgressEvent{Kind: kind, Runs: snapshots}
	if err != nil && !errors.Is(err, domain.ErrSweepCancelled) {
		event.Error = err.Error()
	}
	if r.pub != nil {
		r.pub.Publish(event)
	}
	r.observe("sweepflow_sweep_duration_seconds", time.Since(started).Seconds())

	if r.onFinish != nil {
		r.onFinish(grant, snapshots, err)
	}

	r.mu.Lock()
	r.running = false
	r.cancel = nil
	r.mu.Unlock()
}

func (r *Runner) executeRuns(ctx context.Context, ch ports.Channel, p domain.SweepParameters, segments []domain.Segment, path []float64, records *[]*domain.RunRecord) error {
	for _, cmd := range r.cmds.WiringCommands(p.Wiring) {
		if err := ch.WriteLine(cmd); err != nil {
			return fmt.Errorf("apply wiring mode: %w", err)
		}
	}

	for run := 0; run < p.TotalRuns; run++ {
		if ctx.Err() != nil {
			return domain.ErrSweepCancelled
		}
		rec := domain.NewRunRecord(run+1, colorCycle[run%len(colorCycle)])
		*records = append(*records, rec)

		if err := r.executeRun(ctx, ch, p, segments, path, *records, rec); err != nil {
			return err
		}
		rec.FinishedAt = time.Now()
	}
	return nil
}

// executeRun walks the planner's segments in order, fully completing each
// (including buffer readback) before the next starts. The commanded-path
// cursor advances with the points actually recorded, so reconciliation lines
// measured points up with the levels the planner intended at those indices.
func (r *Runner) executeRun(ctx context.Context, ch ports.Channel, p domain.SweepParameters, segments []domain.Segment, path []float64, all []*domain.RunRecord, rec *domain.RunRecord) error {
	tolerance := math.Max(p.StepMagnitude*r.tun.ReconcileToleranceFactor, r.tun.ReconcileToleranceFloor)
	pathIdx := 0

	for segIdx, seg := range segments {
		if ctx.Err() != nil {
			return domain.ErrSweepCancelled
		}
		r.setSegment(RunningSegment, rec.RunIndex, segIdx+1)

		marker := fmt.Sprintf("SWEEP_DONE_%d_%d", rec.RunIndex, segIdx+1)
		segStartPath := pathIdx
		segStartPoint := rec.PointCount
		segPriorAdjusted := rec.Adjusted
		segStarted := time.Now()

		// The live flag is provisional, for mid-segment progress events; a
		// lost live line misaligns the path cursor, so the reconcile pass
		// over the readback decides the segment's final adjustment.
		onPoint := func(pair domain.MeasurementPair) {
			commanded := pair.Level
			if pathIdx < len(path) {
				commanded = path[pathIdx]
			}
			pathIdx++
			rec.AppendPoint(commanded, pair)
			if math.Abs(pair.Level-commanded) > tolerance {
				rec.Adjusted = true
			}
			r.publishProgress(all)
		}

		rec.RawLines = append(rec.RawLines,
			fmt.Sprintf("# run %d segment %d: %g -> %g", rec.RunIndex, segIdx+1, seg.Start, seg.Stop))

		res, err := r.exec.RunSegment(ctx, ch, r.cmds, seg, p, marker, onPoint)
		rec.RawLines = append(rec.RawLines, res.RawLines...)
		if err != nil {
			return fmt.Errorf("run %d segment %d: %w", rec.RunIndex, segIdx+1, err)
		}
		rec.BufferMismatch = rec.BufferMismatch || res.BufferMismatch
		r.count("sweepflow_segments_completed_total")
		r.observe("sweepflow_segment_duration_seconds", time.Since(segStarted).Seconds())

		// The readback is authoritative for the segment's span: overwrite
		// the live-parsed tail with it, then reconcile against the
		// planner's levels for those indices.
		r.setSegment(Reconciling, rec.RunIndex, segIdx+1)
		commanded := make([]float64, len(res.Pairs))
		measured := make([]float64, len(res.Pairs))
		for i, pair := range res.Pairs {
			idx := segStartPath + i
			if idx < len(path) {
				commanded[i] = path[idx]
			} else {
				commanded[i] = pair.Level
			}
			measured[i] = pair.Level
		}
		if len(res.Pairs) == rec.PointCount-segStartPoint {
			rec.ReplaceTail(res.Pairs)
		} else {
			// Point counts disagree; rebuild the segment's span.
			rec.TruncateTo(segStartPoint)
			for i, pair := range res.Pairs {
				rec.AppendPoint(commanded[i], pair)
			}
		}
		pathIdx = segStartPath + len(res.Pairs)

		corrected, adjusted := Reconcile(commanded, measured, r.tun)
		copy(rec.CorrectedLevels[segStartPoint:], corrected)
		rec.Adjusted = segPriorAdjusted || adjusted
		if adjusted {
			r.count("sweepflow_runs_adjusted_total")
		}
		if r.obs != nil {
			r.obs.IncCounter("sweepflow_points_measured_total", float64(len(res.Pairs)))
		}
		r.publishProgress(all)
	}
	return nil
}

func (r *Runner) publishProgress(records []*domain.RunRecord) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(ports.ProgressEvent{Kind: ports.EventProgress, Runs: snapshotAll(records)})
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Runner) setSegment(s State, run, seg int) {
	r.mu.Lock()
	r.state = s
	r.curRun = run
	r.curSeg = seg
	r.mu.Unlock()
}

// Position reports the 1-based run and segment currently executing.
func (r *Runner) Position() (run, segment int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curRun, r.curSeg
}

func (r *Runner) count(name string) {
	if r.obs != nil {
		r.obs.IncCounter(name, 1)
	}
}

func (r *Runner) observe(name string, seconds float64) {
	if r.obs != nil {
		r.obs.ObserveLatency(name, seconds)
	}
}

func (r *Runner) logErr(msg string, err error) {
	if r.obs != nil {
		r.obs.LogError(msg, err)
	}
}

// finalizeRecords freezes whatever exists. When the sweep ended early the
// last record is marked partial rather than discarded.
func finalizeRecords(records []*domain.RunRecord, failed bool) []domain.RunSnapshot {
	now := time.Now()
	out := make([]domain.RunSnapshot, 0, len(records))
	for i, rec := range records {
		if rec.FinishedAt.IsZero() {
			rec.FinishedAt = now
			if failed && i == len(records)-1 {
				rec.Partial = true
			}
		}
		out = append(out, rec.Snapshot())
	}
	return out
}

func snapshotAll(records []*domain.RunRecord) []domain.RunSnapshot {
	out := make([]domain.RunSnapshot, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Snapshot())
	}
	return out
}

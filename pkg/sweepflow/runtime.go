package sweepflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eminmutu/sweepflow/internal/adapters/gpib"
	"github.com/eminmutu/sweepflow/internal/adapters/journal"
	"github.com/eminmutu/sweepflow/internal/adapters/lan"
	"github.com/eminmutu/sweepflow/internal/adapters/observability"
	"github.com/eminmutu/sweepflow/internal/adapters/opcuatrigger"
	"github.com/eminmutu/sweepflow/internal/adapters/queue"
	"github.com/eminmutu/sweepflow/internal/adapters/serialchan"
	"github.com/eminmutu/sweepflow/internal/adapters/sink"
	"github.com/eminmutu/sweepflow/internal/app/progress"
	"github.com/eminmutu/sweepflow/internal/app/session"
	"github.com/eminmutu/sweepflow/internal/app/sweep"
	"github.com/eminmutu/sweepflow/internal/app/trigger"
	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	channel       ports.Channel
	commands      ports.CommandSet
	observability ports.Observability
	queue         ports.ProgressQueue
	triggerSource ports.TriggerSource
	sinks         []ports.RunSink
	params        *domain.SweepParameters
}

// WithChannel injects a custom instrument channel (simulators, VISA bridges,
// transports not built in).
func WithChannel(ch Channel) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.channel = ch
	}
}

// WithCommandSet overrides the default TSP command vocabulary.
func WithCommandSet(cs CommandSet) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.commands = cs
	}
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithProgressQueue injects a custom progress queue implementation.
func WithProgressQueue(q ProgressQueue) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.queue = q
	}
}

// WithTriggerSource replaces the instrument-side trigger wait with an
// external source such as a PLC-published OPC UA node.
func WithTriggerSource(src TriggerSource) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.triggerSource = src
	}
}

// WithRunSink appends a sink that receives every finished sweep's snapshots,
// alongside the configured journal and archive.
func WithRunSink(s RunSink) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.sinks = append(o.sinks, s)
	}
}

// WithSweepParameters overrides the sweep section of the config.
func WithSweepParameters(p SweepParameters) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.params = &p
	}
}

// Runtime wires the full triggered-sweep stack: channel, session arbiter,
// trigger listener, sweep runner, progress reporter, and the run sinks. One
// Runtime owns one instrument.
type Runtime struct {
	cfg      *Config
	params   domain.SweepParameters
	obs      ports.Observability
	arb      *session.Arbiter
	listener *trigger.Listener
	runner   *sweep.Runner
	reporter *progress.Reporter
	queue    ports.ProgressQueue
	channel  ports.Channel
	trigSrc  ports.TriggerSource
	sinks    []ports.RunSink

	db         *sql.DB
	jrnl       *journal.RunJournal
	metricsSrv *http.Server

	mu          sync.Mutex
	started     bool
	loopCancel  context.CancelFunc
	loopDoneCh  chan struct{}
	gaugeStopCh chan struct{}
}

// NewRuntime bootstraps the default adapters for the configured transport
// (LAN, serial, or GPIB), the TSP command set, the in-memory progress queue,
// the file journal, the optional Timescale archive, and Prometheus
// observability. RuntimeOption values override any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.ApplyDefaults()

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	obs := overrides.observability
	if obs == nil {
		obs = observability.NewPromObs(nil)
	}

	ch := overrides.channel
	var err error
	if ch == nil {
		ch, err = openChannel(cfg.Channel)
		if err != nil {
			return nil, err
		}
	}

	cmds := overrides.commands
	if cmds == nil {
		cs := cfg.Commands
		cs.ApplyDefaults()
		cmds = &cs
	}

	q := overrides.queue
	if q == nil {
		q = queue.NewProgressQueue(cfg.Tuning.ProgressQueueLen)
	}

	params := cfg.Sweep.Parameters()
	if overrides.params != nil {
		params = overrides.params.Normalize()
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:     cfg,
		params:  params,
		obs:     obs,
		queue:   q,
		channel: ch,
		sinks:   overrides.sinks,
	}

	if cfg.Journal.Dir != "" {
		rt.jrnl, err = journal.NewRunJournal(cfg.Journal.Dir)
		if err != nil {
			return nil, err
		}
		rt.sinks = append(rt.sinks, rt.jrnl)
	}

	if cfg.Archive.ConnString != "" {
		rt.db, err = sql.Open("postgres", cfg.Archive.ConnString)
		if err != nil {
			return nil, err
		}
		rt.sinks = append(rt.sinks, sink.NewTimescaleSink(rt.db, cfg.Archive.Table))
	}

	rt.trigSrc = overrides.triggerSource
	if rt.trigSrc == nil && cfg.Trigger.OPCUA != nil {
		src, err := opcuatrigger.NewSource(*cfg.Trigger.OPCUA)
		if err != nil {
			return nil, err
		}
		rt.trigSrc = src
	}

	rt.reporter = progress.NewReporter(q, obs)
	rt.arb = session.NewArbiter(obs, func(locked bool) {
		if rt.listener != nil {
			rt.listener.SetLocked(locked)
		}
	})
	rt.listener = trigger.NewListener(rt.arb, cfg.Trigger.Wait, cfg.Tuning, obs)
	rt.runner = sweep.NewRunner(
		sweep.NewExecutor(cfg.Tuning, obs),
		cmds,
		cfg.Tuning,
		obs,
		rt.reporter,
		rt.onSweepFinished,
	)

	return rt, nil
}

func openChannel(cfg ChannelConfig) (ports.Channel, error) {
	switch cfg.Kind {
	case "lan":
		return lan.Dial(cfg.LAN)
	case "serial":
		return serialchan.Open(cfg.Serial)
	case "gpib":
		return gpib.Open(cfg.GPIB)
	default:
		return nil, fmt.Errorf("unknown channel kind %q", cfg.Kind)
	}
}

// Start connects the listener, launches the trigger loop and the metrics
// server, and returns immediately. Call Run to block on a context instead.
func (r *Runtime) Start() error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runtime already started")
	}
	r.started = true
	r.mu.Unlock()

	if err := r.listener.Connect(r.channel); err != nil {
		return err
	}

	if src, ok := r.trigSrc.(*opcuatrigger.Source); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := src.Connect(ctx)
		cancel()
		if err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})

	r.mu.Lock()
	r.loopCancel = cancel
	r.loopDoneCh = doneCh
	r.mu.Unlock()

	go func() {
		defer close(doneCh)
		r.triggerLoop(loopCtx)
	}()

	r.startMetrics()
	return nil
}

// Run starts the runtime and blocks until the provided context is cancelled.
// Upon cancellation it attempts a graceful shutdown.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Events drains up to max pending progress events without blocking. A
// terminal event is always the last one a sweep produces.
func (r *Runtime) Events(max int) []ProgressEvent {
	return r.reporter.Drain(max)
}

// StartSweep bypasses the trigger and starts a sweep immediately, as an
// operator-initiated run. Rejected while a sweep is already running.
func (r *Runtime) StartSweep() error {
	grant, err := r.arb.HandoffToSweep(r.listener.Grant())
	if err != nil {
		return err
	}
	if err := r.runner.Start(grant, r.params); err != nil {
		r.releaseToListener(grant)
		return err
	}
	return nil
}

// CancelSweep requests cancellation of the in-flight sweep, if any.
func (r *Runtime) CancelSweep() {
	r.runner.Cancel()
}

// SweepRunning reports whether a sweep currently owns the instrument.
func (r *Runtime) SweepRunning() bool {
	return r.runner.Running()
}

// Shutdown stops the trigger loop, cancels any in-flight sweep, and closes
// the metrics server, trigger source, journal, archive, and channel.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	r.mu.Lock()
	cancel := r.loopCancel
	doneCh := r.loopDoneCh
	gaugeStop := r.gaugeStopCh
	r.loopCancel = nil
	r.loopDoneCh = nil
	r.gaugeStopCh = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.listener.Cancel()
	r.runner.Cancel()

	if doneCh != nil {
		select {
		case <-doneCh:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if gaugeStop != nil {
		close(gaugeStop)
	}

	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	if r.trigSrc != nil {
		if err := r.trigSrc.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := r.listener.Disconnect(); err != nil && !errors.Is(err, domain.ErrInstrumentBusy) {
		errs = append(errs, err)
	}

	if r.jrnl != nil {
		if err := r.jrnl.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if closer, ok := r.channel.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// triggerLoop arms the trigger, hands the channel to the runner when an edge
// fires, waits for the sweep to finish, and re-arms. A wait timeout re-arms
// immediately; only context cancellation ends the loop.
func (r *Runtime) triggerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		outcome, err := r.waitForTrigger(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrInstrumentBusy) {
				// A manual sweep holds the line; retry once it releases.
				if !sleepCtx(ctx, time.Second) {
					return
				}
				continue
			}
			r.obs.LogError("trigger_wait_failed", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		switch outcome {
		case ports.TriggerTimedOut:
			continue
		case ports.TriggerCancelled:
			if ctx.Err() != nil {
				return
			}
			continue
		}

		r.obs.IncCounter("sweepflow_triggers_fired_total", 1)

		grant, err := r.arb.HandoffToSweep(r.listener.Grant())
		if err != nil {
			r.obs.LogError("trigger_handoff_failed", err)
			continue
		}
		if err := r.runner.Start(grant, r.params); err != nil {
			r.obs.LogError("sweep_start_failed", err)
			r.releaseToListener(grant)
			continue
		}
		r.runner.Wait()
	}
}

func (r *Runtime) waitForTrigger(ctx context.Context) (ports.TriggerOutcome, error) {
	if r.trigSrc != nil {
		return r.trigSrc.WaitForTrigger(ctx)
	}

	// The listener's Arm blocks on channel reads; cancel it when ctx ends so
	// the loop can exit within one poll timeout.
	stop := context.AfterFunc(ctx, r.listener.Cancel)
	defer stop()
	return r.listener.Arm()
}

// onSweepFinished runs on the sweep worker goroutine after the terminal
// event: archive the snapshots, then give the channel back to the listener.
func (r *Runtime) onSweepFinished(grant *session.Grant, runs []domain.RunSnapshot, err error) {
	if len(runs) > 0 {
		for _, s := range r.sinks {
			if werr := s.WriteRuns(runs); werr != nil {
				r.obs.LogError("run_sink_failed", werr, ports.Field{Key: "sink", Value: s.Name()})
			}
		}
	}
	r.releaseToListener(grant)
}

func (r *Runtime) releaseToListener(grant *session.Grant) {
	fresh, err := r.arb.ReleaseToListener(grant)
	if err != nil {
		r.obs.LogError("session_release_failed", err)
	}
	if fresh != nil {
		r.listener.AdoptGrant(fresh)
	}
}

func (r *Runtime) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.metricsSrv = &http.Server{
		Addr:    r.cfg.Metrics.Addr,
		Handler: mux,
	}

	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server exited: %v", err)
		}
	}()

	stopCh := make(chan struct{})
	r.mu.Lock()
	r.gaugeStopCh = stopCh
	r.mu.Unlock()
	go r.recordResourceGauges(stopCh, time.Second)
}

func (r *Runtime) recordResourceGauges(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.obs.SetGauge("sweepflow_progress_queue_length", float64(r.queue.Len()))
			running := 0.0
			if r.runner.Running() {
				running = 1
			}
			r.obs.SetGauge("sweepflow_sweep_running", running)
			if r.jrnl != nil {
				r.obs.SetGauge("sweepflow_journal_size_bytes", float64(r.jrnl.SizeBytes()))
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

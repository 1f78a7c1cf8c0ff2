package sweepflow

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eminmutu/sweepflow/internal/adapters/observability"
	"github.com/eminmutu/sweepflow/internal/adapters/queue"
	"github.com/eminmutu/sweepflow/internal/adapters/tsp"
	"github.com/eminmutu/sweepflow/internal/app/progress"
	"github.com/eminmutu/sweepflow/internal/app/session"
	"github.com/eminmutu/sweepflow/internal/app/sweep"
	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// ManualSweepConfig configures a one-shot sweep outside a Runtime: no trigger
// listener, no metrics server, no sinks. Zero values get the stock TSP
// command set and default tuning.
type ManualSweepConfig struct {
	Commands      CommandSet
	Tuning        Tuning
	Observability Observability

	// OnProgress, when set, receives every progress event as it is
	// published, on the sweep worker goroutine.
	OnProgress func(ProgressEvent)
}

// RunManualSweep executes one complete sweep on ch and blocks until it
// finishes. The channel is exclusively owned for the duration; cancellation
// via ctx ends the sweep within one poll timeout and still returns the
// snapshots collected so far.
func RunManualSweep(ctx context.Context, ch Channel, p SweepParameters, cfg *ManualSweepConfig) ([]RunSnapshot, error) {
	if ch == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if cfg == nil {
		cfg = &ManualSweepConfig{}
	}

	obs := cfg.Observability
	if obs == nil {
		// A private registry keeps repeated manual sweeps from colliding on
		// the process-wide default one.
		obs = observability.NewPromObs(prometheus.NewRegistry())
	}
	cmds := cfg.Commands
	if cmds == nil {
		cmds = tsp.New()
	}
	tun := cfg.Tuning
	tun.ApplyDefaults()

	arb := session.NewArbiter(obs, nil)
	listenerGrant, err := arb.Connect(ch)
	if err != nil {
		return nil, err
	}
	grant, err := arb.HandoffToSweep(listenerGrant)
	if err != nil {
		return nil, err
	}

	var pub sweep.ProgressPublisher
	if cfg.OnProgress != nil {
		pub = publisherFunc(cfg.OnProgress)
	} else {
		pub = progress.NewReporter(queue.NewProgressQueue(tun.ProgressQueueLen), obs)
	}

	type outcome struct {
		runs []domain.RunSnapshot
		err  error
	}
	doneCh := make(chan outcome, 1)

	runner := sweep.NewRunner(
		sweep.NewExecutor(tun, obs),
		cmds,
		tun,
		obs,
		pub,
		func(g *session.Grant, runs []domain.RunSnapshot, err error) {
			if _, rerr := arb.ReleaseToListener(g); rerr != nil {
				obs.LogError("session_release_failed", rerr)
			}
			doneCh <- outcome{runs: runs, err: err}
		},
	)

	if err := runner.Start(grant, p); err != nil {
		if _, rerr := arb.ReleaseToListener(grant); rerr != nil {
			obs.LogError("session_release_failed", rerr)
		}
		return nil, err
	}

	stop := context.AfterFunc(ctx, runner.Cancel)
	defer stop()

	out := <-doneCh
	return out.runs, out.err
}

// publisherFunc adapts a plain function to the progress publisher interface.
type publisherFunc func(ports.ProgressEvent)

func (f publisherFunc) Publish(e ports.ProgressEvent) { f(e) }

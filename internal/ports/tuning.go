package ports

import "time"

// Tuning collects the empirically chosen constants of the sweep core. The
// defaults encode the noise floor of the instrument the reconciler was tuned
// against; deployments with different hardware override them in config.
type Tuning struct {
	// ReconcileToleranceFactor scales the sweep's base step into the
	// commanded-vs-measured tolerance; ReconcileToleranceFloor is its
	// lower bound.
	ReconcileToleranceFactor float64 `yaml:"reconcile_tolerance_factor"`
	ReconcileToleranceFloor  float64 `yaml:"reconcile_tolerance_floor"`

	// PlannerEpsilonScale and PlannerEpsilonFloor form the ladder epsilon
	// epsilon = step*scale + floor, guarding the generator against
	// floating-point drift.
	PlannerEpsilonScale float64 `yaml:"planner_epsilon_scale"`
	PlannerEpsilonFloor float64 `yaml:"planner_epsilon_floor"`

	// PollTimeout bounds each blocking read inside a drain loop. It must be
	// short relative to a segment's total duration: cancellation latency is
	// one PollTimeout, not one segment.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// CommandTimeout applies to single command/response exchanges such as
	// the buffer count query.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// ProgressQueueLen bounds the worker-to-consumer dispatch queue.
	ProgressQueueLen int `yaml:"progress_queue_len"`
}

// ApplyDefaults fills zero fields with the values the original tooling used.
func (t *Tuning) ApplyDefaults() {
	if t.ReconcileToleranceFactor <= 0 {
		t.ReconcileToleranceFactor = 0.02
	}
	if t.ReconcileToleranceFloor <= 0 {
		t.ReconcileToleranceFloor = 1e-6
	}
	if t.PlannerEpsilonScale <= 0 {
		t.PlannerEpsilonScale = 1e-9
	}
	if t.PlannerEpsilonFloor <= 0 {
		t.PlannerEpsilonFloor = 1e-12
	}
	if t.PollTimeout <= 0 {
		t.PollTimeout = 250 * time.Millisecond
	}
	if t.CommandTimeout <= 0 {
		t.CommandTimeout = 10 * time.Second
	}
	if t.ProgressQueueLen <= 0 {
		t.ProgressQueueLen = 256
	}
}

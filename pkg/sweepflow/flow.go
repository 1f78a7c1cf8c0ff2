package sweepflow

import (
	"context"
	"fmt"
)

// Flow is a convenience builder that lets callers say Conf → Instrument →
// Results without touching the underlying hexagonal wiring.
type Flow struct {
	cfg  *Config
	opts []RuntimeOption
}

// FlowOption mutates the Flow after configuration is loaded.
type FlowOption func(*Flow)

// InstrumentOption configures the channel/trigger side of the stack.
type InstrumentOption func(*Flow)

// ResultsOption configures the sink/progress side of the stack.
type ResultsOption func(*Flow)

// Conf loads YAML from disk, applies FlowOption values, and returns a Flow
// builder.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig bootstraps a Flow from an in-memory Config.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config returns the underlying configuration so callers can tweak it before
// building a runtime.
func (f *Flow) Config() *Config {
	if f == nil {
		return nil
	}
	return f.cfg
}

// Options appends raw RuntimeOption values to the builder for advanced
// scenarios.
func (f *Flow) Options(opts ...RuntimeOption) *Flow {
	if f == nil {
		return nil
	}
	f.appendOptions(opts...)
	return f
}

// Instrument records instrument-side overrides (channel, commands, trigger).
func (f *Flow) Instrument(opts ...InstrumentOption) *Flow {
	if f == nil {
		return nil
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Results records result-side overrides and builds a Runtime ready to run.
func (f *Flow) Results(opts ...ResultsOption) (*Runtime, error) {
	if f == nil {
		return nil, fmt.Errorf("flow is nil")
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return NewRuntime(f.cfg, f.opts...)
}

// Run is a shortcut for Results + runtime.Run.
func (f *Flow) Run(ctx context.Context, opts ...ResultsOption) error {
	rt, err := f.Results(opts...)
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

// WithFlowOptions appends RuntimeOption values during Conf.
func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(opts...)
		}
	}
}

// InstrumentChannel injects a custom channel (simulators, VISA bridges).
func InstrumentChannel(ch Channel) InstrumentOption {
	return func(f *Flow) {
		if f != nil && ch != nil {
			f.appendOptions(WithChannel(ch))
		}
	}
}

// InstrumentCommands overrides the default TSP command vocabulary.
func InstrumentCommands(cs CommandSet) InstrumentOption {
	return func(f *Flow) {
		if f != nil && cs != nil {
			f.appendOptions(WithCommandSet(cs))
		}
	}
}

// InstrumentTrigger replaces the instrument-side trigger wait with an
// external source.
func InstrumentTrigger(src TriggerSource) InstrumentOption {
	return func(f *Flow) {
		if f != nil && src != nil {
			f.appendOptions(WithTriggerSource(src))
		}
	}
}

// InstrumentObservability overrides the default Prometheus-based stack.
func InstrumentObservability(obs Observability) InstrumentOption {
	return func(f *Flow) {
		if f != nil && obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

// ResultsSink appends a custom RunSink implementation.
func ResultsSink(s RunSink) ResultsOption {
	return func(f *Flow) {
		if f != nil && s != nil {
			f.appendOptions(WithRunSink(s))
		}
	}
}

// ResultsCallback installs a sink built from a simple callback function.
func ResultsCallback(name string, fn RunBatchSink) ResultsOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithRunSink(NewCallbackSink(name, fn)))
		}
	}
}

// ResultsQueue swaps the in-memory progress queue for a caller-provided
// implementation.
func ResultsQueue(q ProgressQueue) ResultsOption {
	return func(f *Flow) {
		if f != nil && q != nil {
			f.appendOptions(WithProgressQueue(q))
		}
	}
}

// ResultsSweep overrides the sweep parameters from the config.
func ResultsSweep(p SweepParameters) ResultsOption {
	return func(f *Flow) {
		if f != nil {
			f.appendOptions(WithSweepParameters(p))
		}
	}
}

func (f *Flow) appendOptions(opts ...RuntimeOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}

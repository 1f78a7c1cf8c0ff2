// Package sweepflow runs triggered bidirectional I-V sweeps on TSP-scripted
// source measure units, reconciling commanded against measured levels and
// arbitrating one instrument channel between a trigger listener and the sweep
// runner.
package sweepflow

import (
	"context"
	"io"

	base "github.com/eminmutu/sweepflow/pkg/sweepflow"
)

// Re-exported errors for convenience.
var (
	ErrPlannerInput      = base.ErrPlannerInput
	ErrSweepCancelled    = base.ErrSweepCancelled
	ErrInstrumentBusy    = base.ErrInstrumentBusy
	ErrGrantRevoked      = base.ErrGrantRevoked
	ErrChannelTimeout    = base.ErrChannelTimeout
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
)

// Type aliases so consumers can import github.com/eminmutu/sweepflow directly.
type (
	Config             = base.Config
	ChannelConfig      = base.ChannelConfig
	LANConfig          = base.LANConfig
	SerialConfig       = base.SerialConfig
	GPIBConfig         = base.GPIBConfig
	TriggerConfig      = base.TriggerConfig
	WaitConfig         = base.WaitConfig
	OPCUATriggerConfig = base.OPCUATriggerConfig
	SweepConfig        = base.SweepConfig
	JournalConfig      = base.JournalConfig
	ArchiveConfig      = base.ArchiveConfig
	MetricsConfig      = base.MetricsConfig
	Flow               = base.Flow
	FlowOption         = base.FlowOption
	InstrumentOption   = base.InstrumentOption
	ResultsOption      = base.ResultsOption
	Runtime            = base.Runtime
	RuntimeOption      = base.RuntimeOption
	ManualSweepConfig  = base.ManualSweepConfig
	Simulator          = base.Simulator
	SimulatorConfig    = base.SimulatorConfig
	SweepParameters    = base.SweepParameters
	Segment            = base.Segment
	RunSnapshot        = base.RunSnapshot
	RunBatchSink       = base.RunBatchSink
	WiringMode         = base.WiringMode
	Channel            = base.Channel
	HealthChecker      = base.HealthChecker
	CommandSet         = base.CommandSet
	TriggerSource      = base.TriggerSource
	TriggerOutcome     = base.TriggerOutcome
	ProgressEvent      = base.ProgressEvent
	EventKind          = base.EventKind
	ProgressQueue      = base.ProgressQueue
	RunSink            = base.RunSink
	Observability      = base.Observability
	Field              = base.Field
	Tuning             = base.Tuning
)

// Wiring modes, trigger outcomes, and event kinds.
const (
	TwoWire  = base.TwoWire
	FourWire = base.FourWire

	TriggerFired     = base.TriggerFired
	TriggerTimedOut  = base.TriggerTimedOut
	TriggerCancelled = base.TriggerCancelled

	EventProgress  = base.EventProgress
	EventCompleted = base.EventCompleted
	EventFailed    = base.EventFailed
	EventCancelled = base.EventCancelled
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...RuntimeOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func InstrumentChannel(ch Channel) InstrumentOption {
	return base.InstrumentChannel(ch)
}

func InstrumentCommands(cs CommandSet) InstrumentOption {
	return base.InstrumentCommands(cs)
}

func InstrumentTrigger(src TriggerSource) InstrumentOption {
	return base.InstrumentTrigger(src)
}

func InstrumentObservability(obs Observability) InstrumentOption {
	return base.InstrumentObservability(obs)
}

func ResultsSink(s RunSink) ResultsOption {
	return base.ResultsSink(s)
}

func ResultsCallback(name string, fn RunBatchSink) ResultsOption {
	return base.ResultsCallback(name, fn)
}

func ResultsQueue(q ProgressQueue) ResultsOption {
	return base.ResultsQueue(q)
}

func ResultsSweep(p SweepParameters) ResultsOption {
	return base.ResultsSweep(p)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithChannel(ch Channel) RuntimeOption {
	return base.WithChannel(ch)
}

func WithCommandSet(cs CommandSet) RuntimeOption {
	return base.WithCommandSet(cs)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithProgressQueue(q ProgressQueue) RuntimeOption {
	return base.WithProgressQueue(q)
}

func WithTriggerSource(src TriggerSource) RuntimeOption {
	return base.WithTriggerSource(src)
}

func WithRunSink(s RunSink) RuntimeOption {
	return base.WithRunSink(s)
}

func WithSweepParameters(p SweepParameters) RuntimeOption {
	return base.WithSweepParameters(p)
}

// Sink adapters.
func NewCallbackSink(name string, fn RunBatchSink) RunSink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (RunSink, <-chan []RunSnapshot, func()) {
	return base.NewChannelSink(name, buffer)
}

// Manual sweeps and helpers.
func RunManualSweep(ctx context.Context, ch Channel, p SweepParameters, cfg *ManualSweepConfig) ([]RunSnapshot, error) {
	return base.RunManualSweep(ctx, ch, p, cfg)
}

func NewSimulator(cfg SimulatorConfig) *Simulator {
	return base.NewSimulator(cfg)
}

func WriteRunsCSV(w io.Writer, runs []RunSnapshot) error {
	return base.WriteRunsCSV(w, runs)
}

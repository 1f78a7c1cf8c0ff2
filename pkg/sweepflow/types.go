package sweepflow

import (
	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// SweepParameters describes one bidirectional level sweep.
type SweepParameters = domain.SweepParameters

// Segment is one monotonic sub-range of the commanded path.
type Segment = domain.Segment

// RunSnapshot is an immutable copy of one run's results.
type RunSnapshot = domain.RunSnapshot

// WiringMode selects two- or four-wire sensing.
type WiringMode = domain.WiringMode

// Wiring modes.
const (
	TwoWire  = domain.TwoWire
	FourWire = domain.FourWire
)

// Channel is a line-oriented connection to the instrument.
type Channel = ports.Channel

// HealthChecker is implemented by channels that can probe the link.
type HealthChecker = ports.HealthChecker

// CommandSet renders instrument commands; the default speaks TSP.
type CommandSet = ports.CommandSet

// TriggerSource waits for an external trigger edge.
type TriggerSource = ports.TriggerSource

// TriggerOutcome classifies how a trigger wait ended.
type TriggerOutcome = ports.TriggerOutcome

// Trigger wait outcomes.
const (
	TriggerFired     = ports.TriggerFired
	TriggerTimedOut  = ports.TriggerTimedOut
	TriggerCancelled = ports.TriggerCancelled
)

// ProgressEvent carries run snapshots from the worker to a consumer.
type ProgressEvent = ports.ProgressEvent

// EventKind classifies a progress event.
type EventKind = ports.EventKind

// Progress event kinds.
const (
	EventProgress  = ports.EventProgress
	EventCompleted = ports.EventCompleted
	EventFailed    = ports.EventFailed
	EventCancelled = ports.EventCancelled
)

// ProgressQueue is the bounded dispatch queue between worker and consumer.
type ProgressQueue = ports.ProgressQueue

// RunSink persists finished run snapshots.
type RunSink = ports.RunSink

// Observability emits metrics and logs for the whole stack.
type Observability = ports.Observability

// Field is a structured log field.
type Field = ports.Field

// Tuning groups the timing and tolerance constants.
type Tuning = ports.Tuning

// Sentinel errors re-exported for errors.Is checks by callers.
var (
	ErrPlannerInput   = domain.ErrPlannerInput
	ErrSweepCancelled = domain.ErrSweepCancelled
	ErrInstrumentBusy = domain.ErrInstrumentBusy
	ErrGrantRevoked   = domain.ErrGrantRevoked
	ErrChannelTimeout = ports.ErrChannelTimeout
)

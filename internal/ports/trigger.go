package ports

import "context"

// TriggerOutcome classifies how a wait-for-trigger request ended.
type TriggerOutcome int

const (
	TriggerFired TriggerOutcome = iota
	TriggerTimedOut
	TriggerCancelled
)

func (o TriggerOutcome) String() string {
	switch o {
	case TriggerFired:
		return "trigger"
	case TriggerTimedOut:
		return "timeout"
	default:
		return "cancelled"
	}
}

// TriggerSource waits for an external trigger edge through some transport
// other than the shared instrument channel (for example an OPC UA node on a
// PLC). The channel-based wait is handled by the trigger listener itself.
type TriggerSource interface {
	// WaitForTrigger blocks until a trigger fires, the source's own timeout
	// elapses, or ctx is cancelled.
	WaitForTrigger(ctx context.Context) (TriggerOutcome, error)

	// Close releases the source's transport.
	Close() error
}

package domain

import "errors"

// Error taxonomy for a sweep. Channel timeouts are recoverable inside a drain
// loop; everything else terminates the current operation.
var (
	// ErrPlannerInput marks invalid sweep parameters. It surfaces
	// synchronously, before any worker goroutine or channel I/O.
	ErrPlannerInput = errors.New("sweepflow: invalid sweep parameters")

	// ErrSweepCancelled is the terminal outcome of a cooperative cancel. It
	// is an outcome, not a fault: partial results stay valid.
	ErrSweepCancelled = errors.New("sweepflow: sweep cancelled")

	// ErrInstrumentBusy rejects an acquire, re-arm, or disconnect attempted
	// while the channel is owned by the other side. Requests are never
	// queued; queuing would let two logical operations interleave on one
	// half-duplex line.
	ErrInstrumentBusy = errors.New("sweepflow: instrument busy")

	// ErrGrantRevoked is returned when code touches a channel through a
	// session grant that has already been handed off or released.
	ErrGrantRevoked = errors.New("sweepflow: session grant revoked")
)

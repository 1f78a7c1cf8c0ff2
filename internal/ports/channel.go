package ports

import (
	"errors"
	"net"
	"time"
)

// ErrChannelTimeout marks a read that expired without producing a line. A
// timeout inside a drain loop means "no new data yet", never "segment done";
// adapters must return an error matching this (via errors.Is) rather than a
// plain I/O error so the executor can keep waiting.
var ErrChannelTimeout = errors.New("sweepflow: channel read timeout")

// Channel is the exclusive, half-duplex, line-oriented command/response
// transport to one instrument. Implementations are not safe for concurrent
// use; the session arbiter guarantees a single owner at a time.
type Channel interface {
	// WriteLine sends one command line. No response is implied.
	WriteLine(line string) error

	// ReadLine blocks for the next response line, up to the current
	// timeout. On expiry it returns an error matching ErrChannelTimeout.
	ReadLine() (string, error)

	// SetTimeout / Timeout let the core shorten the read timeout during
	// drain loops. Callers must restore the prior value, also on error
	// paths.
	SetTimeout(d time.Duration)
	Timeout() time.Duration
}

// HealthChecker is implemented by channels that can cheaply verify the
// underlying connection is still usable. The arbiter consults it when a sweep
// hands the channel back to the listener.
type HealthChecker interface {
	Healthy() error
}

// IsTimeout reports whether err is a channel timeout, including net.Error
// timeouts surfaced by socket-backed adapters.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrChannelTimeout) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// Package session arbitrates exclusive ownership of one instrument channel
// between the trigger listener and the sweep runner. Ownership is expressed
// as a typed capability: only code holding a live Grant can reach the
// channel, and every transition revokes the previous grant before issuing the
// next one, so a stale holder can never race the new owner on the line.
package session

import (
	"fmt"
	"sync"

	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// Ownership is the arbiter's state. There is no terminal state; the machine
// cycles for the process lifetime.
type Ownership int

const (
	Free Ownership = iota
	OwnedByListener
	OwnedBySweep
)

func (o Ownership) String() string {
	switch o {
	case OwnedByListener:
		return "listener"
	case OwnedBySweep:
		return "sweep"
	default:
		return "free"
	}
}

// Grant is the capability to use the channel. It is valid until the arbiter
// performs the next transition.
type Grant struct {
	mu      sync.Mutex
	arb     *Arbiter
	owner   Ownership
	ch      ports.Channel
	revoked bool
}

// Channel returns the underlying channel, or ErrGrantRevoked once ownership
// has moved on.
func (g *Grant) Channel() (ports.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.revoked {
		return nil, domain.ErrGrantRevoked
	}
	return g.ch, nil
}

// Owner reports which side this grant was issued to.
func (g *Grant) Owner() Ownership { return g.owner }

func (g *Grant) revoke() {
	g.mu.Lock()
	g.revoked = true
	g.ch = nil
	g.mu.Unlock()
}

// Arbiter mediates handoffs. Transitions:
//
//	Free            → OwnedByListener  Connect
//	OwnedByListener → OwnedBySweep     HandoffToSweep
//	OwnedBySweep    → OwnedByListener  ReleaseToListener
//	OwnedByListener → Free             Disconnect
//
// Any other request fails fast with ErrInstrumentBusy; nothing is queued.
type Arbiter struct {
	mu      sync.Mutex
	state   Ownership
	ch      ports.Channel
	current *Grant
	obs     ports.Observability

	// onLock is invoked with true before the channel handle is reassigned
	// to the sweep, and with false after it returns to the listener, so the
	// listener can reject new operations before both sides could believe
	// they own the line. The callback runs under the arbiter's lock and
	// must not call back into the arbiter.
	onLock func(locked bool)
}

func NewArbiter(obs ports.Observability, onLock func(locked bool)) *Arbiter {
	return &Arbiter{state: Free, obs: obs, onLock: onLock}
}

// State returns the current ownership, for status reporting.
func (a *Arbiter) State() Ownership {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connect installs the channel and issues the listener's grant.
func (a *Arbiter) Connect(ch ports.Channel) (*Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Free {
		return nil, fmt.Errorf("%w: channel owned by %s", domain.ErrInstrumentBusy, a.state)
	}
	if ch == nil {
		return nil, fmt.Errorf("session: nil channel")
	}
	a.ch = ch
	a.state = OwnedByListener
	a.current = &Grant{arb: a, owner: OwnedByListener, ch: ch}
	a.logInfo("session_connected")
	return a.current, nil
}

// HandoffToSweep transfers ownership from the listener to the sweep. Only the
// live listener grant may request it, and only while no sweep owns the line.
// The listener lock is raised before the handle moves.
func (a *Arbiter) HandoffToSweep(listener *Grant) (*Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == OwnedBySweep {
		return nil, fmt.Errorf("%w: a sweep already owns the channel", domain.ErrInstrumentBusy)
	}
	if a.state != OwnedByListener || listener == nil || listener != a.current {
		return nil, fmt.Errorf("%w: handoff requires the live listener grant", domain.ErrInstrumentBusy)
	}

	if a.onLock != nil {
		a.onLock(true)
	}
	listener.revoke()
	a.state = OwnedBySweep
	a.current = &Grant{arb: a, owner: OwnedBySweep, ch: a.ch}
	a.logInfo("session_handoff_to_sweep")
	return a.current, nil
}

// ReleaseToListener returns ownership after a sweep completes, fails, or is
// cancelled. The returned grant belongs to the listener again. If the channel
// no longer passes its health check the arbiter still unlocks the listener
// but surfaces the error and leaves the session Free rather than pretending a
// dead channel is available.
func (a *Arbiter) ReleaseToListener(sweep *Grant) (*Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != OwnedBySweep || sweep == nil || sweep != a.current {
		return nil, fmt.Errorf("%w: release requires the live sweep grant", domain.ErrInstrumentBusy)
	}

	sweep.revoke()
	if a.onLock != nil {
		a.onLock(false)
	}

	if hc, ok := a.ch.(ports.HealthChecker); ok {
		if err := hc.Healthy(); err != nil {
			a.state = Free
			a.ch = nil
			a.current = nil
			a.logErr("session_channel_unusable", err)
			return nil, fmt.Errorf("channel unusable after sweep: %w", err)
		}
	}

	a.state = OwnedByListener
	a.current = &Grant{arb: a, owner: OwnedByListener, ch: a.ch}
	a.logInfo("session_released_to_listener")
	return a.current, nil
}

// Disconnect tears the session down. Only the listener may disconnect, and
// not while a sweep owns the channel.
func (a *Arbiter) Disconnect(listener *Grant) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == OwnedBySweep {
		return fmt.Errorf("%w: cannot disconnect while a sweep owns the channel", domain.ErrInstrumentBusy)
	}
	if a.state == Free {
		return nil
	}
	if listener == nil || listener != a.current {
		return fmt.Errorf("%w: disconnect requires the live listener grant", domain.ErrInstrumentBusy)
	}
	listener.revoke()
	a.state = Free
	a.ch = nil
	a.current = nil
	a.logInfo("session_disconnected")
	return nil
}

func (a *Arbiter) logInfo(msg string) {
	if a.obs != nil {
		a.obs.LogInfo(msg, ports.Field{Key: "state", Value: a.state.String()})
	}
}

func (a *Arbiter) logErr(msg string, err error) {
	if a.obs != nil {
		a.obs.LogError(msg, err)
	}
}

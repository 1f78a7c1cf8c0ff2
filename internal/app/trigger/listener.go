// Package trigger implements the wait-for-trigger side of the shared
// instrument session. The listener owns the channel between sweeps, issues a
// blocking wait command, and classifies the instrument's reply line.
package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eminmutu/sweepflow/internal/app/session"
	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// WaitConfig is the instrument-side vocabulary of the trigger wait. The
// command blocks on the instrument until an edge arrives or the
// instrument-side timeout elapses, then prints one reply token. Either the
// full command is given verbatim, or it is composed from the loaded wait
// script's function name and a deadline.
type WaitConfig struct {
	Command      string        `yaml:"command"`
	Function     string        `yaml:"function"`
	Timeout      time.Duration `yaml:"timeout"`
	TriggerReply string        `yaml:"trigger_reply"`
	TimeoutReply string        `yaml:"timeout_reply"`
	CancelReply  string        `yaml:"cancel_reply"`
}

// ApplyDefaults composes the wait command when only a function name was
// configured, and fills the reply tokens the stock wait script prints.
func (c *WaitConfig) ApplyDefaults() {
	if c.Command == "" && c.Function != "" {
		c.Command = fmt.Sprintf("%s(%s)", c.Function, WaitDeadline(c.Timeout))
	}
	if c.TriggerReply == "" {
		c.TriggerReply = "TRIGGER"
	}
	if c.TimeoutReply == "" {
		c.TimeoutReply = "TIMEOUT"
	}
	if c.CancelReply == "" {
		c.CancelReply = "CANCEL"
	}
}

// Listener issues blocking trigger waits over the channel while it owns it.
// Lock/unlock notifications from the arbiter gate every operation, so a wait
// can never be re-armed while a sweep holds the line.
type Listener struct {
	arb *session.Arbiter
	cfg WaitConfig
	tun ports.Tuning
	obs ports.Observability

	mu     sync.Mutex
	grant  *session.Grant
	locked bool
	armed  bool
	cancel chan struct{}
}

func NewListener(arb *session.Arbiter, cfg WaitConfig, tun ports.Tuning, obs ports.Observability) *Listener {
	cfg.ApplyDefaults()
	tun.ApplyDefaults()
	return &Listener{arb: arb, cfg: cfg, tun: tun, obs: obs}
}

// Connect acquires listener ownership of ch through the arbiter.
func (l *Listener) Connect(ch ports.Channel) error {
	grant, err := l.arb.Connect(ch)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.grant = grant
	l.mu.Unlock()
	return nil
}

// SetLocked is wired as the arbiter's lock callback. While locked, Arm and
// Disconnect are rejected with an instrument-busy condition.
func (l *Listener) SetLocked(locked bool) {
	l.mu.Lock()
	l.locked = locked
	l.mu.Unlock()
}

// Locked reports whether a sweep currently owns the channel.
func (l *Listener) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Grant exposes the listener's live grant so the runtime can request a
// handoff after a trigger fires.
func (l *Listener) Grant() *session.Grant {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grant
}

// AdoptGrant installs the fresh grant issued when a sweep releases the
// channel back.
func (l *Listener) AdoptGrant(g *session.Grant) {
	l.mu.Lock()
	l.grant = g
	l.mu.Unlock()
}

// Arm sends the wait command and blocks until the instrument replies, the
// wait is cancelled, or a hard channel error occurs. The read loop polls at
// the short poll timeout so Cancel takes effect within one interval; a poll
// expiry with no reply just means the instrument is still waiting for its
// edge. The channel timeout is restored before Arm returns.
func (l *Listener) Arm() (ports.TriggerOutcome, error) {
	l.mu.Lock()
	if l.locked {
		l.mu.Unlock()
		return ports.TriggerCancelled, fmt.Errorf("%w: cannot arm a trigger wait during a sweep", domain.ErrInstrumentBusy)
	}
	if l.armed {
		l.mu.Unlock()
		return ports.TriggerCancelled, fmt.Errorf("%w: trigger wait already armed", domain.ErrInstrumentBusy)
	}
	grant := l.grant
	cancel := make(chan struct{})
	l.armed = true
	l.cancel = cancel
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.armed = false
		l.cancel = nil
		l.mu.Unlock()
	}()

	if grant == nil {
		return ports.TriggerCancelled, fmt.Errorf("trigger: not connected")
	}
	ch, err := grant.Channel()
	if err != nil {
		return ports.TriggerCancelled, err
	}
	if l.cfg.Command == "" {
		return ports.TriggerCancelled, fmt.Errorf("trigger: wait command not configured")
	}

	if err := ch.WriteLine(l.cfg.Command); err != nil {
		return ports.TriggerCancelled, fmt.Errorf("send wait command: %w", err)
	}
	l.logInfo("trigger_wait_armed")

	prior := ch.Timeout()
	ch.SetTimeout(l.tun.PollTimeout)
	defer ch.SetTimeout(prior)

	for {
		select {
		case <-cancel:
			return ports.TriggerCancelled, nil
		default:
		}

		line, err := ch.ReadLine()
		if err != nil {
			if ports.IsTimeout(err) {
				continue
			}
			return ports.TriggerCancelled, fmt.Errorf("waiting for trigger reply: %w", err)
		}

		switch strings.ToUpper(strings.TrimSpace(line)) {
		case "":
			continue
		case strings.ToUpper(l.cfg.TriggerReply):
			l.logInfo("trigger_fired")
			return ports.TriggerFired, nil
		case strings.ToUpper(l.cfg.TimeoutReply):
			l.logInfo("trigger_wait_timeout")
			return ports.TriggerTimedOut, nil
		case strings.ToUpper(l.cfg.CancelReply):
			return ports.TriggerCancelled, nil
		default:
			// Informational output from the wait script; keep draining.
		}
	}
}

// Cancel ends an in-flight Arm within one poll interval. Idempotent.
func (l *Listener) Cancel() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		select {
		case <-l.cancel:
		default:
			close(l.cancel)
		}
	}
}

// Disconnect releases listener ownership. Rejected while a sweep owns the
// channel.
func (l *Listener) Disconnect() error {
	l.mu.Lock()
	if l.locked {
		l.mu.Unlock()
		return fmt.Errorf("%w: cannot disconnect during a sweep", domain.ErrInstrumentBusy)
	}
	grant := l.grant
	l.grant = nil
	l.mu.Unlock()
	if grant == nil {
		return nil
	}
	return l.arb.Disconnect(grant)
}

func (l *Listener) logInfo(msg string) {
	if l.obs != nil {
		l.obs.LogInfo(msg)
	}
}

// WaitDeadline converts an instrument-side wait timeout into the argument
// format the stock wait script expects ("nil" means wait forever).
func WaitDeadline(d time.Duration) string {
	if d <= 0 {
		return "nil"
	}
	return fmt.Sprintf("%.9g", d.Seconds())
}

package trigger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eminmutu/sweepflow/internal/app/session"
	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// replyChannel feeds scripted reply lines to Arm and records writes and
// timeout changes. An exhausted script reads as a poll timeout.
type replyChannel struct {
	mu       sync.Mutex
	replies  []string
	written  []string
	timeout  time.Duration
	timeouts []time.Duration
}

func newReplyChannel(replies ...string) *replyChannel {
	return &replyChannel{replies: replies, timeout: 3 * time.Second}
}

func (c *replyChannel) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, line)
	return nil
}

func (c *replyChannel) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return "", ports.ErrChannelTimeout
	}
	line := c.replies[0]
	c.replies = c.replies[1:]
	return line, nil
}

func (c *replyChannel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.timeouts = append(c.timeouts, d)
	c.mu.Unlock()
}

func (c *replyChannel) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func newTestListener(t *testing.T, ch ports.Channel) *Listener {
	t.Helper()
	var tun ports.Tuning
	tun.ApplyDefaults()
	tun.PollTimeout = 5 * time.Millisecond

	l := NewListener(session.NewArbiter(nil, nil), WaitConfig{Command: "TriggerWait(nil)"}, tun, nil)
	if err := l.Connect(ch); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return l
}

func TestArmClassifiesReplies(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  ports.TriggerOutcome
	}{
		{"trigger", "TRIGGER", ports.TriggerFired},
		{"trigger lowercase", "trigger", ports.TriggerFired},
		{"trigger padded", "  TRIGGER \r", ports.TriggerFired},
		{"timeout", "TIMEOUT", ports.TriggerTimedOut},
		{"cancel", "CANCEL", ports.TriggerCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch := newReplyChannel(tc.reply)
			l := newTestListener(t, ch)

			outcome, err := l.Arm()
			if err != nil {
				t.Fatalf("Arm returned error: %v", err)
			}
			if outcome != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, outcome)
			}
			if len(ch.written) != 1 || ch.written[0] != "TriggerWait(nil)" {
				t.Fatalf("expected the wait command sent once, got %v", ch.written)
			}
		})
	}
}

func TestArmSkipsInformationalLines(t *testing.T) {
	ch := newReplyChannel("wait script v2 armed", "", "TRIGGER")
	l := newTestListener(t, ch)

	outcome, err := l.Arm()
	if err != nil {
		t.Fatalf("Arm returned error: %v", err)
	}
	if outcome != ports.TriggerFired {
		t.Fatalf("expected fired, got %v", outcome)
	}
}

func TestArmRestoresChannelTimeout(t *testing.T) {
	ch := newReplyChannel("TRIGGER")
	l := newTestListener(t, ch)

	if _, err := l.Arm(); err != nil {
		t.Fatalf("Arm returned error: %v", err)
	}
	if got := ch.Timeout(); got != 3*time.Second {
		t.Fatalf("expected original timeout restored, got %v", got)
	}
	if len(ch.timeouts) < 2 || ch.timeouts[0] != 5*time.Millisecond {
		t.Fatalf("expected the poll timeout applied during the wait, got %v", ch.timeouts)
	}
}

func TestArmRejectedWhileLocked(t *testing.T) {
	l := newTestListener(t, newReplyChannel())
	l.SetLocked(true)

	outcome, err := l.Arm()
	if !errors.Is(err, domain.ErrInstrumentBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	if outcome != ports.TriggerCancelled {
		t.Fatalf("expected cancelled outcome, got %v", outcome)
	}

	l.SetLocked(false)
	if err := l.Connect(newReplyChannel()); err == nil {
		t.Fatal("expected double connect rejected by the arbiter")
	}
}

func TestCancelEndsInFlightWait(t *testing.T) {
	// No scripted replies, so Arm polls until cancelled.
	ch := newReplyChannel()
	l := newTestListener(t, ch)

	done := make(chan struct{})
	var outcome ports.TriggerOutcome
	var armErr error
	go func() {
		defer close(done)
		outcome, armErr = l.Arm()
	}()

	time.Sleep(20 * time.Millisecond)
	l.Cancel()
	l.Cancel() // idempotent

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Arm did not observe the cancellation")
	}
	if armErr != nil {
		t.Fatalf("Arm returned error: %v", armErr)
	}
	if outcome != ports.TriggerCancelled {
		t.Fatalf("expected cancelled, got %v", outcome)
	}
	if got := ch.Timeout(); got != 3*time.Second {
		t.Fatalf("expected original timeout restored, got %v", got)
	}
}

func TestArmRejectsConcurrentWait(t *testing.T) {
	ch := newReplyChannel()
	l := newTestListener(t, ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Arm()
	}()
	time.Sleep(20 * time.Millisecond)

	if _, err := l.Arm(); !errors.Is(err, domain.ErrInstrumentBusy) {
		t.Fatalf("expected busy on concurrent arm, got %v", err)
	}
	l.Cancel()
	<-done
}

func TestDisconnectRejectedWhileLocked(t *testing.T) {
	l := newTestListener(t, newReplyChannel())
	l.SetLocked(true)
	if err := l.Disconnect(); !errors.Is(err, domain.ErrInstrumentBusy) {
		t.Fatalf("expected busy, got %v", err)
	}
	l.SetLocked(false)
	if err := l.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
}

func TestWaitConfigComposesCommand(t *testing.T) {
	cfg := WaitConfig{Function: "TriggerWait", Timeout: 2500 * time.Millisecond}
	cfg.ApplyDefaults()
	if cfg.Command != "TriggerWait(2.5)" {
		t.Fatalf("expected composed wait command, got %q", cfg.Command)
	}

	forever := WaitConfig{Function: "TriggerWait"}
	forever.ApplyDefaults()
	if forever.Command != "TriggerWait(nil)" {
		t.Fatalf("expected nil deadline argument, got %q", forever.Command)
	}

	verbatim := WaitConfig{Command: "CustomWait(5)", Function: "TriggerWait"}
	verbatim.ApplyDefaults()
	if verbatim.Command != "CustomWait(5)" {
		t.Fatalf("expected an explicit command kept verbatim, got %q", verbatim.Command)
	}
}

func TestWaitDeadline(t *testing.T) {
	if got := WaitDeadline(0); got != "nil" {
		t.Fatalf("expected nil for no deadline, got %q", got)
	}
	if got := WaitDeadline(-time.Second); got != "nil" {
		t.Fatalf("expected nil for negative deadline, got %q", got)
	}
	if got := WaitDeadline(2500 * time.Millisecond); got != "2.5" {
		t.Fatalf("expected seconds formatting, got %q", got)
	}
}

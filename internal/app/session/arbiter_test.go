package session

import (
	"errors"
	"testing"
	"time"

	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

type stubChannel struct {
	healthErr error
	probed    bool
}

func (s *stubChannel) WriteLine(string) error    { return nil }
func (s *stubChannel) ReadLine() (string, error) { return "", ports.ErrChannelTimeout }
func (s *stubChannel) SetTimeout(time.Duration)  {}
func (s *stubChannel) Timeout() time.Duration    { return time.Second }

func (s *stubChannel) Healthy() error {
	s.probed = true
	return s.healthErr
}

func TestArbiterConnectIssuesExclusiveGrant(t *testing.T) {
	arb := NewArbiter(nil, nil)
	ch := &stubChannel{}

	grant, err := arb.Connect(ch)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got, err := grant.Channel(); err != nil || got != ports.Channel(ch) {
		t.Fatalf("expected live grant over the channel, got %v / %v", got, err)
	}
	if arb.State() != OwnedByListener {
		t.Fatalf("expected listener ownership, got %v", arb.State())
	}

	if _, err := arb.Connect(ch); !errors.Is(err, domain.ErrInstrumentBusy) {
		t.Fatalf("expected busy on double connect, got %v", err)
	}
}

func TestArbiterHandoffRevokesListenerGrant(t *testing.T) {
	arb := NewArbiter(nil, nil)
	listener, err := arb.Connect(&stubChannel{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	sweep, err := arb.HandoffToSweep(listener)
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if arb.State() != OwnedBySweep {
		t.Fatalf("expected sweep ownership, got %v", arb.State())
	}
	if sweep.Owner() != OwnedBySweep {
		t.Fatalf("expected sweep-owned grant, got %v", sweep.Owner())
	}

	if _, err := listener.Channel(); !errors.Is(err, domain.ErrGrantRevoked) {
		t.Fatalf("expected revoked listener grant, got %v", err)
	}
	if _, err := sweep.Channel(); err != nil {
		t.Fatalf("expected live sweep grant, got %v", err)
	}

	// The revoked grant cannot request another transition.
	if _, err := arb.HandoffToSweep(listener); !errors.Is(err, domain.ErrInstrumentBusy) {
		t.Fatalf("expected busy for a stale grant, got %v", err)
	}
}

func TestArbiterLockCallbackBracketsSweepOwnership(t *testing.T) {
	var calls []bool
	arb := NewArbiter(nil, func(locked bool) {
		calls = append(calls, locked)
	})

	listener, err := arb.Connect(&stubChannel{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sweep, err := arb.HandoffToSweep(listener)
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if _, err := arb.ReleaseToListener(sweep); err != nil {
		t.Fatalf("release: %v", err)
	}

	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Fatalf("expected lock then unlock, got %v", calls)
	}
}

func TestArbiterReleaseReturnsListenerGrant(t *testing.T) {
	arb := NewArbiter(nil, nil)
	listener, _ := arb.Connect(&stubChannel{})
	sweep, err := arb.HandoffToSweep(listener)
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}

	next, err := arb.ReleaseToListener(sweep)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if next.Owner() != OwnedByListener {
		t.Fatalf("expected a listener grant back, got %v", next.Owner())
	}
	if _, err := sweep.Channel(); !errors.Is(err, domain.ErrGrantRevoked) {
		t.Fatalf("expected revoked sweep grant, got %v", err)
	}
	if arb.State() != OwnedByListener {
		t.Fatalf("expected listener ownership, got %v", arb.State())
	}

	// Releasing with the stale grant must not succeed a second time.
	if _, err := arb.ReleaseToListener(sweep); !errors.Is(err, domain.ErrInstrumentBusy) {
		t.Fatalf("expected busy on stale release, got %v", err)
	}
}

func TestArbiterReleaseRejectsUnhealthyChannel(t *testing.T) {
	ch := &stubChannel{healthErr: errors.New("socket gone")}
	arb := NewArbiter(nil, nil)
	listener, _ := arb.Connect(ch)
	sweep, err := arb.HandoffToSweep(listener)
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}

	next, err := arb.ReleaseToListener(sweep)
	if err == nil {
		t.Fatal("expected the health probe failure to surface")
	}
	if next != nil {
		t.Fatal("expected no grant over a dead channel")
	}
	if !ch.probed {
		t.Fatal("expected the channel to be probed on release")
	}
	if arb.State() != Free {
		t.Fatalf("expected a free session after a dead channel, got %v", arb.State())
	}
}

func TestArbiterDisconnect(t *testing.T) {
	arb := NewArbiter(nil, nil)
	listener, _ := arb.Connect(&stubChannel{})

	sweep, err := arb.HandoffToSweep(listener)
	if err != nil {
		t.Fatalf("handoff: %v", err)
	}
	if err := arb.Disconnect(listener); !errors.Is(err, domain.ErrInstrumentBusy) {
		t.Fatalf("expected disconnect rejected during a sweep, got %v", err)
	}

	listener, err = arb.ReleaseToListener(sweep)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := arb.Disconnect(listener); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if arb.State() != Free {
		t.Fatalf("expected free session, got %v", arb.State())
	}
	if _, err := listener.Channel(); !errors.Is(err, domain.ErrGrantRevoked) {
		t.Fatalf("expected revoked grant after disconnect, got %v", err)
	}

	// Disconnecting a free session is a no-op.
	if err := arb.Disconnect(nil); err != nil {
		t.Fatalf("disconnect on free session: %v", err)
	}
}

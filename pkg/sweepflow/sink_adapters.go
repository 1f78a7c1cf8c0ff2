package sweepflow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eminmutu/sweepflow/internal/domain"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after
// being closed.
var ErrChannelSinkClosed = errors.New("sweepflow: channel sink closed")

// RunBatchSink receives every finished sweep's snapshots.
type RunBatchSink func([]RunSnapshot) error

// NewCallbackSink adapts a RunBatchSink into a full RunSink implementation so
// callers can plug arbitrary functions without defining structs.
func NewCallbackSink(name string, fn RunBatchSink) RunSink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes finished runs via a channel; it returns the sink,
// the read-only channel, and a close function the caller should invoke during
// shutdown.
func NewChannelSink(name string, buffer int) (RunSink, <-chan []RunSnapshot, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []RunSnapshot, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   RunBatchSink
}

func (s *callbackSink) WriteRuns(runs []domain.RunSnapshot) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if len(runs) == 0 {
		return nil
	}
	return s.fn(runs)
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	ch     chan []RunSnapshot
	closed chan struct{}
	once   sync.Once
}

func (s *channelSink) WriteRuns(runs []domain.RunSnapshot) error {
	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	default:
	}

	if len(runs) == 0 {
		return nil
	}

	batch := make([]RunSnapshot, len(runs))
	copy(batch, runs)

	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case s.ch <- batch:
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

package sweepflow

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/eminmutu/sweepflow/internal/ports"
)

// SimulatorConfig shapes the simulated instrument's behavior.
type SimulatorConfig struct {
	// SweepFunction and Buffer must match the command set in use; the
	// defaults match the stock TSP vocabulary.
	SweepFunction string
	Buffer        string

	// Response maps a source level to a measured response. The default is
	// an ohmic 1 kOhm device.
	Response func(level float64) float64

	// ClampLevel, when positive, caps the magnitude of the source levels the
	// instrument reports back, imitating an instrument that clips at its
	// range limit.
	ClampLevel float64

	// WaitCommand is the line that arms the simulated trigger wait.
	WaitCommand string
	// TriggerReply is printed TriggerDelay after a wait command arrives.
	TriggerReply string
	TriggerDelay time.Duration
}

func (c *SimulatorConfig) applyDefaults() {
	if c.SweepFunction == "" {
		c.SweepFunction = "IVMultiple_run"
	}
	if c.Buffer == "" {
		c.Buffer = "defbuffer1"
	}
	if c.Response == nil {
		c.Response = func(level float64) float64 { return level / 1000.0 }
	}
	if c.TriggerReply == "" {
		c.TriggerReply = "TRIGGER"
	}
}

// Simulator is an in-process instrument that speaks enough of the TSP sweep
// vocabulary to exercise the full stack without hardware: segment commands
// populate a reading buffer and stream live triplets, marker prints echo, and
// buffer queries read the last segment back.
type Simulator struct {
	cfg SimulatorConfig

	mu        sync.Mutex
	out       []string
	notify    chan struct{}
	timeout   time.Duration
	levels    []float64
	responses []float64
	closed    bool
}

// NewSimulator builds a simulated instrument channel.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	cfg.applyDefaults()
	return &Simulator{
		cfg:     cfg,
		notify:  make(chan struct{}, 1),
		timeout: 10 * time.Second,
	}
}

// WriteLine interprets one command line.
func (s *Simulator) WriteLine(line string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("simulator: channel closed")
	}
	s.mu.Unlock()

	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, s.cfg.SweepFunction+"("):
		s.runSegment(line)
	case strings.HasPrefix(line, "print('") && strings.HasSuffix(line, "')"):
		s.push(strings.TrimSuffix(strings.TrimPrefix(line, "print('"), "')"))
	case line == fmt.Sprintf("print(%s.n)", s.cfg.Buffer):
		s.mu.Lock()
		n := len(s.levels)
		s.mu.Unlock()
		s.push(fmt.Sprintf("%d", n))
	case strings.HasPrefix(line, "printbuffer(") && strings.Contains(line, ".sourcevalues"):
		s.mu.Lock()
		vals := joinFloats(s.levels)
		s.mu.Unlock()
		s.push(vals)
	case strings.HasPrefix(line, "printbuffer("):
		s.mu.Lock()
		vals := joinFloats(s.responses)
		s.mu.Unlock()
		s.push(vals)
	case s.cfg.WaitCommand != "" && line == s.cfg.WaitCommand:
		if s.cfg.TriggerDelay > 0 {
			time.AfterFunc(s.cfg.TriggerDelay, func() { s.push(s.cfg.TriggerReply) })
		} else {
			s.push(s.cfg.TriggerReply)
		}
	case strings.HasPrefix(line, "pcall("):
		// Setup commands produce no output.
	}
	return nil
}

// ReadLine pops the next pending output line, blocking up to the current
// timeout.
func (s *Simulator) ReadLine() (string, error) {
	deadline := time.Now().Add(s.Timeout())
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return "", errors.New("simulator: channel closed")
		}
		if len(s.out) > 0 {
			line := s.out[0]
			s.out = s.out[1:]
			s.mu.Unlock()
			return line, nil
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errors.Wrap(ports.ErrChannelTimeout, "simulator: read")
		}
		t := time.NewTimer(remaining)
		select {
		case <-s.notify:
			t.Stop()
		case <-t.C:
			return "", errors.Wrap(ports.ErrChannelTimeout, "simulator: read")
		}
	}
}

func (s *Simulator) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

func (s *Simulator) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Healthy reports whether the simulated link is still open.
func (s *Simulator) Healthy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("simulator: channel closed")
	}
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// FireTrigger pushes the trigger reply out of band, as if the instrument's
// digital input saw an edge while a wait command was blocking.
func (s *Simulator) FireTrigger() {
	s.push(s.cfg.TriggerReply)
}

// runSegment parses "fn(start, stop, step, compliance, nplc, settle)", clears
// the buffer, and emits one live triplet per ladder level.
func (s *Simulator) runSegment(line string) {
	open := strings.Index(line, "(")
	closing := strings.LastIndex(line, ")")
	if open < 0 || closing <= open {
		return
	}
	var args []float64
	for _, tok := range strings.Split(line[open+1:closing], ",") {
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(tok), "%g", &v); err != nil {
			return
		}
		args = append(args, v)
	}
	if len(args) < 3 {
		return
	}
	start, stop, step := args[0], args[1], args[2]

	s.mu.Lock()
	s.levels = nil
	s.responses = nil
	s.mu.Unlock()

	for i, level := range simLadder(start, stop, step) {
		reported := level
		if s.cfg.ClampLevel > 0 && math.Abs(reported) > s.cfg.ClampLevel {
			reported = math.Copysign(s.cfg.ClampLevel, reported)
		}
		response := s.cfg.Response(reported)
		s.mu.Lock()
		s.levels = append(s.levels, reported)
		s.responses = append(s.responses, response)
		s.mu.Unlock()
		s.push(fmt.Sprintf("%d\t%g\t%g", i+1, reported, response))
	}
}

func (s *Simulator) push(line string) {
	s.mu.Lock()
	s.out = append(s.out, line)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// simLadder mirrors the instrument script's level generation: start to stop
// inclusive, with the final step clamped onto stop.
func simLadder(start, stop, step float64) []float64 {
	eps := math.Abs(step)*1e-9 + 1e-12
	levels := []float64{start}
	if math.Abs(step) <= eps {
		return levels
	}
	dir := 1.0
	if step < 0 {
		dir = -1.0
	}
	current := start
	for {
		next := current + step
		if dir > 0 && next > stop+eps {
			next = stop
		} else if dir < 0 && next < stop-eps {
			next = stop
		}
		if math.Abs(next-current) <= eps {
			break
		}
		levels = append(levels, next)
		current = next
		if math.Abs(current-stop) <= eps {
			levels[len(levels)-1] = stop
			break
		}
	}
	return levels
}

func joinFloats(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return strings.Join(parts, ", ")
}

var (
	_ Channel       = (*Simulator)(nil)
	_ HealthChecker = (*Simulator)(nil)
)

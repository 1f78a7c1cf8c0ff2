// Package gpib provides a Channel over a Prologix GPIB-USB controller for
// bus-attached instruments.
package gpib

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gotmc/prologix"
	"github.com/pkg/errors"
	"github.com/soypat/cereal"

	"github.com/eminmutu/sweepflow/internal/ports"
)

// Config describes the controller's serial port and the instrument's bus
// address.
type Config struct {
	Port             string        `yaml:"port"`
	Baud             int           `yaml:"baud"`
	PrimaryAddress   int           `yaml:"primary_address"`
	SecondaryAddress int           `yaml:"secondary_address"`
	WriteDelay       time.Duration `yaml:"write_delay"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.Baud <= 0 {
		c.Baud = 115200
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
}

// Channel adapts a Prologix controller to the line-oriented channel
// contract.
type Channel struct {
	mu      sync.Mutex
	ctrl    *prologix.Controller
	port    io.ReadWriteCloser
	pending []byte
	buf     [512]byte
	timeout time.Duration
	closed  bool
}

// Open opens the controller's serial port and addresses the instrument.
func Open(cfg Config) (*Channel, error) {
	cfg.ApplyDefaults()
	if cfg.Port == "" {
		return nil, errors.New("gpib: controller port is required")
	}

	opener := cereal.Tarm{}
	port, err := opener.OpenPort(cfg.Port, cereal.Mode{
		BaudRate:    cfg.Baud,
		ReadTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "gpib: open %s", cfg.Port)
	}

	var opts []prologix.ControllerOption
	if cfg.WriteDelay > 0 {
		opts = append(opts, prologix.WithWriteDelay(cfg.WriteDelay))
	}
	if cfg.SecondaryAddress > 0 {
		opts = append(opts, prologix.WithSecondaryAddress(cfg.SecondaryAddress))
	}
	ctrl, err := prologix.NewController(port, cfg.PrimaryAddress, false, opts...)
	if err != nil {
		_ = port.Close()
		return nil, errors.Wrap(err, "gpib: new controller")
	}

	return &Channel{ctrl: ctrl, port: port, timeout: cfg.ReadTimeout}, nil
}

func (c *Channel) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("gpib: channel closed")
	}
	if err := c.ctrl.Command(line); err != nil {
		return errors.Wrapf(err, "gpib: write %q", line)
	}
	return nil
}

// ReadLine accumulates instrument output until a newline or the soft
// deadline, asking the controller to address the instrument to talk.
func (c *Channel) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errors.New("gpib: channel closed")
	}

	deadline := time.Now().Add(c.timeout)
	for {
		if i := indexNewline(c.pending); i >= 0 {
			line := strings.TrimRight(string(c.pending[:i]), "\r")
			c.pending = append(c.pending[:0], c.pending[i+1:]...)
			return line, nil
		}
		if time.Now().After(deadline) {
			return "", errors.Wrap(ports.ErrChannelTimeout, "gpib: read")
		}

		n, err := c.ctrl.Read(c.buf[:])
		if n > 0 {
			c.pending = append(c.pending, c.buf[:n]...)
			continue
		}
		if err != nil && err != io.EOF {
			return "", errors.Wrap(err, "gpib: read")
		}
	}
}

func (c *Channel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

func (c *Channel) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Channel) Healthy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("gpib: channel closed")
	}
	return nil
}

// Close returns the instrument to local control and closes the port.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.ctrl.FrontPanel(true); err != nil {
		_ = c.port.Close()
		return errors.Wrap(err, "gpib: front panel")
	}
	return c.port.Close()
}

func indexNewline(b []byte) int {
	for i, v := range b {
		if v == '\n' {
			return i
		}
	}
	return -1
}

var (
	_ ports.Channel       = (*Channel)(nil)
	_ ports.HealthChecker = (*Channel)(nil)
)

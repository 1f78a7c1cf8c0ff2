// Package serialchan provides a Channel over an RS-232 port for instruments
// without a LAN interface.
package serialchan

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/eminmutu/sweepflow/internal/ports"
)

// pollSlice is the fixed low-level read timeout handed to the OS. The
// channel-level timeout is enforced in software on top of it, since the
// serial layer cannot change its timeout after open.
const pollSlice = 50 * time.Millisecond

// Config describes the serial port.
type Config struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.Baud <= 0 {
		c.Baud = 115200
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
}

// Channel is a line-oriented command/response serial link.
type Channel struct {
	mu      sync.Mutex
	port    io.ReadWriteCloser
	pending []byte
	buf     [256]byte
	timeout time.Duration
	closed  bool
}

// Open opens the port.
func Open(cfg Config) (*Channel, error) {
	cfg.ApplyDefaults()
	if cfg.Port == "" {
		return nil, errors.New("serial: port is required")
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: pollSlice,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "serial: open %s", cfg.Port)
	}
	return &Channel{port: port, timeout: cfg.ReadTimeout}, nil
}

func (c *Channel) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("serial: channel closed")
	}
	if _, err := c.port.Write([]byte(line + "\n")); err != nil {
		return errors.Wrapf(err, "serial: write %q", line)
	}
	return nil
}

// ReadLine accumulates bytes until a newline or the soft deadline. Short
// low-level reads returning no data are poll ticks, not errors; partial line
// bytes survive a timeout for the next call.
func (c *Channel) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errors.New("serial: channel closed")
	}

	deadline := time.Now().Add(c.timeout)
	for {
		if i := indexNewline(c.pending); i >= 0 {
			line := strings.TrimRight(string(c.pending[:i]), "\r")
			c.pending = append(c.pending[:0], c.pending[i+1:]...)
			return line, nil
		}
		if time.Now().After(deadline) {
			return "", errors.Wrap(ports.ErrChannelTimeout, "serial: read")
		}

		n, err := c.port.Read(c.buf[:])
		if n > 0 {
			c.pending = append(c.pending, c.buf[:n]...)
			continue
		}
		if err != nil && err != io.EOF {
			return "", errors.Wrap(err, "serial: read")
		}
		// Zero bytes within the OS poll slice; keep waiting.
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
		return errors.New("serial: channel closed")
	}
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
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

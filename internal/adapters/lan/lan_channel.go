// Package lan provides a Channel over a raw TCP socket, the transport most
// bench instruments expose on port 5025.
package lan

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/eminmutu/sweepflow/internal/ports"
)

// Config is the LAN channel's dial configuration.
type Config struct {
	// Address is host:port of the instrument's raw-socket service.
	Address string `yaml:"address"`
	// DialTimeout bounds the initial connect.
	DialTimeout time.Duration `yaml:"dial_timeout"`
	// ReadTimeout is the initial per-read timeout; the core shortens and
	// restores it around drain loops.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
}

// Channel is a line-oriented command/response socket. It is half-duplex by
// contract: one exchange at a time, enforced upstream by session ownership.
type Channel struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	pending []byte
	timeout time.Duration
	closed  bool
}

// Dial connects to the instrument.
func Dial(cfg Config) (*Channel, error) {
	cfg.ApplyDefaults()
	if cfg.Address == "" {
		return nil, errors.New("lan: address is required")
	}
	conn, err := net.DialTimeout("tcp", cfg.Address, cfg.DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "lan: dial %s", cfg.Address)
	}
	return &Channel{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: cfg.ReadTimeout,
	}, nil
}

func (c *Channel) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("lan: channel closed")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return errors.Wrap(err, "lan: set write deadline")
	}
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return errors.Wrapf(err, "lan: write %q", line)
	}
	return nil
}

// ReadLine reads up to the next newline. A deadline expiry returns a channel
// timeout; any bytes of a partial line already received are kept for the next
// call so a timeout never corrupts framing.
func (c *Channel) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", errors.New("lan: channel closed")
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", errors.Wrap(err, "lan: set read deadline")
	}

	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return "", errors.Wrap(ports.ErrChannelTimeout, "lan: read")
			}
			return "", errors.Wrap(err, "lan: read")
		}
		if b == '\n' {
			line := strings.TrimRight(string(c.pending), "\r")
			c.pending = c.pending[:0]
			return line, nil
		}
		c.pending = append(c.pending, b)
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

// Healthy reports whether the socket is still open.
func (c *Channel) Healthy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn == nil {
		return errors.New("lan: channel closed")
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
	return c.conn.Close()
}

var (
	_ ports.Channel       = (*Channel)(nil)
	_ ports.HealthChecker = (*Channel)(nil)
)

// Package opcuatrigger waits for an external trigger published by a PLC as
// an OPC UA boolean node, for setups where the trigger edge arrives over the
// plant network instead of the instrument's digital I/O. It implements the
// TriggerSource port: the shared instrument channel is never involved.
package opcuatrigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/eminmutu/sweepflow/internal/ports"
)

// Config captures the OPC UA session and the monitored trigger node.
type Config struct {
	Endpoint        string        `yaml:"endpoint"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SecurityMode    string        `yaml:"security_mode"`
	SecurityPolicy  string        `yaml:"security_policy"`
	ApplicationName string        `yaml:"application_name"`
	PublishInterval time.Duration `yaml:"publish_interval"`
	NodeID          string        `yaml:"node_id"`
	// WaitTimeout bounds one WaitForTrigger call; zero waits forever.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "SweepFlow Trigger"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 100 * time.Millisecond
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	return nil
}

// Source subscribes to the trigger node and reports rising edges.
type Source struct {
	cfg Config

	mu      sync.Mutex
	client  *opcua.Client
	sub     *opcua.Subscription
	cancel  context.CancelFunc
	edges   chan struct{}
	started bool
}

func NewSource(cfg Config) (*Source, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Source{cfg: cfg, edges: make(chan struct{}, 1)}, nil
}

// Connect opens the session and starts monitoring the trigger node.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("opcua trigger source already started")
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	client, err := opcua.NewClient(s.cfg.Endpoint, s.buildClientOptions()...)
	if err != nil {
		cancel()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 8)
	sub, err := client.Subscribe(runCtx, &opcua.SubscriptionParameters{
		Interval: s.cfg.PublishInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	nodeID, err := ua.ParseNodeID(s.cfg.NodeID)
	if err != nil {
		cancel()
		_ = sub.Cancel(ctx)
		_ = client.Close(ctx)
		return fmt.Errorf("parse node id %q: %w", s.cfg.NodeID, err)
	}
	req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, 1)
	res, err := sub.Monitor(runCtx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		cancel()
		_ = sub.Cancel(ctx)
		_ = client.Close(ctx)
		return fmt.Errorf("monitor node %q: %w", s.cfg.NodeID, err)
	}
	if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
		cancel()
		_ = sub.Cancel(ctx)
		_ = client.Close(ctx)
		return fmt.Errorf("monitor node %q rejected", s.cfg.NodeID)
	}

	s.mu.Lock()
	s.client = client
	s.sub = sub
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	go s.consume(runCtx, notifyCh)
	return nil
}

// WaitForTrigger blocks until a rising edge, the configured wait timeout, or
// ctx cancellation.
func (s *Source) WaitForTrigger(ctx context.Context) (ports.TriggerOutcome, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ports.TriggerCancelled, fmt.Errorf("opcua trigger source not connected")
	}

	var timeout <-chan time.Time
	if s.cfg.WaitTimeout > 0 {
		t := time.NewTimer(s.cfg.WaitTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return ports.TriggerCancelled, nil
	case <-timeout:
		return ports.TriggerTimedOut, nil
	case <-s.edges:
		return ports.TriggerFired, nil
	}
}

func (s *Source) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	last := false
	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil || notif.Error != nil {
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			for _, item := range data.MonitoredItems {
				val, ok := variantToBool(item.Value.Value)
				if !ok {
					continue
				}
				if val && !last {
					select {
					case s.edges <- struct{}{}:
					default:
						// An unconsumed edge is already pending.
					}
				}
				last = val
			}
		}
	}
}

func (s *Source) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	sub := s.sub
	client := s.client
	s.started = false
	s.cancel = nil
	s.sub = nil
	s.client = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	return err
}

func (s *Source) buildClientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(s.cfg.SecurityPolicy),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func variantToBool(v *ua.Variant) (bool, bool) {
	if v == nil {
		return false, false
	}
	switch val := v.Value().(type) {
	case bool:
		return val, true
	case uint8:
		return val != 0, true
	case int16:
		return val != 0, true
	case int32:
		return val != 0, true
	case int64:
		return val != 0, true
	default:
		return false, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

var _ ports.TriggerSource = (*Source)(nil)

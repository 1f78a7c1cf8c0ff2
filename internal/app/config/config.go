package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eminmutu/sweepflow/internal/adapters/gpib"
	"github.com/eminmutu/sweepflow/internal/adapters/lan"
	"github.com/eminmutu/sweepflow/internal/adapters/opcuatrigger"
	"github.com/eminmutu/sweepflow/internal/adapters/serialchan"
	"github.com/eminmutu/sweepflow/internal/adapters/tsp"
	"github.com/eminmutu/sweepflow/internal/app/trigger"
	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

type Config struct {
	Channel  ChannelConfig  `yaml:"channel"`
	Commands tsp.CommandSet `yaml:"commands"`
	Trigger  TriggerConfig  `yaml:"trigger"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Tuning   ports.Tuning   `yaml:"tuning"`
	Journal  JournalConfig  `yaml:"journal"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ChannelConfig selects the transport to the instrument. Kind is one of
// "lan", "serial", or "gpib"; only the matching sub-config is consulted.
type ChannelConfig struct {
	Kind   string            `yaml:"kind"`
	LAN    lan.Config        `yaml:"lan"`
	Serial serialchan.Config `yaml:"serial"`
	GPIB   gpib.Config       `yaml:"gpib"`
}

// TriggerConfig covers both trigger paths: the instrument-side wait script
// (always configured) and an optional OPC UA node published by a PLC.
type TriggerConfig struct {
	Wait  trigger.WaitConfig   `yaml:"wait"`
	OPCUA *opcuatrigger.Config `yaml:"opcua"`
}

// SweepConfig holds the default sweep a headless run executes. The GUI-less
// CLI reads these; library callers pass domain.SweepParameters directly.
type SweepConfig struct {
	StartLevel      float64 `yaml:"start_level"`
	StopLevel       float64 `yaml:"stop_level"`
	StepMagnitude   float64 `yaml:"step_magnitude"`
	ComplianceLimit float64 `yaml:"compliance_limit"`
	IntegrationNPLC float64 `yaml:"integration_nplc"`
	SettleSeconds   float64 `yaml:"settle_seconds"`
	TotalRuns       int     `yaml:"total_runs"`
	Wiring          string  `yaml:"wiring"`
}

// Parameters converts the YAML shape into normalized sweep parameters.
func (s SweepConfig) Parameters() domain.SweepParameters {
	return domain.SweepParameters{
		StartLevel:      s.StartLevel,
		StopLevel:       s.StopLevel,
		StepMagnitude:   s.StepMagnitude,
		ComplianceLimit: s.ComplianceLimit,
		IntegrationNPLC: s.IntegrationNPLC,
		SettleSeconds:   s.SettleSeconds,
		TotalRuns:       s.TotalRuns,
		Wiring:          domain.ParseWiringMode(s.Wiring),
	}.Normalize()
}

type JournalConfig struct {
	Dir string `yaml:"dir"`
}

type ArchiveConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Channel.Kind == "" {
		c.Channel.Kind = "lan"
	}
	c.Channel.LAN.ApplyDefaults()
	c.Channel.Serial.ApplyDefaults()
	c.Channel.GPIB.ApplyDefaults()
	c.Commands.ApplyDefaults()
	c.Trigger.Wait.ApplyDefaults()
	if c.Trigger.OPCUA != nil {
		c.Trigger.OPCUA.ApplyDefaults()
	}
	c.Tuning.ApplyDefaults()
	if c.Sweep.IntegrationNPLC == 0 {
		c.Sweep.IntegrationNPLC = 1
	}
	if c.Sweep.TotalRuns == 0 {
		c.Sweep.TotalRuns = 1
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "./data/runs"
	}
	if c.Archive.Table == "" {
		c.Archive.Table = "sweep_runs"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
}

func (c *Config) Validate() error {
	switch c.Channel.Kind {
	case "lan":
		if c.Channel.LAN.Address == "" {
			return fmt.Errorf("channel.lan.address is required")
		}
	case "serial":
		if c.Channel.Serial.Port == "" {
			return fmt.Errorf("channel.serial.port is required")
		}
	case "gpib":
		if c.Channel.GPIB.Port == "" {
			return fmt.Errorf("channel.gpib.port is required")
		}
	default:
		return fmt.Errorf("channel.kind must be lan, serial, or gpib, got %q", c.Channel.Kind)
	}
	if c.Trigger.OPCUA != nil {
		if err := c.Trigger.OPCUA.Validate(); err != nil {
			return fmt.Errorf("trigger.opcua: %w", err)
		}
	}
	if err := c.Sweep.Parameters().Validate(); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	return nil
}

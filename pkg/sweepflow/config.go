package sweepflow

import (
	"github.com/eminmutu/sweepflow/internal/adapters/gpib"
	"github.com/eminmutu/sweepflow/internal/adapters/lan"
	"github.com/eminmutu/sweepflow/internal/adapters/opcuatrigger"
	"github.com/eminmutu/sweepflow/internal/adapters/serialchan"
	"github.com/eminmutu/sweepflow/internal/app/config"
	"github.com/eminmutu/sweepflow/internal/app/trigger"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// ChannelConfig selects the instrument transport.
	ChannelConfig = config.ChannelConfig
	// LANConfig configures the raw-socket transport.
	LANConfig = lan.Config
	// SerialConfig configures the RS-232/USB transport.
	SerialConfig = serialchan.Config
	// GPIBConfig configures the Prologix-bridged GPIB transport.
	GPIBConfig = gpib.Config
	// TriggerConfig covers both the instrument-side wait and the OPC UA source.
	TriggerConfig = config.TriggerConfig
	// WaitConfig is the instrument-side trigger wait vocabulary.
	WaitConfig = trigger.WaitConfig
	// OPCUATriggerConfig configures the PLC-published trigger node.
	OPCUATriggerConfig = opcuatrigger.Config
	// SweepConfig holds the default sweep a headless run executes.
	SweepConfig = config.SweepConfig
	// JournalConfig configures the on-disk run journal.
	JournalConfig = config.JournalConfig
	// ArchiveConfig configures the Timescale run archive.
	ArchiveConfig = config.ArchiveConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

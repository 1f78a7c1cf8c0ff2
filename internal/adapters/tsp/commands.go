// Package tsp implements the command vocabulary for TSP-scripted source
// measure units (Keithley 2450 family). The instrument is expected to have
// the IVMultiple_run helper script loaded; everything here is plain string
// formatting so the core never sees model-specific syntax.
package tsp

import (
	"fmt"

	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// CommandSet speaks TSP. Buffer accessors default to defbuffer1.
type CommandSet struct {
	// SweepFunction is the loaded script entry point.
	SweepFunction string `yaml:"sweep_function"`
	// Buffer is the reading buffer name.
	Buffer string `yaml:"buffer"`
}

func New() *CommandSet {
	cs := &CommandSet{}
	cs.ApplyDefaults()
	return cs
}

func (c *CommandSet) ApplyDefaults() {
	if c.SweepFunction == "" {
		c.SweepFunction = "IVMultiple_run"
	}
	if c.Buffer == "" {
		c.Buffer = "defbuffer1"
	}
}

func (c *CommandSet) SegmentCommand(seg domain.Segment, p domain.SweepParameters) string {
	return fmt.Sprintf("%s(%g, %g, %g, %g, %g, %g)",
		c.SweepFunction, seg.Start, seg.Stop, seg.Step,
		p.ComplianceLimit, p.IntegrationNPLC, p.SettleSeconds)
}

func (c *CommandSet) PrintMarker(marker string) string {
	return fmt.Sprintf("print('%s')", marker)
}

func (c *CommandSet) BufferCountQuery() string {
	return fmt.Sprintf("print(%s.n)", c.Buffer)
}

func (c *CommandSet) LevelBufferFetch(n int) string {
	return fmt.Sprintf("printbuffer(1, %d, %s.sourcevalues)", n, c.Buffer)
}

func (c *CommandSet) ResponseBufferFetch(n int) string {
	return fmt.Sprintf("printbuffer(1, %d, %s)", n, c.Buffer)
}

// WiringCommands configure front terminals and the sense mode. Each command
// is wrapped in pcall so models without a given attribute ignore it instead
// of raising a TSP error mid-sweep.
func (c *CommandSet) WiringCommands(mode domain.WiringMode) []string {
	cmds := []string{
		"pcall(function() smu.measure.terminals = smu.TERMINALS_FRONT end)",
		"pcall(function() smu.source.terminals = smu.TERMINALS_FRONT end)",
	}
	if mode == domain.FourWire {
		cmds = append(cmds, "pcall(function() smu.measure.sense = smu.SENSE_4WIRE end)")
	} else {
		cmds = append(cmds, "pcall(function() smu.measure.sense = smu.SENSE_2WIRE end)")
	}
	return cmds
}

func (c *CommandSet) OutputOff() string {
	return "pcall(function() smu.source.output = smu.OFF end)"
}

var _ ports.CommandSet = (*CommandSet)(nil)

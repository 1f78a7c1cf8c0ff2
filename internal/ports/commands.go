package ports

import "github.com/eminmutu/sweepflow/internal/domain"

// CommandSet supplies the instrument-specific vocabulary. The core never
// builds command strings itself; a segment command, marker print, buffer
// query, and shutdown command all come from here so the executor stays
// model-agnostic.
type CommandSet interface {
	// SegmentCommand starts one monotonic segment on the instrument.
	SegmentCommand(seg domain.Segment, p domain.SweepParameters) string

	// PrintMarker makes the instrument echo marker verbatim on its own
	// output once all segment output has been flushed.
	PrintMarker(marker string) string

	// BufferCountQuery asks how many points the measurement buffer holds.
	BufferCountQuery() string

	// LevelBufferFetch / ResponseBufferFetch request points [1..n] of the
	// persisted source-level and measurement buffers. The reply is a flat
	// list of float tokens separated by commas and/or newlines.
	LevelBufferFetch(n int) string
	ResponseBufferFetch(n int) string

	// WiringCommands configure 2-wire or 4-wire sensing.
	WiringCommands(mode domain.WiringMode) []string

	// OutputOff forces the source output to a safe state. Used best-effort
	// on every sweep exit path.
	OutputOff() string
}

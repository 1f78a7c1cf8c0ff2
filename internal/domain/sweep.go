package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WiringMode selects how the instrument senses the device under test.
type WiringMode int

const (
	TwoWire WiringMode = iota
	FourWire
)

func (m WiringMode) String() string {
	if m == FourWire {
		return "4-wire"
	}
	return "2-wire"
}

// ParseWiringMode accepts the spellings found in config files ("2w", "4-wire",
// "fourwire", ...). Anything that does not start with "4" is two-wire.
func ParseWiringMode(s string) WiringMode {
	if strings.HasPrefix(strings.TrimSpace(s), "4") || strings.EqualFold(strings.TrimSpace(s), "fourwire") {
		return FourWire
	}
	return TwoWire
}

// SweepParameters describes one bidirectional level sweep. StepMagnitude is
// always positive after Normalize; the sign of each step is derived per
// segment by the planner, never stored here.
type SweepParameters struct {
	StartLevel      float64
	StopLevel       float64
	StepMagnitude   float64
	ComplianceLimit float64
	IntegrationNPLC float64
	SettleSeconds   float64
	TotalRuns       int
	Wiring          WiringMode
}

// Normalize folds the step sign into StepMagnitude and defaults TotalRuns.
func (p SweepParameters) Normalize() SweepParameters {
	p.StepMagnitude = math.Abs(p.StepMagnitude)
	if p.TotalRuns < 1 {
		p.TotalRuns = 1
	}
	return p
}

// Validate reports planner input errors before any channel I/O happens.
func (p SweepParameters) Validate() error {
	if math.Abs(p.StepMagnitude) < 1e-15 {
		return fmt.Errorf("%w: step magnitude must not be zero", ErrPlannerInput)
	}
	if p.TotalRuns < 1 {
		return fmt.Errorf("%w: total runs must be at least 1, got %d", ErrPlannerInput, p.TotalRuns)
	}
	return nil
}

// Segment is one monotonic sub-range of the commanded path. Step carries the
// sign of (Stop - Start); a segment never crosses zero internally.
type Segment struct {
	Start float64
	Stop  float64
	Step  float64
}

// MeasurementPair is one (commanded level, measured response) point as parsed
// from the instrument's live output or its readback buffer.
type MeasurementPair struct {
	Level    float64
	Response float64
}

// RunRecord accumulates one run's results. It is owned exclusively by the
// sweep worker goroutine while the run executes; everything crossing to
// another goroutine goes through Snapshot.
type RunRecord struct {
	RunID             uuid.UUID
	RunIndex          int
	StartedAt         time.Time
	FinishedAt        time.Time
	MeasuredLevels    []float64
	MeasuredResponses []float64
	CorrectedLevels   []float64
	RawLines          []string
	PointCount        int
	ColorTag          string
	Adjusted          bool
	BufferMismatch    bool
	Partial           bool
}

// NewRunRecord starts an empty record for runIndex (1-based).
func NewRunRecord(runIndex int, colorTag string) *RunRecord {
	return &RunRecord{
		RunID:     uuid.New(),
		RunIndex:  runIndex,
		StartedAt: time.Now(),
		ColorTag:  colorTag,
	}
}

// AppendPoint records one live-parsed measurement together with the level the
// planner intended at that index.
func (r *RunRecord) AppendPoint(commanded float64, p MeasurementPair) {
	r.MeasuredLevels = append(r.MeasuredLevels, p.Level)
	r.MeasuredResponses = append(r.MeasuredResponses, p.Response)
	r.CorrectedLevels = append(r.CorrectedLevels, commanded)
	r.PointCount = len(r.MeasuredResponses)
}

// ReplaceTail overwrites the trailing n points with the instrument's buffer
// readback, which is preferred over live-parsed output once a segment ends.
func (r *RunRecord) ReplaceTail(pairs []MeasurementPair) {
	n := len(pairs)
	if n == 0 || n > len(r.MeasuredLevels) {
		return
	}
	off := len(r.MeasuredLevels) - n
	for i, p := range pairs {
		r.MeasuredLevels[off+i] = p.Level
		r.MeasuredResponses[off+i] = p.Response
	}
}

// TruncateTo drops points from index n onward. The runner uses it to rebuild
// a segment's span from the buffer readback when the readback disagrees with
// the live-parsed points.
func (r *RunRecord) TruncateTo(n int) {
	if n < 0 || n >= len(r.MeasuredLevels) {
		return
	}
	r.MeasuredLevels = r.MeasuredLevels[:n]
	r.MeasuredResponses = r.MeasuredResponses[:n]
	r.CorrectedLevels = r.CorrectedLevels[:n]
	r.PointCount = n
}

// Snapshot deep-copies the record into an immutable value safe to hand to
// another goroutine while the worker keeps mutating the live record.
func (r *RunRecord) Snapshot() RunSnapshot {
	return RunSnapshot{
		RunID:             r.RunID,
		RunIndex:          r.RunIndex,
		StartedAt:         r.StartedAt,
		FinishedAt:        r.FinishedAt,
		MeasuredLevels:    append([]float64(nil), r.MeasuredLevels...),
		MeasuredResponses: append([]float64(nil), r.MeasuredResponses...),
		CorrectedLevels:   append([]float64(nil), r.CorrectedLevels...),
		RawLines:          append([]string(nil), r.RawLines...),
		PointCount:        r.PointCount,
		ColorTag:          r.ColorTag,
		Adjusted:          r.Adjusted,
		BufferMismatch:    r.BufferMismatch,
		Partial:           r.Partial,
	}
}

// RunSnapshot is a frozen copy of a RunRecord. It is constructed once per
// progress update and never mutated afterwards.
type RunSnapshot struct {
	RunID             uuid.UUID `json:"run_id"`
	RunIndex          int       `json:"run_index"`
	StartedAt         time.Time `json:"started_at"`
	FinishedAt        time.Time `json:"finished_at"`
	MeasuredLevels    []float64 `json:"measured_levels"`
	MeasuredResponses []float64 `json:"measured_responses"`
	CorrectedLevels   []float64 `json:"corrected_levels"`
	RawLines          []string  `json:"raw_lines"`
	PointCount        int       `json:"point_count"`
	ColorTag          string    `json:"color_tag"`
	Adjusted          bool      `json:"adjusted"`
	BufferMismatch    bool      `json:"buffer_mismatch"`
	Partial           bool      `json:"partial"`
}

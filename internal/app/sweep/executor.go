package sweep

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// Executor drives one segment against a channel: segment command, marker
// print, drain-until-marker read loop, buffer readback.
type Executor struct {
	tun ports.Tuning
	obs ports.Observability
}

func NewExecutor(tun ports.Tuning, obs ports.Observability) *Executor {
	tun.ApplyDefaults()
	return &Executor{tun: tun, obs: obs}
}

// SegmentResult is everything one segment produced.
type SegmentResult struct {
	// RawLines holds every non-empty line received before the marker,
	// verbatim, data and informational text alike.
	RawLines []string

	// Pairs is the segment's measurement data: the buffer readback when it
	// is complete, otherwise the live-parsed points.
	Pairs []domain.MeasurementPair

	// BufferMismatch is set when the readback disagreed with the live
	// point count and the live data was used instead. Non-fatal.
	BufferMismatch bool
}

// RunSegment executes one monotonic segment. onPoint fires for every
// live-parsed point before the loop continues, so a consumer can plot as data
// arrives. The channel read timeout is shortened to the poll timeout for the
// duration of the drain loop and restored afterwards, including on error
// paths. A read timeout with the marker still outstanding means the segment
// is simply not done; only cancellation or a hard I/O error ends the loop
// early.
func (e *Executor) RunSegment(
	ctx context.Context,
	ch ports.Channel,
	cmds ports.CommandSet,
	seg domain.Segment,
	p domain.SweepParameters,
	marker string,
	onPoint func(domain.MeasurementPair),
) (SegmentResult, error) {
	var res SegmentResult

	if err := ch.WriteLine(cmds.SegmentCommand(seg, p)); err != nil {
		return res, fmt.Errorf("send segment command: %w", err)
	}
	if err := ch.WriteLine(cmds.PrintMarker(marker)); err != nil {
		return res, fmt.Errorf("send segment marker: %w", err)
	}

	prior := ch.Timeout()
	ch.SetTimeout(e.tun.PollTimeout)
	err := e.drainUntilMarker(ctx, ch, marker, &res, onPoint)
	ch.SetTimeout(prior)
	if err != nil {
		return res, err
	}

	if err := e.readbackBuffer(ch, cmds, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Executor) drainUntilMarker(
	ctx context.Context,
	ch ports.Channel,
	marker string,
	res *SegmentResult,
	onPoint func(domain.MeasurementPair),
) error {
	var live []domain.MeasurementPair
	for {
		if ctx.Err() != nil {
			return domain.ErrSweepCancelled
		}

		line, err := ch.ReadLine()
		if err != nil {
			if ports.IsTimeout(err) {
				// Still waiting for the marker.
				continue
			}
			return fmt.Errorf("waiting for segment output: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == marker {
			break
		}

		res.RawLines = append(res.RawLines, line)
		if pair, ok := parseTriplet(line); ok {
			live = append(live, pair)
			if onPoint != nil {
				onPoint(pair)
			}
		}
	}
	res.Pairs = live
	return nil
}

// readbackBuffer queries the instrument's own persisted record and prefers it
// over the live-parsed points; the buffer reflects what the instrument
// actually committed, while live output can lose lines to parsing. A short or
// empty readback falls back to the live data and flags the mismatch.
func (e *Executor) readbackBuffer(ch ports.Channel, cmds ports.CommandSet, res *SegmentResult) error {
	countLine, err := e.query(ch, cmds.BufferCountQuery())
	if err != nil {
		return fmt.Errorf("query buffer count: %w", err)
	}
	countF, err := strconv.ParseFloat(strings.TrimSpace(countLine), 64)
	if err != nil {
		return fmt.Errorf("parse buffer count %q: %w", countLine, err)
	}
	count := int(countF)
	if count <= 0 {
		if len(res.Pairs) > 0 {
			// Live parsing saw data the buffer claims not to have.
			res.BufferMismatch = true
		}
		return nil
	}

	levels, err := e.fetchFloats(ch, cmds.LevelBufferFetch(count), count)
	if err != nil {
		return err
	}
	responses, err := e.fetchFloats(ch, cmds.ResponseBufferFetch(count), count)
	if err != nil {
		return err
	}

	if len(levels) < count || len(responses) < count {
		if e.obs != nil {
			e.obs.LogError("buffer_readback_short", fmt.Errorf("want %d, got %d levels / %d responses",
				count, len(levels), len(responses)))
		}
		res.BufferMismatch = true
		return nil
	}

	pairs := make([]domain.MeasurementPair, count)
	for i := 0; i < count; i++ {
		pairs[i] = domain.MeasurementPair{Level: levels[i], Response: responses[i]}
	}
	if len(pairs) != len(res.Pairs) {
		res.BufferMismatch = true
	}
	res.Pairs = pairs
	return nil
}

// query is a single command/response exchange at the command timeout.
func (e *Executor) query(ch ports.Channel, cmd string) (string, error) {
	prior := ch.Timeout()
	ch.SetTimeout(e.tun.CommandTimeout)
	defer ch.SetTimeout(prior)

	if err := ch.WriteLine(cmd); err != nil {
		return "", err
	}
	return ch.ReadLine()
}

// fetchFloats issues a buffer fetch and accumulates float tokens across
// however many lines the instrument spreads them over, until want tokens have
// arrived or the channel goes quiet. Going quiet early is not an error here;
// the caller treats a short result as a readback mismatch.
func (e *Executor) fetchFloats(ch ports.Channel, cmd string, want int) ([]float64, error) {
	prior := ch.Timeout()
	ch.SetTimeout(e.tun.CommandTimeout)
	defer ch.SetTimeout(prior)

	if err := ch.WriteLine(cmd); err != nil {
		return nil, err
	}

	var values []float64
	for len(values) < want {
		line, err := ch.ReadLine()
		if err != nil {
			if ports.IsTimeout(err) {
				break
			}
			return nil, fmt.Errorf("read buffer data: %w", err)
		}
		values = append(values, parseFloatList(line)...)
		// Anything after the first line arrives fast or not at all.
		ch.SetTimeout(e.tun.PollTimeout)
	}
	return values, nil
}

// parseTriplet attempts the permissive numeric-triplet parse of a live output
// line: point index, level, response. Commas and whitespace are equivalent
// separators. Lines that do not parse stay informational.
func parseTriplet(line string) (domain.MeasurementPair, bool) {
	parts := strings.Fields(strings.ReplaceAll(line, ",", " "))
	if len(parts) < 3 {
		return domain.MeasurementPair{}, false
	}
	if _, err := strconv.ParseFloat(parts[0], 64); err != nil {
		return domain.MeasurementPair{}, false
	}
	level, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return domain.MeasurementPair{}, false
	}
	response, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return domain.MeasurementPair{}, false
	}
	return domain.MeasurementPair{Level: level, Response: response}, true
}

// parseFloatList parses a flat token list, treating commas and newlines as
// equivalent separators and skipping empty and non-numeric tokens.
func parseFloatList(text string) []float64 {
	replaced := strings.NewReplacer(",", " ", "\n", " ").Replace(text)
	var values []float64
	for _, token := range strings.Fields(replaced) {
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values
}

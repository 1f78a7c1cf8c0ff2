package sweep

import (
	"fmt"
	"math"

	"github.com/eminmutu/sweepflow/internal/domain"
	"github.com/eminmutu/sweepflow/internal/ports"
)

// Plan maps sweep parameters onto an ordered list of monotonic segments plus
// the full commanded-level path. The sweep always moves out from zero and
// back: if the window reaches above zero it emits 0→positive→0, if it reaches
// below zero it emits 0→negative→0. Zero crossings are therefore always
// segment boundaries, which keeps every segment monotonic and makes the
// reconciler's first-deviation rule well-defined. Only a degenerate window
// whose endpoints both sit within ε of zero falls back to a single direct
// start→stop segment.
func Plan(p domain.SweepParameters, tun ports.Tuning) ([]domain.Segment, []float64, error) {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	eps := p.StepMagnitude*tun.PlannerEpsilonScale + tun.PlannerEpsilonFloor
	if eps <= 0 {
		return nil, nil, fmt.Errorf("%w: epsilon collapsed to %g", domain.ErrPlannerInput, eps)
	}

	var (
		segments []domain.Segment
		path     []float64
	)

	appendSegment := func(start, stop float64) {
		if math.Abs(start-stop) <= eps {
			return
		}
		step := p.StepMagnitude
		if stop < start {
			step = -step
		}
		segments = append(segments, domain.Segment{Start: start, Stop: stop, Step: step})
		path = append(path, ladder(start, stop, step, eps)...)
	}

	positiveTarget := math.Max(math.Max(p.StartLevel, p.StopLevel), 0)
	negativeTarget := math.Min(math.Min(p.StartLevel, p.StopLevel), 0)

	if positiveTarget > eps {
		appendSegment(0, positiveTarget)
		appendSegment(positiveTarget, 0)
	}
	if negativeTarget < -eps {
		appendSegment(0, negativeTarget)
		appendSegment(negativeTarget, 0)
	}

	if len(segments) == 0 {
		step := p.StepMagnitude
		if p.StopLevel < p.StartLevel {
			step = -step
		}
		segments = append(segments, domain.Segment{Start: p.StartLevel, Stop: p.StopLevel, Step: step})
		path = ladder(p.StartLevel, p.StopLevel, step, eps)
	}
	if len(path) == 0 {
		path = append(path, 0)
	}

	return segments, path, nil
}

// ladder generates the level sequence for one segment, clamping the final
// step so the sequence lands exactly on stop. The epsilon comparisons stop
// the loop once the running level is within drift distance of the target.
func ladder(start, stop, step, eps float64) []float64 {
	levels := []float64{start}
	if math.Abs(step) <= eps {
		return levels
	}
	dir := 1.0
	if step < 0 {
		dir = -1.0
	}
	current := start
	for {
		next := current + step
		if dir > 0 && next > stop+eps {
			next = stop
		} else if dir < 0 && next < stop-eps {
			next = stop
		}
		if math.Abs(next-current) <= eps {
			break
		}
		levels = append(levels, next)
		current = next
		if math.Abs(current-stop) <= eps {
			// Snap accumulated float drift onto the commanded endpoint.
			levels[len(levels)-1] = stop
			break
		}
	}
	return levels
}

package sweep

import (
	"math"

	"github.com/eminmutu/sweepflow/internal/ports"
)

// Reconcile compares a commanded level sequence with the measured one and
// returns the corrected sequence plus whether any correction happened.
//
// When a source instrument hits its compliance limit it silently clamps the
// level it actually drives. Once the first point deviates beyond tolerance,
// every later point in the same segment is replaced with the commanded value
// even if it individually falls back inside tolerance: after a limit event
// the instrument tends to flip between clamped and nominal values, and a
// uniform tail keeps adjacent runs comparable. Points before the first
// deviation pass through measured; points beyond the commanded length pass
// through untouched.
func Reconcile(commanded, measured []float64, tun ports.Tuning) ([]float64, bool) {
	if len(commanded) == 0 || len(measured) == 0 {
		return append([]float64(nil), measured...), false
	}

	length := len(commanded)
	if len(measured) < length {
		length = len(measured)
	}

	tolerance := math.Max(baseStep(commanded, length)*tun.ReconcileToleranceFactor, tun.ReconcileToleranceFloor)

	out := make([]float64, 0, len(measured))
	stuck := false
	adjusted := false
	for i := 0; i < length; i++ {
		if !stuck && math.Abs(commanded[i]-measured[i]) > tolerance {
			stuck = true
		}
		if stuck {
			out = append(out, commanded[i])
			adjusted = true
		} else {
			out = append(out, measured[i])
		}
	}
	out = append(out, measured[length:]...)
	return out, adjusted
}

// baseStep is the smallest non-zero gap between consecutive commanded levels.
// It captures the sweep's nominal granularity even across a non-uniform
// ladder (the clamped final step of a segment is usually smaller).
func baseStep(commanded []float64, length int) float64 {
	base := 0.0
	for i := 0; i+1 < length; i++ {
		d := math.Abs(commanded[i+1] - commanded[i])
		if d <= 1e-12 {
			continue
		}
		if base == 0 || d < base {
			base = d
		}
	}
	return base
}

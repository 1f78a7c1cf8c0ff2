package observability

import (
	"fmt"
	"log"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eminmutu/sweepflow/internal/ports"
)

// PromObs backs the Observability port with Prometheus collectors plus plain
// stdlib logging.
type PromObs struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// NewPromObs registers the sweep metrics on reg. A nil reg uses the default
// registry (tests pass their own to avoid duplicate-registration panics).
func NewPromObs(reg prometheus.Registerer) *PromObs {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	segments := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweepflow_segments_completed_total",
		Help: "Segments fully executed, including buffer readback.",
	})
	points := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweepflow_points_measured_total",
		Help: "Measurement points recorded across all runs.",
	})
	adjusted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweepflow_runs_adjusted_total",
		Help: "Segments where reconciliation substituted commanded levels.",
	})
	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweepflow_sweeps_failed_total",
		Help: "Sweeps that ended with a channel or protocol error.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweepflow_progress_dropped_total",
		Help: "Progress events dropped due to a full dispatch queue.",
	})
	triggers := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sweepflow_triggers_fired_total",
		Help: "External triggers that handed the channel to a sweep.",
	})
	queueLen := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sweepflow_progress_queue_length",
		Help: "Events currently buffered in the dispatch queue.",
	})
	journalSize := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sweepflow_journal_size_bytes",
		Help: "On-disk size of the run journal.",
	})
	sweepRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sweepflow_sweep_running",
		Help: "1 while a sweep worker owns the channel, 0 otherwise.",
	})
	segmentDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweepflow_segment_duration_seconds",
		Help:    "Wall time per segment from command to readback.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	sweepDur := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweepflow_sweep_duration_seconds",
		Help:    "Wall time per sweep across all runs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})

	reg.MustRegister(segments, points, adjusted, failed, dropped, triggers, queueLen, journalSize, sweepRunning, segmentDur, sweepDur)

	return &PromObs{
		counters: map[string]prometheus.Counter{
			"sweepflow_segments_completed_total": segments,
			"sweepflow_points_measured_total":    points,
			"sweepflow_runs_adjusted_total":      adjusted,
			"sweepflow_sweeps_failed_total":      failed,
			"sweepflow_progress_dropped_total":   dropped,
			"sweepflow_triggers_fired_total":     triggers,
		},
		gauges: map[string]prometheus.Gauge{
			"sweepflow_progress_queue_length": queueLen,
			"sweepflow_journal_size_bytes":    journalSize,
			"sweepflow_sweep_running":         sweepRunning,
		},
		histos: map[string]prometheus.Observer{
			"sweepflow_segment_duration_seconds": segmentDur,
			"sweepflow_sweep_duration_seconds":   sweepDur,
		},
	}
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	log.Printf("INFO: %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	if err != nil {
		log.Printf("ERROR: %s: %v%s", msg, err, formatFields(fields))
	}
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	if err != nil {
		log.Printf("CRITICAL: %s: %v%s", msg, err, formatFields(fields))
	}
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}

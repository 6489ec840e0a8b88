// Package metrics records step timings and run verdicts for the
// verification pipeline. A nil *Recorder is valid and records nothing,
// so callers never need to guard instrumentation sites.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder aggregates pipeline observations into prometheus collectors.
type Recorder struct {
	stepDuration *prometheus.HistogramVec
	verdicts     *prometheus.CounterVec
}

// NewRecorder registers the pipeline collectors on reg. Passing
// prometheus.DefaultRegisterer wires the process-global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "compatcheck",
			Name:      "step_duration_seconds",
			Help:      "Wall time of each verification pipeline step.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"step"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compatcheck",
			Name:      "run_verdicts_total",
			Help:      "Verification run verdicts by direction.",
		}, []string{"direction", "verdict"}),
	}
	reg.MustRegister(r.stepDuration, r.verdicts)
	return r
}

// ObserveStep records the wall time of one pipeline step.
func (r *Recorder) ObserveStep(step string, d time.Duration) {
	if r == nil {
		return
	}
	r.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// TimeStep runs fn and records its wall time under step.
func (r *Recorder) TimeStep(step string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.ObserveStep(step, time.Since(start))
	return err
}

// RecordVerdict counts one finished run.
func (r *Recorder) RecordVerdict(direction, verdict string) {
	if r == nil {
		return
	}
	r.verdicts.WithLabelValues(direction, verdict).Inc()
}

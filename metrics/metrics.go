// Package metrics exposes calculation metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/allocation-engine/billing"
)

// Recorder implements billing.Recorder on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	calculations *prometheus.CounterVec
	duration     prometheus.Histogram
	units        prometheus.Counter
	degraded     *prometheus.CounterVec
}

// NewRecorder registers the billing collectors plus the Go and process
// collectors on a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_calculations_total",
			Help: "Calculation runs by outcome (success, error, conflict).",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billing_calculation_duration_seconds",
			Help:    "Wall time of calculation runs.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		units: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billing_units_processed_total",
			Help: "Units settled by successful runs.",
		}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_degraded_lines_total",
			Help: "Service lines that fell back to zero, by methodology.",
		}, []string{"methodology"}),
	}

	r.registry.MustRegister(
		r.calculations, r.duration, r.units, r.degraded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// CalculationFinished records one run.
func (r *Recorder) CalculationFinished(outcome string, elapsed time.Duration, units int) {
	r.calculations.WithLabelValues(outcome).Inc()
	if outcome == "conflict" {
		return
	}
	r.duration.Observe(elapsed.Seconds())
	r.units.Add(float64(units))
}

// LineDegraded records one zero-cost fallback.
func (r *Recorder) LineDegraded(m billing.MethodologyType) {
	r.degraded.WithLabelValues(string(m)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

var _ billing.Recorder = (*Recorder)(nil)

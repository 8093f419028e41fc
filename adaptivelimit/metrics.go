/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package adaptivelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Rate change directions used as label values.
const (
	RateChangeDecrease = "decrease"
	RateChangeIncrease = "increase"
)

// DefaultAdmissionWaitBuckets are the default histogram buckets (in seconds) for admission wait durations.
var DefaultAdmissionWaitBuckets = []float64{0, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60}

// MetricsCollector represents a collector of metrics describing the limiter state.
type MetricsCollector interface {
	// SetEffectiveRate sets the current effective rate.
	SetEffectiveRate(rate int)

	// SetEMALatency sets the current EMA of latency.
	SetEMALatency(ema time.Duration)

	// IncRateChanges increments the number of effective rate transitions in the given direction.
	IncRateChanges(direction string)

	// ObserveAdmissionWait observes how long a request waited before it was admitted.
	ObserveAdmissionWait(d time.Duration)

	// IncRejects increments the number of requests that were not admitted.
	IncRejects()
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with the provided labels.
	// See PrometheusMetrics.MustCurryWith method for more details.
	// Keep in mind that if this list is not empty,
	// PrometheusMetrics.MustCurryWith method must be called further with the same labels.
	// Otherwise, the collector will panic.
	CurriedLabelNames []string

	// AdmissionWaitBuckets is a list of buckets for the admission wait histogram.
	// DefaultAdmissionWaitBuckets is used if empty.
	AdmissionWaitBuckets []float64
}

// PrometheusMetrics represents a Prometheus metrics for the limiter.
type PrometheusMetrics struct {
	EffectiveRate    *prometheus.GaugeVec
	EMALatency       *prometheus.GaugeVec
	RateChangesTotal *prometheus.CounterVec
	AdmissionWait    *prometheus.HistogramVec
	AdmissionRejects *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.AdmissionWaitBuckets
	if len(buckets) == 0 {
		buckets = DefaultAdmissionWaitBuckets
	}
	rateChangesLabels := append(append(make([]string, 0, len(opts.CurriedLabelNames)+1), opts.CurriedLabelNames...), "direction")

	return &PrometheusMetrics{
		EffectiveRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "governor_effective_rate",
			Help:        "Current number of admissions allowed per window.",
			ConstLabels: opts.ConstLabels,
		}, opts.CurriedLabelNames),
		EMALatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "governor_ema_latency_seconds",
			Help:        "Exponential moving average of backend latency.",
			ConstLabels: opts.ConstLabels,
		}, opts.CurriedLabelNames),
		RateChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "governor_rate_changes_total",
			Help:        "Number of effective rate transitions.",
			ConstLabels: opts.ConstLabels,
		}, rateChangesLabels),
		AdmissionWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "governor_admission_wait_seconds",
			Help:        "Time requests spent waiting for admission.",
			Buckets:     buckets,
			ConstLabels: opts.ConstLabels,
		}, opts.CurriedLabelNames),
		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "governor_admission_rejects_total",
			Help:        "Number of requests that were not admitted.",
			ConstLabels: opts.ConstLabels,
		}, opts.CurriedLabelNames),
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		EffectiveRate:    pm.EffectiveRate.MustCurryWith(labels),
		EMALatency:       pm.EMALatency.MustCurryWith(labels),
		RateChangesTotal: pm.RateChangesTotal.MustCurryWith(labels),
		AdmissionWait:    pm.AdmissionWait.MustCurryWith(labels).(*prometheus.HistogramVec),
		AdmissionRejects: pm.AdmissionRejects.MustCurryWith(labels),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.EffectiveRate,
		pm.EMALatency,
		pm.RateChangesTotal,
		pm.AdmissionWait,
		pm.AdmissionRejects,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.EffectiveRate)
	prometheus.Unregister(pm.EMALatency)
	prometheus.Unregister(pm.RateChangesTotal)
	prometheus.Unregister(pm.AdmissionWait)
	prometheus.Unregister(pm.AdmissionRejects)
}

// SetEffectiveRate sets the current effective rate.
func (pm *PrometheusMetrics) SetEffectiveRate(rate int) {
	pm.EffectiveRate.With(nil).Set(float64(rate))
}

// SetEMALatency sets the current EMA of latency.
func (pm *PrometheusMetrics) SetEMALatency(ema time.Duration) {
	pm.EMALatency.With(nil).Set(ema.Seconds())
}

// IncRateChanges increments the number of effective rate transitions in the given direction.
func (pm *PrometheusMetrics) IncRateChanges(direction string) {
	pm.RateChangesTotal.With(prometheus.Labels{"direction": direction}).Inc()
}

// ObserveAdmissionWait observes how long a request waited before it was admitted.
func (pm *PrometheusMetrics) ObserveAdmissionWait(d time.Duration) {
	pm.AdmissionWait.With(nil).Observe(d.Seconds())
}

// IncRejects increments the number of requests that were not admitted.
func (pm *PrometheusMetrics) IncRejects() {
	pm.AdmissionRejects.With(nil).Inc()
}

type disabledMetrics struct{}

func (disabledMetrics) SetEffectiveRate(int)               {}
func (disabledMetrics) SetEMALatency(time.Duration)        {}
func (disabledMetrics) IncRateChanges(string)              {}
func (disabledMetrics) ObserveAdmissionWait(time.Duration) {}
func (disabledMetrics) IncRejects()                        {}

var disabledMetricsCollector = disabledMetrics{}

// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the collector.
type Metrics struct {
	// Fetch metrics
	FetchAttempts     *prometheus.CounterVec
	FetchFailures     *prometheus.CounterVec
	FetchExhausted    *prometheus.CounterVec
	FetchLatency      *prometheus.HistogramVec
	InstrumentChoices *prometheus.CounterVec

	// Cycle metrics
	CyclesTotal    *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	AssetFailures  *prometheus.CounterVec
	FieldsCaptured *prometheus.GaugeVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulCycle prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered on reg.
// A nil reg registers on the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "deribit_lab"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FetchAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempts_total",
			Help:      "Total number of upstream request attempts by endpoint",
		}, []string{"endpoint"}),
		FetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempt_failures_total",
			Help:      "Total number of failed upstream request attempts by endpoint",
		}, []string{"endpoint"}),
		FetchExhausted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "exhausted_total",
			Help:      "Total number of requests that failed after all retries",
		}, []string{"endpoint"}),
		FetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "attempt_latency_seconds",
			Help:      "Upstream request attempt latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		InstrumentChoices: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Instrument resolutions by asset and fallback step",
		}, []string{"asset", "step"}),

		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "runs_total",
			Help:      "Total number of collection cycles by outcome",
		}, []string{"status"}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "duration_seconds",
			Help:      "Collection cycle duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		AssetFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "asset_failures_total",
			Help:      "Per-asset failures by stage",
		}, []string{"asset", "stage"}),
		FieldsCaptured: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cycle",
			Name:      "fields_captured",
			Help:      "Number of non-null columns in the last record per asset",
		}, []string{"asset"}),

		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		LastSuccessfulCycle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_cycle_timestamp",
			Help:      "Unix timestamp of last persisted cycle",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HealthHandler answers 200 "ok" for liveness probes.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordFetchAttempt records one upstream attempt and its outcome.
func RecordFetchAttempt(endpoint string, seconds float64, err error) {
	DefaultMetrics.FetchAttempts.WithLabelValues(endpoint).Inc()
	DefaultMetrics.FetchLatency.WithLabelValues(endpoint).Observe(seconds)
	if err != nil {
		DefaultMetrics.FetchFailures.WithLabelValues(endpoint).Inc()
	}
}

// RecordFetchExhausted records a request that failed on every attempt.
func RecordFetchExhausted(endpoint string) {
	DefaultMetrics.FetchExhausted.WithLabelValues(endpoint).Inc()
}

// RecordResolution records which fallback step picked an asset's instrument.
func RecordResolution(asset, step string) {
	DefaultMetrics.InstrumentChoices.WithLabelValues(asset, step).Inc()
}

// RecordAssetFailure records a per-asset failure at a cycle stage.
func RecordAssetFailure(asset, stage string) {
	DefaultMetrics.AssetFailures.WithLabelValues(asset, stage).Inc()
}

// RecordFieldsCaptured sets the number of non-null columns captured for an asset.
func RecordFieldsCaptured(asset string, n int) {
	DefaultMetrics.FieldsCaptured.WithLabelValues(asset).Set(float64(n))
}

// RecordCycle records a finished cycle. status is one of persisted, skipped, failed, locked.
func RecordCycle(status string, seconds float64) {
	DefaultMetrics.CyclesTotal.WithLabelValues(status).Inc()
	DefaultMetrics.CycleDuration.Observe(seconds)
	if status == "persisted" {
		DefaultMetrics.LastSuccessfulCycle.Set(float64(time.Now().Unix()))
	}
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

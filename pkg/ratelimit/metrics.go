package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the limiter's Prometheus instruments.
type Metrics struct {
	WaitSeconds   *prometheus.HistogramVec
	Upstream429   *prometheus.CounterVec
	EstimateRatio prometheus.Histogram
}

// NewMetrics creates and registers the limiter instruments.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a rate-limit permit",
			Buckets: []float64{.005, .05, .25, 1, 2.5, 5, 15, 30, 60, 120},
		}, []string{"provider", "model"}),
		Upstream429: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_upstream_429_total",
			Help: "Upstream 429 responses observed",
		}, []string{"provider"}),
		EstimateRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_ratelimit_token_estimate_ratio",
			Help:    "Actual tokens used divided by the estimate reserved",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1, 1.25, 1.5, 2, 4},
		}),
	}
	reg.MustRegister(m.WaitSeconds, m.Upstream429, m.EstimateRatio)
	return m
}

package crawler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the engine. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	PagesTotal      *prometheus.CounterVec
	ItemsTotal      *prometheus.CounterVec
	SkipsTotal      *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_requests_total",
			Help: "HTTP requests issued, by target and outcome.",
		},
		[]string{"target", "outcome"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawler_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Retry attempts scheduled, by target and reason.",
		},
		[]string{"target", "reason"},
	)
	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_listing_pages_total",
			Help: "Listing pages fetched.",
		},
		[]string{"target"},
	)
	items := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_items_total",
			Help: "Items produced after deduplication.",
		},
		[]string{"target"},
	)
	skips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_skips_total",
			Help: "Candidates skipped, by reason.",
		},
		[]string{"target", "reason"},
	)

	registry.MustRegister(requests, requestDuration, retries, pages, items, skips)

	return &Metrics{
		Registry:        registry,
		RequestsTotal:   requests,
		RequestDuration: requestDuration,
		RetriesTotal:    retries,
		PagesTotal:      pages,
		ItemsTotal:      items,
		SkipsTotal:      skips,
	}
}

// ObserveRequest records one HTTP attempt.
func (m *Metrics) ObserveRequest(target string, outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(target, outcome.String()).Inc()
	m.RequestDuration.WithLabelValues(target).Observe(d.Seconds())
}

// IncRetry increments the retries counter.
func (m *Metrics) IncRetry(target, reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(target, reason).Inc()
}

// IncPage increments the listing pages counter.
func (m *Metrics) IncPage(target string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(target).Inc()
}

// AddItems adds n to the items counter.
func (m *Metrics) AddItems(target string, n int) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(target).Add(float64(n))
}

// IncSkip increments the skips counter for a reason label.
func (m *Metrics) IncSkip(target, reason string) {
	if m == nil {
		return
	}
	m.SkipsTotal.WithLabelValues(target, reason).Inc()
}

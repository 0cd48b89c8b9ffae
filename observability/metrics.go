package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics
)

// OracleMetrics bundles the collectors exported by the oracle daemon.
type OracleMetrics struct {
	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	points        *prometheus.CounterVec
	relays        *prometheus.CounterVec
	registrations *prometheus.CounterVec
	lastSync      *prometheus.GaugeVec
}

// Oracle returns the lazily-initialised oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "evmoracle",
				Subsystem: "prices",
				Name:      "fetches_total",
				Help:      "External price fetches segmented by source and outcome.",
			}, []string{"source", "outcome"}),
			fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "evmoracle",
				Subsystem: "prices",
				Name:      "fetch_duration_seconds",
				Help:      "Latency distribution of external price fetches.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"source"}),
			points: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "evmoracle",
				Subsystem: "prices",
				Name:      "points_written_total",
				Help:      "Price points appended to the time series store.",
			}, []string{"source"}),
			relays: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "evmoracle",
				Subsystem: "relay",
				Name:      "transactions_total",
				Help:      "Transactions submitted to the EVM side segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "evmoracle",
				Subsystem: "registrar",
				Name:      "attempts_total",
				Help:      "Self account registration attempts segmented by outcome.",
			}, []string{"outcome"}),
			lastSync: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "evmoracle",
				Subsystem: "prices",
				Name:      "last_sync_timestamp_seconds",
				Help:      "Unix timestamp of the last successful sync per source.",
			}, []string{"source"}),
		}
		prometheus.MustRegister(
			oracleRegistry.fetches,
			oracleRegistry.fetchLatency,
			oracleRegistry.points,
			oracleRegistry.relays,
			oracleRegistry.registrations,
			oracleRegistry.lastSync,
		)
	})
	return oracleRegistry
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func normaliseLabel(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return "unknown"
	}
	return value
}

// ObserveFetch records one external fetch and, on success, the number of
// points it produced.
func (m *OracleMetrics) ObserveFetch(source string, points int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	source = normaliseLabel(source)
	m.fetches.WithLabelValues(source, outcomeLabel(err)).Inc()
	m.fetchLatency.WithLabelValues(source).Observe(duration.Seconds())
	if err != nil {
		return
	}
	if points > 0 {
		m.points.WithLabelValues(source).Add(float64(points))
	}
	m.lastSync.WithLabelValues(source).Set(float64(time.Now().Unix()))
}

// RecordRelay counts a relay transaction such as "deploy", "add_pair" or
// "update_answers".
func (m *OracleMetrics) RecordRelay(kind string, err error) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(normaliseLabel(kind), outcomeLabel(err)).Inc()
}

// RecordRegistration counts a registration attempt. Outcomes are stable
// strings: "registered", "already_registered" or "error".
func (m *OracleMetrics) RecordRegistration(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(normaliseLabel(outcome)).Inc()
}

type httpMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// HTTP returns the registry recording API requests by route.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "evmoracle",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "API requests segmented by route and status class.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "evmoracle",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

// Observe records the outcome of an API request.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requests.WithLabelValues(route, method, class).Inc()
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

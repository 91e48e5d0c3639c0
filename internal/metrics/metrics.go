// Package metrics exposes Prometheus collectors for the metadata pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Publish result labels.
const (
	PublishSuccess  = "success"
	PublishRejected = "rejected"
	PublishFailed   = "failed"
)

var (
	publishTotal               *prometheus.CounterVec
	publishDurationSeconds     prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	messagesTotal              *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	brokerReconnectsTotal      *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		publishTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metadata_publish_total",
				Help: "Total number of broker publish attempts, labeled by result.",
			},
			[]string{"result"},
		)

		publishDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "metadata_publish_duration_seconds",
				Help:    "Histogram of publish-and-confirm latencies.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metadata_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metadata_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		messagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metadata_messages_total",
				Help: "Total number of consumed messages, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metadata_fetch_duration_seconds",
				Help:    "Histogram of outbound fetch latencies, labeled by result.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 15, 30},
			},
			[]string{"result"},
		)

		brokerReconnectsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metadata_broker_reconnects_total",
				Help: "Total successful broker reconnects, labeled by component.",
			},
			[]string{"component"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePublish records one publish attempt and its latency.
func ObservePublish(result string, duration time.Duration) {
	Init()
	publishTotal.WithLabelValues(result).Inc()
	publishDurationSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveMessage counts one consumed message by outcome.
func ObserveMessage(outcome string) {
	Init()
	messagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records one outbound fetch and its latency.
func ObserveFetch(result string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveBrokerReconnect counts a reconnect attempt for the component.
func ObserveBrokerReconnect(component string) {
	Init()
	brokerReconnectsTotal.WithLabelValues(component).Inc()
}

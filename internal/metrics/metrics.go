// Package metrics exposes process-wide Prometheus collectors for the job server.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	webhookEventsTotal         *prometheus.CounterVec
	jobsCreatedTotal           prometheus.Counter
	fifoBindingsTotal          prometheus.Counter
	busSubscribers             prometheus.Gauge
	busEventsPublishedTotal    prometheus.Counter
	busEventsDroppedTotal      prometheus.Counter
	busSubscribersPrunedTotal  prometheus.Counter
	streamConnections          *prometheus.GaugeVec
	workerInvocationsTotal     *prometheus.CounterVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		webhookEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobserver_webhook_events_total",
				Help: "Webhook events received, labeled by event kind and outcome.",
			},
			[]string{"event", "outcome"},
		)

		jobsCreatedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobserver_jobs_created_total",
				Help: "Total number of extraction jobs created.",
			},
		)

		fifoBindingsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobserver_fifo_bindings_total",
				Help: "Worker job ids bound by oldest-pending fallback instead of an explicit app job id.",
			},
		)

		busSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "jobserver_bus_subscribers",
				Help: "Current number of live event bus subscriptions.",
			},
		)

		busEventsPublishedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobserver_bus_events_published_total",
				Help: "Events handed to at least one subscriber.",
			},
		)

		busEventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobserver_bus_events_dropped_total",
				Help: "Per-subscriber deliveries skipped because the subscriber buffer was full.",
			},
		)

		busSubscribersPrunedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "jobserver_bus_subscribers_pruned_total",
				Help: "Subscriptions removed by the bus after a failed delivery.",
			},
		)

		streamConnections = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jobserver_stream_connections",
				Help: "Open stream connections, labeled by transport.",
			},
			[]string{"transport"},
		)

		workerInvocationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jobserver_worker_invocations_total",
				Help: "Extraction worker invocations, labeled by worker host and outcome.",
			},
			[]string{"site", "outcome"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveWebhookEvent counts one ingested webhook event.
func ObserveWebhookEvent(event, outcome string) {
	Init()
	webhookEventsTotal.WithLabelValues(event, outcome).Inc()
}

// ObserveJobCreated counts a newly created job.
func ObserveJobCreated() {
	Init()
	jobsCreatedTotal.Inc()
}

// ObserveFIFOBinding counts a heuristic oldest-pending binding.
func ObserveFIFOBinding() {
	Init()
	fifoBindingsTotal.Inc()
}

// AddBusSubscribers moves the live subscription gauge by delta.
func AddBusSubscribers(delta int) {
	Init()
	busSubscribers.Add(float64(delta))
}

// ObserveBusPublish counts an event delivered to at least one subscriber.
func ObserveBusPublish() {
	Init()
	busEventsPublishedTotal.Inc()
}

// ObserveBusDrop counts a delivery skipped for a full subscriber buffer.
func ObserveBusDrop() {
	Init()
	busEventsDroppedTotal.Inc()
}

// ObserveBusPrune counts a subscription removed by the bus.
func ObserveBusPrune() {
	Init()
	busSubscribersPrunedTotal.Inc()
}

// IncStreamConnections increments the open stream gauge for transport.
func IncStreamConnections(transport string) {
	Init()
	streamConnections.WithLabelValues(transport).Inc()
}

// DecStreamConnections decrements the open stream gauge for transport.
func DecStreamConnections(transport string) {
	Init()
	streamConnections.WithLabelValues(transport).Dec()
}

// ObserveWorkerInvocation counts an extraction worker call.
func ObserveWorkerInvocation(workerURL, outcome string) {
	Init()
	workerInvocationsTotal.WithLabelValues(SanitizeSite(workerURL), outcome).Inc()
}

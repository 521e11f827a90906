package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the server and worker.
	Registry = prometheus.NewRegistry()

	// EventsPublished counts bus publications by event type.
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shiftline_events_published_total", Help: "Events published on the in-process bus."},
		[]string{"event_type"},
	)
	// SubscriberFailures counts subscriber handlers that returned an error or panicked.
	SubscriberFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shiftline_event_subscriber_failures_total", Help: "Event subscriber failures by subscriber."},
		[]string{"subscriber"},
	)
	// JobsEnqueued counts queue jobs by name.
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shiftline_queue_jobs_enqueued_total", Help: "Jobs added to the queue."},
		[]string{"job"},
	)
	// JobsProcessed counts finished queue jobs by name and outcome.
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shiftline_queue_jobs_processed_total", Help: "Jobs processed by the queue worker."},
		[]string{"job", "outcome"},
	)
	// WebhookAttempts counts delivery attempts by event type and status.
	WebhookAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shiftline_webhook_attempts_total", Help: "Webhook delivery attempts by event type and resulting status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks attempt durations in milliseconds.
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "shiftline_webhook_attempt_latency_ms", Help: "Webhook attempt latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000}},
		[]string{"event_type", "outcome"},
	)
	// EndpointsDisabled counts automatic endpoint disables.
	EndpointsDisabled = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "shiftline_webhook_endpoints_disabled_total", Help: "Endpoints disabled after consecutive failures."},
	)
	// DeliveriesResumed counts stalled deliveries re-enqueued by the sweeper.
	DeliveriesResumed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "shiftline_webhook_deliveries_resumed_total", Help: "Stalled webhook deliveries re-enqueued."},
	)
	// QueueDepth reports jobs per queue state.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "shiftline_queue_depth", Help: "Jobs in the queue by state."},
		[]string{"state"},
	)
)

var regOnce sync.Once

// RegisterDefault registers all collectors on Registry. Safe to call more than once.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(EventsPublished)
		Registry.MustRegister(SubscriberFailures)
		Registry.MustRegister(JobsEnqueued)
		Registry.MustRegister(JobsProcessed)
		Registry.MustRegister(WebhookAttempts)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(EndpointsDisabled)
		Registry.MustRegister(DeliveriesResumed)
		Registry.MustRegister(QueueDepth)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterDefault()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

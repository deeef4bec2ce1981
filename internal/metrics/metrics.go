package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// ShipmentsCreated counts committed shipments by carrier and fan-out branch
	ShipmentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "shipments_created_total", Help: "Shipments created by carrier type and delivery type."},
		[]string{"carrier_type", "delivery_type"},
	)
	// CarrierEvents counts inbound carrier webhooks by outcome (applied, orphan, unhandled, invalid_signature, error)
	CarrierEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "carrier_events_total", Help: "Inbound carrier events by carrier and outcome."},
		[]string{"carrier", "outcome"},
	)
	// SideEffects counts post-commit side effects (commission, mail, realtime) by result
	SideEffects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "commission_side_effects_total", Help: "Post-commit side effects by action and result."},
		[]string{"action", "result"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(ShipmentsCreated)
		Registry.MustRegister(CarrierEvents)
		Registry.MustRegister(SideEffects)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

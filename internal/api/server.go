// Package api exposes the shipment service over HTTP.
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"shipflow/internal/metrics"
	"shipflow/internal/realtime"
	"shipflow/internal/shipping"
	"shipflow/internal/store"
	"shipflow/internal/webhooks"
)

type Server struct {
	Store    store.Store
	Shipping *shipping.Service
	Gateway  *webhooks.Gateway
	Broker   realtime.Broker
	Log      *zap.Logger

	// Limiter throttles inbound carrier webhooks.
	Limiter *rate.Limiter
	// Production hides internal error text from 5xx responses.
	Production bool
}

func NewServer(st store.Store, svc *shipping.Service, gw *webhooks.Gateway, broker realtime.Broker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Store:    st,
		Shipping: svc,
		Gateway:  gw,
		Broker:   broker,
		Log:      log,
		Limiter:  rate.NewLimiter(rate.Inf, 0),
	}
}

// WithRateLimit sets the carrier webhook limiter. rps <= 0 disables limiting.
func (s *Server) WithRateLimit(rps float64, burst int) *Server {
	if rps <= 0 {
		s.Limiter = rate.NewLimiter(rate.Inf, 0)
		return s
	}
	s.Limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	return s
}

// Routes registers every endpoint on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Shipments
	mux.HandleFunc("/v1/shipments", s.ShipmentsHandler)
	mux.HandleFunc("/v1/shipments/", s.ShipmentByRefHandler) // includes /status, /cancel, /events/stream
	mux.HandleFunc("/v1/orders/", s.OrderTrackingHandler)
	mux.HandleFunc("/v1/ws", s.ShipmentWSHandler)

	// Carrier webhooks
	mux.HandleFunc("/v1/webhooks/", s.CarrierWebhookHandler)

	// Subscriptions
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)

	// Admin
	mux.HandleFunc("/v1/admin/webhook-logs", s.WebhookLogsHandler)
	mux.HandleFunc("/v1/admin/webhook-logs/", s.WebhookLogReplayHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)

	// Health, docs, metrics
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

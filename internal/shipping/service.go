// Package shipping turns checkout payloads into shipments and keeps their
// status in step with carrier events.
package shipping

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"shipflow/internal/metrics"
	"shipflow/internal/notify"
	"shipflow/internal/realtime"
	"shipflow/internal/store"
)

// Ledger is the commission ledger collaborator.
type Ledger interface {
	CreateCommission(ctx context.Context, orderRef, userID string, rate float64) error
	ApproveCommission(ctx context.Context, orderRef string) error
	ReverseCommission(ctx context.Context, orderRef string, amount float64) error
}

type Mailer interface {
	SendMail(ctx context.Context, m notify.Mail) error
}

// Emitter enqueues an outbound subscriber webhook.
type Emitter interface {
	Emit(ctx context.Context, eventType string, data any)
}

// Service owns every write to shipment state.
type Service struct {
	Store  store.Store
	Log    *zap.Logger
	Ledger Ledger
	Mailer Mailer
	Broker realtime.Broker
	Events Emitter

	TrackingBaseURL   string
	OpsEmail          string
	SideEffectTimeout time.Duration

	now func() time.Time
	wg  sync.WaitGroup
}

type Option func(*Service)

func WithLedger(l Ledger) Option          { return func(s *Service) { s.Ledger = l } }
func WithMailer(m Mailer) Option          { return func(s *Service) { s.Mailer = m } }
func WithBroker(b realtime.Broker) Option { return func(s *Service) { s.Broker = b } }
func WithEmitter(e Emitter) Option        { return func(s *Service) { s.Events = e } }
func WithTrackingBaseURL(u string) Option { return func(s *Service) { s.TrackingBaseURL = u } }
func WithOpsEmail(e string) Option        { return func(s *Service) { s.OpsEmail = e } }
func WithSideEffectTimeout(d time.Duration) Option {
	return func(s *Service) { s.SideEffectTimeout = d }
}
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(st store.Store, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		Store:             st,
		Log:               log,
		TrackingBaseURL:   "https://track.obana.africa/shipments/",
		SideEffectTimeout: 10 * time.Second,
		now:               time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wait blocks until all post-commit side effects started so far have finished.
func (s *Service) Wait() { s.wg.Wait() }

// afterCommit runs fn detached from the request with its own deadline. Errors
// are logged and counted, never returned.
func (s *Service) afterCommit(action string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.SideEffectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			metrics.SideEffects.WithLabelValues(action, "error").Inc()
			s.Log.Warn("side effect failed", zap.String("action", action), zap.Error(err))
			return
		}
		metrics.SideEffects.WithLabelValues(action, "ok").Inc()
	}()
}

func (s *Service) trackingURL(ref string) string { return s.TrackingBaseURL + ref }

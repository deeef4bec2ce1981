// Package notify sends transactional mail through the notification service.
package notify

import (
	"context"

	"go.uber.org/zap"

	"shipflow/internal/integrations"
)

// Mail is one message; Template names a template owned by the notification service.
type Mail struct {
	Email    string         `json:"email"`
	Subject  string         `json:"subject"`
	Content  string         `json:"content"`
	Template string         `json:"template,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Templates known to the notification service.
const (
	TemplateShipmentCreated = "shipment_created"
	TemplatePickupRequest   = "pickup_request"
	TemplateStatusUpdate    = "shipment_status"
)

type HTTPMailer struct {
	api *integrations.APIClient
}

func NewHTTPMailer(baseURL string, tokens integrations.TokenProvider) *HTTPMailer {
	return &HTTPMailer{api: integrations.NewAPIClient(baseURL, tokens)}
}

func (m *HTTPMailer) SendMail(ctx context.Context, mail Mail) error {
	return m.api.PostJSON(ctx, "/mail", mail)
}

// LogMailer writes mail to the log instead of sending it; used when NOTIFY_URL is unset.
type LogMailer struct {
	Log *zap.Logger
}

func (m LogMailer) SendMail(ctx context.Context, mail Mail) error {
	if m.Log != nil {
		m.Log.Info("mail (not sent)", zap.String("to", mail.Email), zap.String("subject", mail.Subject), zap.String("template", mail.Template))
	}
	return nil
}

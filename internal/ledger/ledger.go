// Package ledger is the client for the commission ledger service. Commission
// arithmetic lives in that service; this side only reports lifecycle events.
package ledger

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"shipflow/internal/integrations"
)

// HTTP talks to the ledger's REST API.
type HTTP struct {
	api *integrations.APIClient
}

func NewHTTP(baseURL string, tokens integrations.TokenProvider) *HTTP {
	return &HTTP{api: integrations.NewAPIClient(baseURL, tokens)}
}

func (c *HTTP) CreateCommission(ctx context.Context, orderRef, userID string, rate float64) error {
	return c.api.PostJSON(ctx, "/commissions", map[string]any{"order_id": orderRef, "user_id": userID, "rate": rate})
}

func (c *HTTP) ApproveCommission(ctx context.Context, orderRef string) error {
	return c.api.PostJSON(ctx, "/commissions/"+url.PathEscape(orderRef)+"/approve", map[string]any{})
}

func (c *HTTP) ReverseCommission(ctx context.Context, orderRef string, amount float64) error {
	return c.api.PostJSON(ctx, "/commissions/"+url.PathEscape(orderRef)+"/reverse", map[string]any{"amount": amount})
}

// Noop is used when LEDGER_URL is unset; it only logs.
type Noop struct {
	Log *zap.Logger
}

func (n Noop) CreateCommission(ctx context.Context, orderRef, userID string, rate float64) error {
	n.logger().Debug("ledger disabled: create commission", zap.String("order", orderRef), zap.String("user", userID), zap.Float64("rate", rate))
	return nil
}

func (n Noop) ApproveCommission(ctx context.Context, orderRef string) error {
	n.logger().Debug("ledger disabled: approve commission", zap.String("order", orderRef))
	return nil
}

func (n Noop) ReverseCommission(ctx context.Context, orderRef string, amount float64) error {
	n.logger().Debug("ledger disabled: reverse commission", zap.String("order", orderRef), zap.Float64("amount", amount))
	return nil
}

func (n Noop) logger() *zap.Logger {
	if n.Log == nil {
		return zap.NewNop()
	}
	return n.Log
}

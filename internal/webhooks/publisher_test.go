package webhooks

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipflow/internal/model"
	"shipflow/internal/store"
)

func TestPublisherEmitEnqueuesPerSubscription(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	_, err := st.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://a.example/hook", Events: []string{"shipment.status_changed"}, Secret: "s1"})
	require.NoError(t, err)
	_, err = st.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://b.example/hook", Events: []string{"shipment.created"}})
	require.NoError(t, err)

	NewPublisher(st, nil).Emit(ctx, "shipment.status_changed", map[string]any{"status": "delivered"})

	due, err := st.FetchDueWebhookDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "http://a.example/hook", due[0].URL)
	assert.Equal(t, "s1", due[0].Secret)

	var body map[string]any
	require.NoError(t, json.Unmarshal(due[0].Payload, &body))
	assert.Equal(t, "shipment.status_changed", body["type"])
	assert.Contains(t, body["id"], "evt_")
}

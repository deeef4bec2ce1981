package integrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register(HMACAdapter{Slug: "terminal_africa", Info: WebhookInfo{Header: "X-Terminal-Signature", Source: "terminal_africa"}})
	r.Fallback(func(slug string) CarrierAdapter {
		return HMACAdapter{Slug: slug, Info: WebhookInfo{Header: "X-Signature", Source: slug}}
	})

	a, ok := r.Lookup("Terminal-Africa")
	assert.True(t, ok)
	assert.Equal(t, "X-Terminal-Signature", a.Webhooks().Header)

	a, ok = r.Lookup("gigl")
	assert.True(t, ok)
	assert.Equal(t, "gigl", a.Name())
	assert.Equal(t, "X-Signature", a.Webhooks().Header)

	_, ok = r.Lookup("  ")
	assert.False(t, ok)
	assert.Equal(t, []string{"terminal_africa"}, r.Names())
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	r.Register(HMACAdapter{Slug: "dhl"})
	assert.Panics(t, func() { r.Register(HMACAdapter{Slug: "DHL"}) })
}

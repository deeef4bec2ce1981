// Package integrations holds the carrier handler registry and shared plumbing
// for outbound collaborator clients (token provider, cache).
package integrations

import (
	"fmt"
	"sort"
	"strings"
)

// CarrierAdapter is how the webhook gateway authenticates and labels events from one carrier.
type CarrierAdapter interface {
	Name() string
	Webhooks() WebhookInfo
}

// WebhookInfo describes the inbound signature convention of a carrier.
type WebhookInfo struct {
	// Header carries the hex signature.
	Header string
	// Verify checks sig against the raw body.
	Verify func(sig string, body []byte) bool
	// Source labels tracking entries written for this carrier.
	Source string
}

// HMACAdapter is a carrier authenticated by a shared-secret HMAC over the raw body.
type HMACAdapter struct {
	Slug string
	Info WebhookInfo
}

func (a HMACAdapter) Name() string          { return a.Slug }
func (a HMACAdapter) Webhooks() WebhookInfo { return a.Info }

// Registry maps carrier slugs to adapters. It is filled at startup and read-only afterwards.
type Registry struct {
	adapters map[string]CarrierAdapter
	fallback func(slug string) CarrierAdapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]CarrierAdapter{}}
}

// Register adds an adapter under its Name. Registering a name twice is a programming error.
func (r *Registry) Register(a CarrierAdapter) {
	key := normalizeSlug(a.Name())
	if _, dup := r.adapters[key]; dup {
		panic(fmt.Sprintf("integrations: carrier %q registered twice", key))
	}
	r.adapters[key] = a
}

// Fallback sets the adapter factory for slugs that were not registered explicitly.
func (r *Registry) Fallback(fn func(slug string) CarrierAdapter) { r.fallback = fn }

// Lookup returns the adapter for slug, the fallback's adapter, or false.
func (r *Registry) Lookup(slug string) (CarrierAdapter, bool) {
	key := normalizeSlug(slug)
	if a, ok := r.adapters[key]; ok {
		return a, true
	}
	if r.fallback != nil && key != "" {
		return r.fallback(key), true
	}
	return nil, false
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeSlug(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

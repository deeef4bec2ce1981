package webhooks

import (
	"shipflow/internal/integrations"
	"shipflow/internal/model"
)

// Signature headers.
const (
	HeaderSignature         = "X-Signature"
	HeaderTerminalSignature = "X-Terminal-Signature"
)

// CarrierTerminalAfrica is the registry slug of the Terminal Africa integration.
const CarrierTerminalAfrica = "terminal_africa"

// NewCarrierRegistry registers Terminal Africa with its SHA-512 convention; every
// other carrier slug is verified with the shared WEBHOOK_SECRET over SHA-256.
func NewCarrierRegistry(sharedSecret, terminalSecret string) *integrations.Registry {
	r := integrations.NewRegistry()
	r.Register(integrations.HMACAdapter{
		Slug: CarrierTerminalAfrica,
		Info: integrations.WebhookInfo{
			Header: HeaderTerminalSignature,
			Source: model.SourceTerminalAfrica,
			Verify: func(sig string, body []byte) bool { return VerifyHMACSHA512(terminalSecret, body, sig) },
		},
	})
	r.Fallback(func(slug string) integrations.CarrierAdapter {
		return integrations.HMACAdapter{
			Slug: slug,
			Info: integrations.WebhookInfo{
				Header: HeaderSignature,
				Source: slug,
				Verify: func(sig string, body []byte) bool { return VerifyHMAC(sharedSecret, body, sig) },
			},
		}
	})
	return r
}

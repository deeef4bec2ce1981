package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"
)

// VerifyHMAC checks an HMAC-SHA256 signature over the raw body using the shared secret.
func VerifyHMAC(secret string, body []byte, provided string) bool {
	return verify(sha256.New, secret, body, provided)
}

// VerifyHMACSHA512 is the SHA-512 variant used by Terminal Africa.
func VerifyHMACSHA512(secret string, body []byte, provided string) bool {
	return verify(sha512.New, secret, body, provided)
}

// SignHMAC returns lowercase hex of HMAC-SHA256 for use in headers
func SignHMAC(secret string, body []byte) string { return sign(sha256.New, secret, body) }

func SignHMACSHA512(secret string, body []byte) string { return sign(sha512.New, secret, body) }

func verify(h func() hash.Hash, secret string, body []byte, provided string) bool {
	// an unset secret never verifies
	if secret == "" || provided == "" {
		return false
	}
	b, err := hex.DecodeString(strings.TrimSpace(provided))
	if err != nil {
		return false
	}
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), b)
}

func sign(h func() hash.Hash, secret string, body []byte) string {
	mac := hmac.New(h, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

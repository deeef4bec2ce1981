package shipping

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

const (
	referencePrefix         = "OBANA"
	externalReferencePrefix = "EXT"
	maxReferenceAttempts    = 3
)

// NewReference returns PREFIX-YYYYMMDD-<12 hex> with 48 random bits.
func NewReference(prefix string, now time.Time) string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return prefix + "-" + now.UTC().Format("20060102") + "-" + hex.EncodeToString(b[:])
}

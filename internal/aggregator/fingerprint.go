package aggregator

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	uuidPattern   = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	hexPattern    = regexp.MustCompile(`\b(?:0x[0-9a-f]+|[0-9a-f]{12,})\b`)
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// Fingerprint derives a stable error signature from an error type and
// message. Volatile tokens (ids, addresses, numbers) are normalised so that
// repeats of the same failure class share a signature.
func Fingerprint(errorType, message string) string {
	norm := strings.ToLower(message)
	norm = uuidPattern.ReplaceAllString(norm, "<uuid>")
	norm = hexPattern.ReplaceAllString(norm, "<hex>")
	norm = numberPattern.ReplaceAllString(norm, "<n>")
	norm = strings.TrimSpace(spacePattern.ReplaceAllString(norm, " "))

	sum := sha256.Sum256([]byte(norm))
	digest := hex.EncodeToString(sum[:])[:16]
	errorType = strings.ToLower(strings.TrimSpace(errorType))
	if errorType == "" {
		return digest
	}
	return errorType + ":" + digest
}

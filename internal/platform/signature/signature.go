// Package signature implements HMAC-SHA256 signing and verification for
// payloads crossing a trust boundary: inbound processor webhooks, outbound
// subscriber notifications, and budget acceptance records.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sign computes the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the hex-encoded signature matches the HMAC-SHA256 of
// payload under secret. An optional "sha256=" prefix is accepted. Comparison
// is constant time.
func Verify(payload []byte, secret, sig string) bool {
	sig = strings.TrimPrefix(sig, "sha256=")
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(sig))
}

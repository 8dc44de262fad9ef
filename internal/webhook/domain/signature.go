package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign computes the v1 delivery signature: HMAC-SHA256 over
// "{timestamp}.{payload}" keyed by the webhook signing secret. Timestamp is
// unix milliseconds, matching the X-Webhook-Timestamp header.
func Sign(secret string, timestampMillis int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestampMillis)
	mac.Write(payload)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature header against the expected
// value in constant time. Receivers can use the same scheme.
func VerifySignature(secret string, timestampMillis int64, payload []byte, signature string) bool {
	expected := Sign(secret, timestampMillis, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}

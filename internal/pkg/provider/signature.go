package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// verifyHMACSHA256Hex checks a lowercase/uppercase hex encoded HMAC-SHA256
// signature over the raw payload. Empty signatures or secrets always fail;
// the comparison is constant time.
func verifyHMACSHA256Hex(payload []byte, signatureHex, secret string) bool {
	sig := strings.TrimSpace(signatureHex)
	if sig == "" || secret == "" {
		return false
	}
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decoded)
}

// constantTimeEqualFold compares two hex digests without leaking timing.
// Case is normalized first because providers are inconsistent about it.
func constantTimeEqualFold(a, b string) bool {
	x := []byte(strings.ToLower(strings.TrimSpace(a)))
	y := []byte(strings.ToLower(strings.TrimSpace(b)))
	if len(x) == 0 || len(x) != len(y) {
		return false
	}
	return subtle.ConstantTimeCompare(x, y) == 1
}

// headerValue does a case-insensitive lookup in a header map.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	lower := strings.ToLower(key)
	for k, v := range headers {
		if strings.ToLower(k) == lower {
			return v
		}
	}
	return ""
}

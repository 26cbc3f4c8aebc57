package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HubSignature computes the "sha256=<hex>" header value Meta signs webhook
// bodies with.
func HubSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyHubSignature checks an X-Hub-Signature-256 header in constant time.
func VerifyHubSignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	return Equal(HubSignature(secret, body), strings.TrimSpace(header))
}

// Equal compares two tokens in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Headers carrying the provider's signature material.
const (
	HeaderSignature = "X-Vipps-Signature"
	HeaderTimestamp = "X-Vipps-Timestamp"
)

// canonicalString builds the provider's documented string-to-sign:
// method, request path, timestamp and base64 SHA-256 body digest joined
// by newlines.
func canonicalString(method, path, timestamp string, body []byte) string {
	digest := sha256.Sum256(body)
	return strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		base64.StdEncoding.EncodeToString(digest[:]),
	}, "\n")
}

// Sign computes the hex HMAC-SHA256 signature over the canonical string.
func Sign(secret, method, path, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonicalString(method, path, timestamp, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// verifySignature compares the provided signature against a recomputation
// in constant time.
func verifySignature(secret, provided, method, path, timestamp string, body []byte) bool {
	expected := Sign(secret, method, path, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(provided))
}

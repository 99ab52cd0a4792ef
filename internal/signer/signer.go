// Package signer computes and verifies the HMAC-SHA256 signatures
// carried in the X-Webhook-Signature header. Signatures are computed
// over the exact request body bytes so receivers can recompute them
// byte-for-byte.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the hex-encoded HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signatureHex is a valid signature of body
// under secret. The comparison is constant-time; receivers must call
// this before trusting a payload.
func Verify(secret string, body []byte, signatureHex string) bool {
	expected, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

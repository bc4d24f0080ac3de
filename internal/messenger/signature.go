// ABOUTME: X-Hub-Signature-256 verification for Messenger webhook payloads.
// ABOUTME: Compares an HMAC-SHA256 of the raw body against the header in constant time.

package messenger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader is the header Facebook signs webhook bodies with.
const SignatureHeader = "X-Hub-Signature-256"

const signaturePrefix = "sha256="

// VerifySignature reports whether header is a valid "sha256=<hex>" HMAC of
// body under appSecret.
func VerifySignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" || !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	return hmac.Equal(got, computeMAC(appSecret, body))
}

// Sign returns the header value Facebook would send for body.
func Sign(appSecret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(computeMAC(appSecret, body))
}

func computeMAC(appSecret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return mac.Sum(nil)
}

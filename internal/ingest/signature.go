package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the body HMAC when a secret is configured.
const SignatureHeader = "X-Swarmhub-Signature"

var errBadSignature = errors.New("signature verification failed")

// verifySignature checks an HMAC-SHA256 of body in constant time. Every
// failure returns the same error.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errBadSignature
	}
	actual, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errBadSignature
	}
	if subtle.ConstantTimeCompare(sign(body, secret), actual) != 1 {
		return errBadSignature
	}
	return nil
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the header value a producer should send for body.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sign(body, secret))
}

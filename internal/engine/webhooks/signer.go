package webhooks

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const signaturePrefix = "sha256="

// SecretBytes is the number of random bytes in a signing secret (hex-encoded to 64 chars).
const SecretBytes = 32

// Sign returns "sha256=" followed by the hex HMAC-SHA256 of payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return signaturePrefix + hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
// Malformed or wrong-length signatures are reported as invalid.
func Verify(payload []byte, signature, secret string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	provided, err := hex.DecodeString(signature[len(signaturePrefix):])
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	// hmac.Equal returns false for unequal lengths without panicking.
	return hmac.Equal(h.Sum(nil), provided)
}

// GenerateSecret returns 32 bytes from crypto/rand, hex-encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, SecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// VerifyRequest checks an inbound webhook request the way receivers should:
// the signature is computed over the raw body bytes. The body is returned so
// the caller can decode it after verification.
func VerifyRequest(r *http.Request, secret, productName string) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, false
	}
	sig := r.Header.Get(HeaderName(productName, "Signature"))
	return body, Verify(body, sig, secret)
}

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrMissingWebhookSecret    = errors.New("webhook verifier: signing secret required")
	ErrMissingWebhookSignature = errors.New("webhook verifier: signature required")
	ErrInvalidWebhookSignature = errors.New("webhook verifier: signature mismatch")
)

// WebhookSignatureHeader carries the processor's HMAC over the raw body.
const WebhookSignatureHeader = "X-Processor-Signature"

// WebhookVerifier authenticates payment-processor callbacks by checking the
// HMAC-SHA256 signature over the raw request body.
type WebhookVerifier struct {
	secret []byte
}

// NewWebhookVerifier constructs a verifier for the shared processor secret.
func NewWebhookVerifier(secret []byte) (*WebhookVerifier, error) {
	if len(secret) == 0 {
		return nil, ErrMissingWebhookSecret
	}
	return &WebhookVerifier{secret: append([]byte(nil), secret...)}, nil
}

// Verify checks the hex-encoded signature against the body. Comparison is
// constant time.
func (v *WebhookVerifier) Verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingWebhookSignature
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidWebhookSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(provided, expected) {
		return ErrInvalidWebhookSignature
	}
	return nil
}

// Sign produces the hex signature for a body, for tests and local tooling.
func (v *WebhookVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

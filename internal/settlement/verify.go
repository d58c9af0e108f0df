package settlement

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// StripeVerifier checks Stripe-Signature headers.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for the endpoint signing secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify checks header against payload and decodes the event.
func (v *StripeVerifier) Verify(payload []byte, header string) (stripe.Event, error) {
	if v == nil || v.secret == "" || header == "" {
		return stripe.Event{}, ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}

// PaystackVerifier checks x-paystack-signature headers, the hex
// HMAC-SHA512 of the raw body keyed with the secret key.
type PaystackVerifier struct {
	secret []byte
}

// NewPaystackVerifier creates a verifier for the Paystack secret key.
func NewPaystackVerifier(secret string) *PaystackVerifier {
	return &PaystackVerifier{secret: []byte(secret)}
}

// Verify checks signature against payload.
func (v *PaystackVerifier) Verify(payload []byte, signature string) error {
	if v == nil || len(v.secret) == 0 || signature == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, PaystackSignature(v.secret, payload)) {
		return ErrInvalidSignature
	}
	return nil
}

// PaystackSignature returns the raw HMAC-SHA512 of payload.
func PaystackSignature(secret, payload []byte) []byte {
	mac := hmac.New(sha512.New, secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Package settlement adapts external payment providers to the escrow core.
//
// Inbound webhooks are verified, normalized into Events, deduplicated on
// (provider, event id) and applied through escrow.Bookings.Settle, which
// also dedupes on the captured reference. Outbound calls (checkout
// sessions, authorization cancels, refunds, identity sessions) go through
// Router with a timeout, retries and a per-provider circuit breaker.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/mbd888/handyhub/internal/money"
)

// Payment providers.
const (
	ProviderStripe   = "stripe"
	ProviderPaystack = "paystack"
)

var (
	ErrInvalidSignature = errors.New("webhook signature could not be verified")
	ErrUnknownProvider  = errors.New("unknown payment provider")
	ErrCircuitOpen      = errors.New("payment provider circuit is open")
	// ErrDeferred means the event may apply on redelivery; it was recorded
	// but not marked processed.
	ErrDeferred = errors.New("event deferred, redeliver later")
)

// Kind classifies a normalized provider event.
type Kind string

const (
	// KindCapture reports funds captured for a booking.
	KindCapture Kind = "capture"
	// KindIdentityVerified reports a provider that passed identity checks.
	KindIdentityVerified Kind = "identity_verified"
	// KindIgnored is any event this service does not act on.
	KindIgnored Kind = "ignored"
)

// Event is a verified provider event reduced to what the core needs.
type Event struct {
	Provider  string
	ID        string
	Type      string
	Kind      Kind
	BookingID string
	// ProviderID is set for identity events.
	ProviderID string
	Reference  string
	Method     string
	Amount     money.Amount
}

// Outcome is what processing did with an event; it is stored on the event
// record and returned to the provider.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeRejected    Outcome = "rejected"
	OutcomeConsistency Outcome = "consistency_error"
	OutcomeDeferred    Outcome = "deferred"
)

// EventRecord is the audit row of one inbound event.
type EventRecord struct {
	Provider    string
	EventID     string
	EventType   string
	Payload     []byte
	Outcome     Outcome
	Error       string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}

// EventStore remembers which events were processed.
type EventStore interface {
	// Processed reports whether the event was already handled to a final
	// outcome.
	Processed(ctx context.Context, provider, eventID string) (bool, error)
	// Record upserts the event; a nil ProcessedAt leaves it retryable.
	Record(ctx context.Context, rec *EventRecord) error
}

// Settler applies captures. *escrow.Bookings implements it.
type Settler interface {
	Settle(ctx context.Context, req escrow.SettleRequest) (*escrow.SettleResult, error)
}

// IdentityListener is told when a provider's identity session verified.
type IdentityListener interface {
	MarkVerified(ctx context.Context, providerID, sessionID string) error
}

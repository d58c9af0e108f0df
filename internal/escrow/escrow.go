// Package escrow owns the booking lifecycle and the custody state of the
// payment attached to each booking.
//
// Flow:
//  1. Customer requests a booking → booking pending, payment pending
//  2. Gateway captures funds → payment completed (held in escrow)
//  3. Provider confirms, delivers → booking confirmed → pending_completion
//  4. Customer confirms completion → payment released, booking completed
//  5. Customer disputes instead → payment and booking frozen in disputed
//     until an operator resolves the dispute (release or refund)
//
// A booking and its payment are always mutated together inside
// Store.Atomic and must stay on one of the pairings in allowedPairs.
package escrow

import (
	"time"

	"github.com/mbd888/handyhub/internal/money"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingPending           BookingStatus = "pending"
	BookingConfirmed         BookingStatus = "confirmed"
	BookingPendingCompletion BookingStatus = "pending_completion"
	BookingCompleted         BookingStatus = "completed"
	BookingDisputed          BookingStatus = "disputed"
	BookingCancelled         BookingStatus = "cancelled"
)

// IsActive reports whether the booking counts against the one-active-booking
// per (service, customer) rule.
func (s BookingStatus) IsActive() bool {
	switch s {
	case BookingPending, BookingConfirmed, BookingPendingCompletion:
		return true
	}
	return false
}

// IsTerminal returns true for completed and cancelled bookings.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

// PaymentStatus is the custody state of an escrow payment.
type PaymentStatus string

const (
	PaymentNone      PaymentStatus = "" // no payment linked to the booking
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed" // funds captured, held in escrow
	PaymentReleased  PaymentStatus = "released"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentDisputed  PaymentStatus = "disputed"
)

// IsTerminal returns true once money has left escrow.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentReleased || s == PaymentRefunded
}

// Captured reports whether the gateway has already taken the funds.
func (s PaymentStatus) Captured() bool {
	switch s {
	case PaymentCompleted, PaymentReleased, PaymentDisputed:
		return true
	}
	return false
}

// DisputeStatus is the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Outcome is an operator's decision on a dispute.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Booking is a request to perform a service for a customer by a provider.
type Booking struct {
	ID                 string        `json:"id"`
	ServiceID          string        `json:"serviceId"`
	CustomerID         string        `json:"customerId"`
	ProviderID         string        `json:"providerId"`
	Status             BookingStatus `json:"status"`
	PaymentStatus      PaymentStatus `json:"paymentStatus,omitempty"`
	Notes              string        `json:"notes,omitempty"`
	CancellationReason string        `json:"cancellationReason,omitempty"`
	CompletionFeedback string        `json:"completionFeedback,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

// IsParty reports whether userID is the customer or the provider.
func (b *Booking) IsParty(userID string) bool {
	return userID != "" && (userID == b.CustomerID || userID == b.ProviderID)
}

// Payment is the custody record of the money for one booking.
type Payment struct {
	ID                string        `json:"id"`
	BookingID         string        `json:"bookingId"`
	ServiceID         string        `json:"serviceId"`
	Amount            money.Amount  `json:"amount"`
	PlatformFee       money.Amount  `json:"platformFee"`
	TotalAmount       money.Amount  `json:"totalAmount"`
	Currency          string        `json:"currency"`
	CustomerID        string        `json:"customerId"`
	ProviderID        string        `json:"providerId"`
	Status            PaymentStatus `json:"status"`
	Provider          string        `json:"provider,omitempty"`
	PaymentMethod     string        `json:"paymentMethod,omitempty"`
	ExternalReference string        `json:"externalReference,omitempty"`
	CheckoutReference string        `json:"checkoutReference,omitempty"`
	BypassReason      string        `json:"bypassReason,omitempty"`
	Version           int64         `json:"-"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// Dispute is a contested payment awaiting operator resolution.
type Dispute struct {
	ID             string        `json:"id"`
	PaymentID      string        `json:"paymentId"`
	BookingID      string        `json:"bookingId"`
	CreatedBy      string        `json:"createdBy"`
	Reason         string        `json:"reason"`
	Description    string        `json:"description,omitempty"`
	Status         DisputeStatus `json:"status"`
	CustomerID     string        `json:"customerId"`
	ProviderID     string        `json:"providerId"`
	Resolution     Outcome       `json:"resolution,omitempty"`
	ResolutionNote string        `json:"resolutionNote,omitempty"`
	ResolvedBy     string        `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time    `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Pair is a booking together with its current payment (nil when none) and,
// for operations that open one, the resulting dispute.
type Pair struct {
	Booking *Booking `json:"booking"`
	Payment *Payment `json:"payment,omitempty"`
	Dispute *Dispute `json:"dispute,omitempty"`
}

// paymentStatus returns the status of p, PaymentNone for nil.
func paymentStatus(p *Payment) PaymentStatus {
	if p == nil {
		return PaymentNone
	}
	return p.Status
}

// paymentEdges is the public ledger graph.
var paymentEdges = map[PaymentStatus][]PaymentStatus{
	PaymentPending:   {PaymentCompleted, PaymentRefunded},
	PaymentCompleted: {PaymentReleased, PaymentRefunded, PaymentDisputed},
}

// resolutionEdges are only reachable through the dispute resolver.
var resolutionEdges = map[PaymentStatus][]PaymentStatus{
	PaymentDisputed: {PaymentReleased, PaymentRefunded},
}

var bookingEdges = map[BookingStatus][]BookingStatus{
	BookingPending:           {BookingConfirmed, BookingCancelled},
	BookingConfirmed:         {BookingPendingCompletion, BookingCancelled, BookingDisputed},
	BookingPendingCompletion: {BookingCompleted, BookingDisputed, BookingCancelled},
	BookingDisputed:          {BookingCompleted, BookingCancelled},
}

var allowedPairs = map[BookingStatus][]PaymentStatus{
	BookingPending:           {PaymentNone, PaymentPending, PaymentCompleted},
	BookingConfirmed:         {PaymentNone, PaymentPending, PaymentCompleted},
	BookingPendingCompletion: {PaymentPending, PaymentCompleted},
	BookingCompleted:         {PaymentReleased},
	BookingDisputed:          {PaymentDisputed},
	BookingCancelled:         {PaymentNone, PaymentRefunded},
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// CanTransitionPayment reports whether from→to is an edge of the public
// ledger graph.
func CanTransitionPayment(from, to PaymentStatus) bool {
	return contains(paymentEdges[from], to)
}

// CanResolvePayment reports whether from→to is a dispute-resolution edge.
func CanResolvePayment(from, to PaymentStatus) bool {
	return contains(resolutionEdges[from], to)
}

// CanTransitionBooking reports whether from→to is a legal booking move.
func CanTransitionBooking(from, to BookingStatus) bool {
	return contains(bookingEdges[from], to)
}

// PairAllowed reports whether a booking status may coexist with a payment
// status.
func PairAllowed(b BookingStatus, p PaymentStatus) bool {
	return contains(allowedPairs[b], p)
}

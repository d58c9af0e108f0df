package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/handyhub/internal/idgen"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/money"
	"github.com/mbd888/handyhub/internal/pagination"
	"github.com/mbd888/handyhub/internal/traces"
)

// ServiceInfo is the part of a service listing needed to open a booking.
type ServiceInfo struct {
	ID         string
	ProviderID string
	Price      money.Amount
	Currency   string
	Active     bool
}

// ServiceLookup resolves a service listing. Missing services return
// ErrNotFound.
type ServiceLookup interface {
	LookupService(ctx context.Context, serviceID string) (*ServiceInfo, error)
}

// VerificationGate answers whether a provider may take bookings.
type VerificationGate interface {
	IsProviderVerified(ctx context.Context, providerID string) (bool, error)
}

// RequestBookingInput contains the parameters for requesting a booking.
type RequestBookingInput struct {
	ServiceID string `json:"serviceId" binding:"required"`
	Notes     string `json:"notes"`
}

// Bookings is the booking state machine. Every transition runs inside the
// pair's critical section and goes through the ledger when money moves.
type Bookings struct {
	ledger   *Ledger
	store    Store
	services ServiceLookup
	gate     VerificationGate
}

// NewBookings creates the booking state machine.
func NewBookings(ledger *Ledger, services ServiceLookup, gate VerificationGate) *Bookings {
	return &Bookings{
		ledger:   ledger,
		store:    ledger.store,
		services: services,
		gate:     gate,
	}
}

// RequestBooking creates a pending booking and its pending payment sized to
// the service price.
func (s *Bookings) RequestBooking(ctx context.Context, customerID string, in RequestBookingInput) (*Pair, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestBooking", traces.Actor(customerID))
	defer span.End()

	if customerID == "" || in.ServiceID == "" {
		return nil, fmt.Errorf("%w: customer and service are required", ErrInvalidRequest)
	}
	svc, err := s.services.LookupService(ctx, in.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.Active {
		return nil, fmt.Errorf("%w: service %s is not accepting bookings", ErrInvalidRequest, svc.ID)
	}
	if svc.ProviderID == customerID {
		return nil, fmt.Errorf("%w: providers cannot book their own service", ErrInvalidRequest)
	}
	// The gate may call out to a cache or database, so it runs before the
	// pair lock is taken.
	verified, err := s.gate.IsProviderVerified(ctx, svc.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("verification check for provider %s: %w", svc.ProviderID, err)
	}
	if !verified {
		return nil, ErrProviderNotVerified
	}

	var result *Pair
	var out outbox
	key := "svc:" + in.ServiceID + ":" + customerID
	err = s.store.Atomic(ctx, key, func(ctx context.Context, tx Tx) error {
		out = outbox{}
		active, err := tx.HasActiveBooking(ctx, in.ServiceID, customerID)
		if err != nil {
			return err
		}
		if active {
			return ErrActiveBookingExists
		}

		now := s.ledger.now()
		b := &Booking{
			ID:         idgen.New(idgen.Booking),
			ServiceID:  in.ServiceID,
			CustomerID: customerID,
			ProviderID: svc.ProviderID,
			Status:     BookingPending,
			Notes:      in.Notes,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		p, err := s.ledger.createPaymentTx(ctx, tx, b, true, nil, CreatePaymentRequest{
			BookingID:  b.ID,
			Amount:     svc.Price,
			Currency:   svc.Currency,
			CustomerID: customerID,
			ProviderID: svc.ProviderID,
			ServiceID:  in.ServiceID,
		}, &out)
		if err != nil {
			return err
		}
		out.user(b.ProviderID, "booking_requested",
			fmt.Sprintf("New booking request %s for service %s", b.ID, b.ServiceID), pairPayload(b, p))
		result = &Pair{Booking: b, Payment: p}
		return nil
	})
	if err != nil {
		traces.Fail(span, err, "request booking failed")
		return nil, err
	}
	s.ledger.flush(ctx, &out)
	return result, nil
}

// Confirm accepts a pending booking.
func (s *Bookings) Confirm(ctx context.Context, bookingID, providerID string) (*Pair, error) {
	return s.transition(ctx, "escrow.Confirm", bookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if b.ProviderID != providerID {
			return ErrForbidden
		}
		if b.Status != BookingPending {
			return invalidTransition("booking", string(b.Status), string(BookingConfirmed))
		}
		from := b.Status
		b.Status = BookingConfirmed
		b.UpdatedAt = s.ledger.now()
		if err := s.ledger.apply(ctx, tx, pairWrite{booking: b, bookingFrom: from, payment: p, keepPayment: true}, out); err != nil {
			return err
		}
		out.user(b.CustomerID, "booking_confirmed",
			fmt.Sprintf("Your booking %s was confirmed", b.ID), pairPayload(b, p))
		return nil
	})
}

// Decline rejects a pending or confirmed booking and refunds its payment.
func (s *Bookings) Decline(ctx context.Context, bookingID, providerID, reason string) (*Pair, error) {
	if reason == "" {
		reason = "declined by provider"
	}
	return s.transition(ctx, "escrow.Decline", bookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		return s.providerCancelTx(ctx, tx, b, p, providerID, reason, "booking_declined", out)
	})
}

// ProviderCancel withdraws from a pending or confirmed booking and refunds
// its payment.
func (s *Bookings) ProviderCancel(ctx context.Context, bookingID, providerID, reason string) (*Pair, error) {
	if reason == "" {
		reason = "cancelled by provider"
	}
	return s.transition(ctx, "escrow.ProviderCancel", bookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		return s.providerCancelTx(ctx, tx, b, p, providerID, reason, "booking_cancelled", out)
	})
}

func (s *Bookings) providerCancelTx(ctx context.Context, tx Tx, b *Booking, p *Payment, providerID, reason, typ string, out *outbox) error {
	if b.ProviderID != providerID {
		return ErrForbidden
	}
	if b.Status != BookingPending && b.Status != BookingConfirmed {
		return invalidTransition("booking", string(b.Status), string(BookingCancelled))
	}
	if err := s.cancelTx(ctx, tx, b, p, reason, out); err != nil {
		return err
	}
	out.user(b.CustomerID, typ, fmt.Sprintf("Booking %s was cancelled: %s", b.ID, reason), pairPayload(b, p))
	return nil
}

// cancelTx cancels b, refunding p when one is held.
func (s *Bookings) cancelTx(ctx context.Context, tx Tx, b *Booking, p *Payment, reason string, out *outbox) error {
	if p != nil {
		return s.ledger.refundTx(ctx, tx, b, p, reason, false, out)
	}
	from := b.Status
	b.Status = BookingCancelled
	b.CancellationReason = reason
	b.UpdatedAt = s.ledger.now()
	return s.ledger.apply(ctx, tx, pairWrite{booking: b, bookingFrom: from}, out)
}

// MarkServiceDelivered moves a confirmed booking to pending_completion. No
// money moves until the customer confirms. The booking needs a payment, but
// it may still be pending; ConfirmCompletion is the step gated on capture.
func (s *Bookings) MarkServiceDelivered(ctx context.Context, bookingID, providerID string) (*Pair, error) {
	return s.transition(ctx, "escrow.MarkServiceDelivered", bookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if b.ProviderID != providerID {
			return ErrForbidden
		}
		if b.Status != BookingConfirmed {
			return invalidTransition("booking", string(b.Status), string(BookingPendingCompletion))
		}
		if p == nil {
			return ErrPaymentRequired
		}
		from := b.Status
		b.Status = BookingPendingCompletion
		b.UpdatedAt = s.ledger.now()
		if err := s.ledger.apply(ctx, tx, pairWrite{booking: b, bookingFrom: from, payment: p, keepPayment: true}, out); err != nil {
			return err
		}
		out.user(b.CustomerID, "service_delivered",
			fmt.Sprintf("Booking %s was marked delivered, please confirm completion", b.ID), pairPayload(b, p))
		return nil
	})
}

// ConfirmCompletion releases the escrowed payment to the provider. The
// payment must already be captured.
func (s *Bookings) ConfirmCompletion(ctx context.Context, bookingID, customerID, feedback string) (*Pair, error) {
	return s.transition(ctx, "escrow.ConfirmCompletion", bookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if b.CustomerID != customerID {
			return ErrForbidden
		}
		if b.Status != BookingPendingCompletion {
			return invalidTransition("booking", string(b.Status), string(BookingCompleted))
		}
		if paymentStatus(p) != PaymentCompleted {
			return ErrPaymentRequired
		}
		b.CompletionFeedback = feedback
		return s.ledger.releaseTx(ctx, tx, b, p, false, out)
	})
}

// Dispute contests a delivered booking and freezes its payment.
func (s *Bookings) Dispute(ctx context.Context, bookingID, customerID, reason, description string) (*Pair, error) {
	return s.transition(ctx, "escrow.Dispute", bookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if b.CustomerID != customerID {
			return ErrForbidden
		}
		if b.Status != BookingPendingCompletion {
			return invalidTransition("booking", string(b.Status), string(BookingDisputed))
		}
		if paymentStatus(p) != PaymentCompleted {
			return ErrPaymentRequired
		}
		_, err := s.ledger.openDisputeTx(ctx, tx, b, p, reason, description, customerID, out)
		return err
	})
}

// Cancel withdraws a pending booking on the customer's side, refunding the
// payment if one exists.
func (s *Bookings) Cancel(ctx context.Context, bookingID, customerID, reason string) (*Pair, error) {
	if reason == "" {
		reason = "cancelled by customer"
	}
	return s.transition(ctx, "escrow.Cancel", bookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if b.CustomerID != customerID {
			return ErrForbidden
		}
		if b.Status != BookingPending {
			return invalidTransition("booking", string(b.Status), string(BookingCancelled))
		}
		if err := s.cancelTx(ctx, tx, b, p, reason, out); err != nil {
			return err
		}
		out.user(b.ProviderID, "booking_cancelled",
			fmt.Sprintf("Booking %s was cancelled by the customer", b.ID), pairPayload(b, p))
		return nil
	})
}

// Get returns a booking with its payment. Only the two parties and
// operators may read it.
func (s *Bookings) Get(ctx context.Context, bookingID, actorID string, operator bool) (*Pair, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !operator && !b.IsParty(actorID) {
		return nil, ErrForbidden
	}
	p, err := s.store.PaymentForBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return &Pair{Booking: b, Payment: p}, nil
}

// List returns bookings of userID newest first.
func (s *Bookings) List(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	return s.store.ListBookings(ctx, userID, after, limit)
}

func (s *Bookings) transition(ctx context.Context, name, bookingID string, fn func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error) (*Pair, error) {
	ctx, span := traces.StartSpan(ctx, name, traces.BookingID(bookingID))
	defer span.End()

	var pair *Pair
	err := s.ledger.withBooking(ctx, bookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		if err := fn(ctx, tx, b, p, out); err != nil {
			return err
		}
		pair = &Pair{Booking: b, Payment: p, Dispute: out.dispute}
		return nil
	})
	if err != nil {
		traces.Fail(span, err, name+" failed")
		return nil, err
	}
	return pair, nil
}

// SettleOutcome describes what a settlement did.
type SettleOutcome string

const (
	SettleApplied   SettleOutcome = "applied"
	SettleDuplicate SettleOutcome = "duplicate"
	SettleIgnored   SettleOutcome = "ignored"
)

// SettleRequest is a normalized "funds captured" event from a gateway.
type SettleRequest struct {
	Provider  string
	EventID   string
	BookingID string
	Reference string
	Method    string
	// Amount is the total charged; zero when the event does not carry it.
	Amount money.Amount
}

// SettleResult is the outcome of a settlement and the resulting pair.
type SettleResult struct {
	Outcome SettleOutcome `json:"outcome"`
	Pair    *Pair         `json:"pair,omitempty"`
}

// Settle applies a capture reported by a gateway. Replaying the same
// reference is a no-op. A pending payment is completed, a missing one is
// created already completed, and a pending booking is confirmed.
func (s *Bookings) Settle(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Settle",
		traces.BookingID(req.BookingID), traces.Provider(req.Provider), traces.EventID(req.EventID), traces.Reference(req.Reference))
	defer span.End()

	if req.BookingID == "" || req.Reference == "" {
		return nil, fmt.Errorf("%w: settlement needs a booking and a reference", ErrInvalidRequest)
	}

	result := &SettleResult{Outcome: SettleApplied}
	err := s.ledger.withBooking(ctx, req.BookingID, func(ctx context.Context, tx Tx, b *Booking, p *Payment, out *outbox) error {
		result.Outcome = SettleApplied
		capture := Capture{Provider: req.Provider, Reference: req.Reference, Method: req.Method}

		switch {
		case p != nil && p.Status.Captured():
			if p.ExternalReference == req.Reference {
				result.Outcome = SettleDuplicate
				result.Pair = &Pair{Booking: b, Payment: p}
				return nil
			}
			consistencyErrors.Inc()
			logging.L(ctx).Error("second capture for an already captured payment",
				"booking_id", b.ID, "payment_id", p.ID, "stored_reference", p.ExternalReference, "reference", req.Reference)
			return fmt.Errorf("%w: payment %s already captured with a different reference", ErrConsistency, p.ID)

		case b.Status == BookingCancelled || paymentStatus(p) == PaymentRefunded:
			logging.L(ctx).Warn("capture reported for a cancelled booking",
				"booking_id", b.ID, "reference", req.Reference, "provider", req.Provider)
			out.operator("orphaned_capture",
				fmt.Sprintf("Capture %s reported for cancelled booking %s", req.Reference, b.ID),
				map[string]any{"booking_id": b.ID, "reference": req.Reference, "provider": req.Provider})
			result.Outcome = SettleIgnored
			result.Pair = &Pair{Booking: b, Payment: p}
			return nil

		case p != nil:
			if req.Amount > 0 && req.Amount != p.TotalAmount {
				return fmt.Errorf("%w: captured %s, expected %s", ErrInvalidRequest, req.Amount, p.TotalAmount)
			}
			if err := s.ledger.markCompletedTx(ctx, tx, b, p, capture, out); err != nil {
				return err
			}

		default:
			svc, err := s.services.LookupService(ctx, b.ServiceID)
			if err != nil {
				return err
			}
			if total := s.ledger.fees.Total(svc.Price); req.Amount > 0 && req.Amount != total {
				return fmt.Errorf("%w: captured %s, expected %s", ErrInvalidRequest, req.Amount, total)
			}
			p, err = s.ledger.createPaymentTx(ctx, tx, b, false, nil, CreatePaymentRequest{
				BookingID:  b.ID,
				Amount:     svc.Price,
				Currency:   svc.Currency,
				CustomerID: b.CustomerID,
				ProviderID: b.ProviderID,
				ServiceID:  b.ServiceID,
				External: &ExternalSettlement{
					Capture: capture,
					Reason:  fmt.Sprintf("settled by %s event %s", req.Provider, req.EventID),
				},
			}, out)
			if err != nil {
				return err
			}
		}

		if b.Status == BookingPending {
			b.Status = BookingConfirmed
			b.UpdatedAt = s.ledger.now()
			if err := s.ledger.apply(ctx, tx, pairWrite{booking: b, bookingFrom: BookingPending, payment: p, keepPayment: true}, out); err != nil {
				return err
			}
		}
		out.user(b.CustomerID, "payment_received",
			fmt.Sprintf("Your payment for booking %s was received", b.ID), pairPayload(b, p))
		result.Pair = &Pair{Booking: b, Payment: p}
		return nil
	})
	if err != nil {
		traces.Fail(span, err, "settle failed")
		return nil, err
	}
	return result, nil
}

package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/traces"
)

// Checkout opens hosted payment pages for pending payments.
type Checkout struct {
	bookings   *escrow.Bookings
	ledger     *escrow.Ledger
	router     *Router
	successURL string
	cancelURL  string
	timeout    time.Duration
}

// NewCheckout creates a checkout service.
func NewCheckout(bookings *escrow.Bookings, ledger *escrow.Ledger, router *Router, successURL, cancelURL string, timeout time.Duration) *Checkout {
	if timeout <= 0 {
		timeout = escrow.DefaultGatewayTimeout
	}
	return &Checkout{
		bookings:   bookings,
		ledger:     ledger,
		router:     router,
		successURL: successURL,
		cancelURL:  cancelURL,
		timeout:    timeout,
	}
}

// Create returns an open checkout session for the customer's booking,
// reusing the current one while it is still open.
func (c *Checkout) Create(ctx context.Context, bookingID, customerID string) (*CheckoutSession, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Checkout", traces.BookingID(bookingID), traces.Actor(customerID))
	defer span.End()

	pair, err := c.bookings.Get(ctx, bookingID, customerID, false)
	if err != nil {
		return nil, err
	}
	b, p := pair.Booking, pair.Payment
	if b.CustomerID != customerID {
		return nil, escrow.ErrForbidden
	}
	if b.Status != escrow.BookingPending && b.Status != escrow.BookingConfirmed {
		return nil, fmt.Errorf("%w: booking is %s", escrow.ErrInvalidTransition, b.Status)
	}
	if p == nil || p.Status != escrow.PaymentPending {
		return nil, fmt.Errorf("%w: booking has no payment awaiting checkout", escrow.ErrInvalidTransition)
	}

	gctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if p.CheckoutReference != "" {
		current, err := c.router.CheckoutSession(gctx, p.CheckoutReference)
		if err == nil && current.Open {
			return current, nil
		}
		if err != nil {
			logging.L(ctx).Warn("could not load current checkout session, opening a new one",
				"booking_id", b.ID, "session_id", p.CheckoutReference, "error", err)
		}
	}

	session, err := c.router.CreateCheckout(gctx, CheckoutParams{
		BookingID:      b.ID,
		PaymentID:      p.ID,
		CustomerID:     b.CustomerID,
		Title:          "Booking " + b.ServiceID,
		Currency:       p.Currency,
		Total:          p.TotalAmount,
		SuccessURL:     c.successURL,
		CancelURL:      c.cancelURL,
		IdempotencyKey: "checkout:" + p.ID + ":" + p.CheckoutReference,
	})
	if err != nil {
		traces.Fail(span, err, "create checkout failed")
		return nil, fmt.Errorf("%w: create checkout: %v", escrow.ErrGateway, err)
	}
	if _, err := c.ledger.AttachCheckout(ctx, p.ID, ProviderStripe, session.ID); err != nil {
		return nil, err
	}
	return session, nil
}

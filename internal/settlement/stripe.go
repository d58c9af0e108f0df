package settlement

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mbd888/handyhub/internal/money"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// CheckoutSession is the subset of a Stripe Checkout session the service
// uses.
type CheckoutSession struct {
	ID              string
	URL             string
	Open            bool
	Expired         bool
	Paid            bool
	PaymentIntentID string
	BookingID       string
	AmountTotal     money.Amount
}

// CheckoutParams describes a one-item checkout for a booking.
type CheckoutParams struct {
	BookingID  string
	PaymentID  string
	CustomerID string
	Title      string
	Currency   string
	Total      money.Amount
	SuccessURL string
	CancelURL  string
	// IdempotencyKey makes retried creates return the same session.
	IdempotencyKey string
}

// StripeAPI is the set of Stripe calls the service makes.
type StripeAPI interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, id string) error
	CancelPaymentIntent(ctx context.Context, id string) error
	RefundPaymentIntent(ctx context.Context, id, reason string) error
	CreateIdentitySession(ctx context.Context, providerID, returnURL string) (id, url string, err error)
}

// StripeClient implements StripeAPI with stripe-go.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a client for the secret key.
func NewStripeClient(secretKey string) *StripeClient {
	return newStripeClient(secretKey, nil)
}

// newStripeClient sends every call through backend when it is set.
func newStripeClient(secretKey string, backend stripe.Backend) *StripeClient {
	var backends *stripe.Backends
	if backend != nil {
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &StripeClient{api: sc}
}

func (c *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.BookingID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(p.Currency)),
				UnitAmount: stripe.Int64(p.Total.Cents()),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(p.Title),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{metaBookingID: p.BookingID, "payment_id": p.PaymentID},
		},
	}
	params.Context = ctx
	params.AddMetadata(metaBookingID, p.BookingID)
	params.AddMetadata("payment_id", p.PaymentID)
	params.AddMetadata("customer_id", p.CustomerID)
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	s, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, err
	}
	return toCheckoutSession(s), nil
}

func (c *StripeClient) GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := c.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return nil, err
	}
	return toCheckoutSession(s), nil
}

func (c *StripeClient) ExpireCheckoutSession(ctx context.Context, id string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	_, err := c.api.CheckoutSessions.Expire(id, params)
	return err
}

func (c *StripeClient) CancelPaymentIntent(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	_, err := c.api.PaymentIntents.Cancel(id, params)
	return err
}

func (c *StripeClient) RefundPaymentIntent(ctx context.Context, id, reason string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(id),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	if reason != "" {
		params.AddMetadata("reason", reason)
	}
	params.SetIdempotencyKey("refund:" + id)
	_, err := c.api.Refunds.New(params)
	return err
}

func (c *StripeClient) CreateIdentitySession(ctx context.Context, providerID, returnURL string) (string, string, error) {
	params := &stripe.IdentityVerificationSessionParams{
		Type: stripe.String(string(stripe.IdentityVerificationSessionTypeDocument)),
	}
	if returnURL != "" {
		params.ReturnURL = stripe.String(returnURL)
	}
	params.Context = ctx
	params.AddMetadata(metaProviderID, providerID)
	vs, err := c.api.IdentityVerificationSessions.New(params)
	if err != nil {
		return "", "", err
	}
	return vs.ID, vs.URL, nil
}

func toCheckoutSession(s *stripe.CheckoutSession) *CheckoutSession {
	out := &CheckoutSession{
		ID:          s.ID,
		URL:         s.URL,
		Open:        s.Status == stripe.CheckoutSessionStatusOpen,
		Expired:     s.Status == stripe.CheckoutSessionStatusExpired,
		Paid:        s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		BookingID:   s.Metadata[metaBookingID],
		AmountTotal: money.Amount(s.AmountTotal),
	}
	if out.BookingID == "" {
		out.BookingID = s.ClientReferenceID
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	return out
}

// isStripeStatus reports whether err is a Stripe API error with status.
func isStripeStatus(err error, status int) bool {
	var se *stripe.Error
	return errors.As(err, &se) && se.HTTPStatusCode == status
}

// retryableStripe reports whether a Stripe failure may succeed on retry.
func retryableStripe(err error) bool {
	var se *stripe.Error
	if !errors.As(err, &se) {
		// Network failures and timeouts.
		return true
	}
	return se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500
}

package settlement

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/handyhub/internal/circuitbreaker"
	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/retry"
)

// PaystackAPI is the set of Paystack calls the service makes.
type PaystackAPI interface {
	Refund(ctx context.Context, reference, reason string) error
}

// RouterConfig tunes outbound calls.
type RouterConfig struct {
	Attempts     int
	BaseDelay    time.Duration
	BreakerLimit int
	BreakerOpen  time.Duration
}

// DefaultRouterConfig retries three times and opens the breaker after five
// consecutive failures.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{Attempts: 3, BaseDelay: 200 * time.Millisecond, BreakerLimit: 5, BreakerOpen: 30 * time.Second}
}

// Router sends reversals to the provider that took the payment. It
// implements escrow.PaymentGateway.
type Router struct {
	stripe   StripeAPI
	paystack PaystackAPI
	breaker  *circuitbreaker.Breaker
	cfg      RouterConfig
}

// NewRouter creates a router. Either client may be nil when the provider
// is not configured.
func NewRouter(stripe StripeAPI, paystack PaystackAPI, cfg RouterConfig) *Router {
	def := DefaultRouterConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	return &Router{
		stripe:   stripe,
		paystack: paystack,
		breaker:  circuitbreaker.New(cfg.BreakerLimit, cfg.BreakerOpen),
		cfg:      cfg,
	}
}

var _ escrow.PaymentGateway = (*Router)(nil)

// CheckProviders fails while any provider circuit is open. It backs the
// payment_providers health check.
func (r *Router) CheckProviders(context.Context) error {
	if open := r.breaker.Open(); len(open) > 0 {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, strings.Join(open, ", "))
	}
	return nil
}

// CancelAuthorization voids an uncaptured payment. Stripe payments with a
// PaymentIntent have it cancelled, a bare checkout session is expired.
// Paystack charges are captured immediately, so there is nothing to void.
func (r *Router) CancelAuthorization(ctx context.Context, p *escrow.Payment) error {
	switch p.Provider {
	case ProviderStripe:
		if r.stripe == nil {
			return fmt.Errorf("%w: stripe is not configured", ErrUnknownProvider)
		}
		if p.ExternalReference != "" {
			return r.call(ctx, ProviderStripe, "cancel_payment_intent", retryableStripe, func(ctx context.Context) error {
				return r.stripe.CancelPaymentIntent(ctx, p.ExternalReference)
			})
		}
		err := r.call(ctx, ProviderStripe, "expire_checkout", retryableStripe, func(ctx context.Context) error {
			return r.stripe.ExpireCheckoutSession(ctx, p.CheckoutReference)
		})
		if err != nil && isStripeStatus(err, http.StatusBadRequest) {
			return r.settleUnexpirable(ctx, p, err)
		}
		return err
	case ProviderPaystack:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownProvider, p.Provider)
}

// settleUnexpirable handles a checkout session Stripe refused to expire.
// Only an expired session counts as voided. A session that was paid before
// its webhook arrived has the PaymentIntent refunded; anything else is
// returned as an error so the payment stays pending.
func (r *Router) settleUnexpirable(ctx context.Context, p *escrow.Payment, expireErr error) error {
	s, err := r.CheckoutSession(ctx, p.CheckoutReference)
	if err != nil {
		return fmt.Errorf("expire checkout %s: %w (lookup failed: %v)", p.CheckoutReference, expireErr, err)
	}
	switch {
	case s.Expired:
		return nil
	case s.Paid && s.PaymentIntentID != "":
		logging.L(ctx).Warn("checkout paid before it could be expired, refunding",
			"payment_id", p.ID, "checkout", s.ID, "payment_intent", s.PaymentIntentID)
		return r.call(ctx, ProviderStripe, "refund", retryableStripe, func(ctx context.Context) error {
			return r.stripe.RefundPaymentIntent(ctx, s.PaymentIntentID, "booking cancelled before payment was recorded")
		})
	}
	return fmt.Errorf("expire checkout %s: %w", p.CheckoutReference, expireErr)
}

// RefundCapture returns captured funds to the customer.
func (r *Router) RefundCapture(ctx context.Context, p *escrow.Payment, reason string) error {
	switch p.Provider {
	case ProviderStripe:
		if r.stripe == nil {
			return fmt.Errorf("%w: stripe is not configured", ErrUnknownProvider)
		}
		return r.call(ctx, ProviderStripe, "refund", retryableStripe, func(ctx context.Context) error {
			return r.stripe.RefundPaymentIntent(ctx, p.ExternalReference, reason)
		})
	case ProviderPaystack:
		if r.paystack == nil {
			return fmt.Errorf("%w: paystack is not configured", ErrUnknownProvider)
		}
		return r.call(ctx, ProviderPaystack, "refund", retryablePaystack, func(ctx context.Context) error {
			return r.paystack.Refund(ctx, p.ExternalReference, reason)
		})
	}
	return fmt.Errorf("%w: %q", ErrUnknownProvider, p.Provider)
}

// call runs fn behind the provider's breaker with retries for transient
// failures.
func (r *Router) call(ctx context.Context, provider, op string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if !r.breaker.Allow(provider) {
		outboundCalls.WithLabelValues(provider, op, "circuit_open").Inc()
		return fmt.Errorf("%w: %s", ErrCircuitOpen, provider)
	}
	start := time.Now()
	policy := retry.Policy{
		Attempts:  r.cfg.Attempts,
		BaseDelay: r.cfg.BaseDelay,
		Retryable: retryable,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logging.L(ctx).Debug("retrying payment provider call",
				"provider", provider, "op", op, "attempt", attempt, "wait", wait, "error", err)
		},
	}
	err := policy.Run(ctx, fn)
	outboundLatency.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())

	if err != nil {
		// A client error still proves the provider is answering.
		if retryable(err) {
			r.breaker.RecordFailure(provider)
		} else {
			r.breaker.RecordSuccess(provider)
		}
		outboundCalls.WithLabelValues(provider, op, "error").Inc()
		logging.L(ctx).Warn("payment provider call failed", "provider", provider, "op", op, "error", err)
		return err
	}
	r.breaker.RecordSuccess(provider)
	outboundCalls.WithLabelValues(provider, op, "ok").Inc()
	return nil
}

// CreateCheckout opens a Stripe Checkout session.
func (r *Router) CreateCheckout(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if r.stripe == nil {
		return nil, fmt.Errorf("%w: stripe is not configured", ErrUnknownProvider)
	}
	var s *CheckoutSession
	err := r.call(ctx, ProviderStripe, "create_checkout", retryableStripe, func(ctx context.Context) error {
		var err error
		s, err = r.stripe.CreateCheckoutSession(ctx, params)
		return err
	})
	return s, err
}

// CheckoutSession fetches a Stripe Checkout session.
func (r *Router) CheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	if r.stripe == nil {
		return nil, fmt.Errorf("%w: stripe is not configured", ErrUnknownProvider)
	}
	var s *CheckoutSession
	err := r.call(ctx, ProviderStripe, "get_checkout", retryableStripe, func(ctx context.Context) error {
		var err error
		s, err = r.stripe.GetCheckoutSession(ctx, id)
		return err
	})
	return s, err
}

// CreateIdentitySession opens a Stripe Identity verification session for a
// provider.
func (r *Router) CreateIdentitySession(ctx context.Context, providerID, returnURL string) (string, string, error) {
	if r.stripe == nil {
		return "", "", fmt.Errorf("%w: stripe is not configured", ErrUnknownProvider)
	}
	var id, url string
	err := r.call(ctx, ProviderStripe, "create_identity_session", retryableStripe, func(ctx context.Context) error {
		var err error
		id, url, err = r.stripe.CreateIdentitySession(ctx, providerID, returnURL)
		return err
	})
	return id, url, err
}

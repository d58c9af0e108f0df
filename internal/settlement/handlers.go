package settlement

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/handyhub/internal/auth"
	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/validation"
)

// MaxWebhookBody bounds inbound webhook payloads.
const MaxWebhookBody = 256 << 10

// WebhookHandler receives provider callbacks. These are the only
// unauthenticated routes that reach the ledger, so nothing is dispatched
// before the signature verifies.
type WebhookHandler struct {
	gateway  *Gateway
	stripe   *StripeVerifier
	paystack *PaystackVerifier
}

// NewWebhookHandler creates a webhook handler. A nil verifier rejects every
// event from that provider.
func NewWebhookHandler(gateway *Gateway, stripe *StripeVerifier, paystack *PaystackVerifier) *WebhookHandler {
	return &WebhookHandler{gateway: gateway, stripe: stripe, paystack: paystack}
}

// RegisterRoutes sets up webhook routes.
func (h *WebhookHandler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/payment", h.Envelope)
	r.POST("/webhooks/stripe", h.Stripe)
	r.POST("/webhooks/paystack", h.Paystack)
}

type envelope struct {
	Provider  string          `json:"provider"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// Envelope handles POST /webhooks/payment with a body of
// {provider, data, signature}; the signature covers the raw data bytes.
func (h *WebhookHandler) Envelope(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Expected {provider, data, signature}",
		})
		return
	}
	h.process(c, env.Provider, env.Data, env.Signature)
}

// Stripe handles POST /webhooks/stripe
func (h *WebhookHandler) Stripe(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	h.process(c, ProviderStripe, body, c.GetHeader("Stripe-Signature"))
}

// Paystack handles POST /webhooks/paystack
func (h *WebhookHandler) Paystack(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	h.process(c, ProviderPaystack, body, c.GetHeader("x-paystack-signature"))
}

func (h *WebhookHandler) process(c *gin.Context, provider string, payload []byte, signature string) {
	ctx := c.Request.Context()

	var ev Event
	switch provider {
	case ProviderStripe:
		se, err := h.stripe.Verify(payload, signature)
		if err != nil {
			h.rejectSignature(c, provider, err)
			return
		}
		if ev, err = ParseStripeEvent(se); err != nil {
			invalidPayload(c, err)
			return
		}
	case ProviderPaystack:
		if err := h.paystack.Verify(payload, signature); err != nil {
			h.rejectSignature(c, provider, err)
			return
		}
		var err error
		if ev, err = ParsePaystackEvent(payload); err != nil {
			invalidPayload(c, err)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_provider",
			"message": "Provider must be stripe or paystack",
		})
		return
	}

	outcome, err := h.gateway.Handle(ctx, ev, payload)
	if err != nil {
		if errors.Is(err, ErrDeferred) {
			c.Header("Retry-After", "30")
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "deferred",
				"message": "Event could not be applied yet, please retry",
				"outcome": outcome,
			})
			return
		}
		if escrow.IsBusiness(err) {
			invalidPayload(c, err)
			return
		}
		logging.L(ctx).Error("webhook processing failed", "provider", provider, "event_id", ev.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Event could not be processed, please retry",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "outcome": outcome})
}

func (h *WebhookHandler) rejectSignature(c *gin.Context, provider string, err error) {
	signatureFailures.WithLabelValues(provider).Inc()
	logging.L(c.Request.Context()).Warn("webhook signature rejected", "provider", provider, "error", err)
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_signature",
		"message": "Signature verification failed",
	})
}

func invalidPayload(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_payload",
		"message": err.Error(),
	})
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBody))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"error":   "invalid_request",
			"message": "Could not read request body",
		})
		return nil, false
	}
	return body, true
}

// CheckoutHandler opens checkout sessions for customers.
type CheckoutHandler struct {
	checkout *Checkout
}

// NewCheckoutHandler creates a checkout handler.
func NewCheckoutHandler(checkout *Checkout) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout}
}

// RegisterRoutes sets up authenticated checkout routes.
func (h *CheckoutHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/checkout", validation.IDParamMiddleware("id"), auth.RequireRole(auth.RoleCustomer), h.Create)
}

// Create handles POST /v1/bookings/:id/checkout
func (h *CheckoutHandler) Create(c *gin.Context) {
	session, err := h.checkout.Create(c.Request.Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		escrow.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": session.ID, "url": session.URL})
}

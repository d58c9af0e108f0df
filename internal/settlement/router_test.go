package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbd888/handyhub/internal/circuitbreaker"
	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
)

func TestRouter_CancelAuthorization(t *testing.T) {
	fs := newFakeStripe()
	r := fastRouter(fs, nil)
	ctx := context.Background()

	require.NoError(t, r.CancelAuthorization(ctx, &escrow.Payment{ID: "pay_1", Provider: ProviderStripe, CheckoutReference: "cs_1"}))
	require.NoError(t, r.CancelAuthorization(ctx, &escrow.Payment{ID: "pay_2", Provider: ProviderStripe, ExternalReference: "pi_2"}))
	require.NoError(t, r.CancelAuthorization(ctx, &escrow.Payment{ID: "pay_3", Provider: ProviderPaystack, CheckoutReference: "ps_3"}))

	assert.Equal(t, []string{"cs_1"}, fs.expired)
	assert.Equal(t, []string{"pi_2"}, fs.cancelled)

	err := r.CancelAuthorization(ctx, &escrow.Payment{ID: "pay_4", Provider: "omise", ExternalReference: "x"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

// stripeAPIStub answers the Checkout and Refund endpoints the way Stripe
// does for a session in the given status.
type stripeAPIStub struct {
	mu       sync.Mutex
	status   string
	paid     bool
	refunded []string
}

func (s *stripeAPIStub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case req.Method == http.MethodPost && req.URL.Path == "/v1/checkout/sessions/cs_live/expire":
		if s.status != "open" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = fmt.Fprintf(w, `{"error":{"type":"invalid_request_error","message":"This Checkout Session has a status of \"%s\""}}`, s.status)
			return
		}
		s.status = "expired"
		_, _ = w.Write([]byte(`{"id":"cs_live","object":"checkout.session","status":"expired"}`))
	case req.Method == http.MethodGet && req.URL.Path == "/v1/checkout/sessions/cs_live":
		paymentStatus := "unpaid"
		if s.paid {
			paymentStatus = "paid"
		}
		_, _ = fmt.Fprintf(w, `{"id":"cs_live","object":"checkout.session","status":%q,"payment_status":%q,"payment_intent":"pi_live","amount_total":10800}`,
			s.status, paymentStatus)
	case req.Method == http.MethodPost && req.URL.Path == "/v1/refunds":
		_ = req.ParseForm()
		s.refunded = append(s.refunded, req.PostForm.Get("payment_intent"))
		_, _ = w.Write([]byte(`{"id":"re_1","object":"refund","status":"succeeded"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"unknown route"}}`))
	}
}

func stubbedStripe(t *testing.T, stub *stripeAPIStub) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	})
	return newStripeClient("sk_test_stub", backend)
}

func TestRouter_CancelAuthorizationOfRefusedExpiry(t *testing.T) {
	pending := &escrow.Payment{ID: "pay_1", Provider: ProviderStripe, CheckoutReference: "cs_live"}
	ctx := context.Background()

	t.Run("open session is expired", func(t *testing.T) {
		stub := &stripeAPIStub{status: "open"}
		require.NoError(t, fastRouter(stubbedStripe(t, stub), nil).CancelAuthorization(ctx, pending))
		assert.Equal(t, "expired", stub.status)
		assert.Empty(t, stub.refunded)
	})

	t.Run("already expired counts as voided", func(t *testing.T) {
		stub := &stripeAPIStub{status: "expired"}
		require.NoError(t, fastRouter(stubbedStripe(t, stub), nil).CancelAuthorization(ctx, pending))
		assert.Empty(t, stub.refunded)
	})

	t.Run("paid session is refunded", func(t *testing.T) {
		stub := &stripeAPIStub{status: "complete", paid: true}
		require.NoError(t, fastRouter(stubbedStripe(t, stub), nil).CancelAuthorization(ctx, pending))
		assert.Equal(t, []string{"pi_live"}, stub.refunded)
	})

	t.Run("complete but unpaid is an error", func(t *testing.T) {
		stub := &stripeAPIStub{status: "complete"}
		err := fastRouter(stubbedStripe(t, stub), nil).CancelAuthorization(ctx, pending)
		require.Error(t, err)
		assert.True(t, isStripeStatus(err, http.StatusBadRequest))
		assert.Empty(t, stub.refunded)
	})
}

func TestRouter_CancelPaidCheckoutThroughLedger(t *testing.T) {
	fs := newFakeStripe()
	c := newCore(t, fastRouter(fs, nil))
	co := newCheckout(c, fs)
	ctx := context.Background()

	pair := c.request(t)
	s, err := co.Create(ctx, pair.Booking.ID, testCustomer)
	require.NoError(t, err)
	// Paid at Stripe, but the webhook has not arrived yet.
	fs.markPaid(s.ID, "pi_early")

	out, err := c.bookings.Cancel(ctx, pair.Booking.ID, testCustomer, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, escrow.PaymentRefunded, out.Payment.Status)
	assert.Equal(t, []string{"pi_early"}, fs.refunded)
	assert.Empty(t, fs.expired)
}

func TestRouter_RetriesTransientStripeErrors(t *testing.T) {
	fs := newFakeStripe()
	fs.failWith = &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable}
	fs.failures = 2
	r := fastRouter(fs, nil)

	err := r.RefundCapture(context.Background(), &escrow.Payment{ID: "pay_1", Provider: ProviderStripe, ExternalReference: "pi_1"}, "no show")
	require.NoError(t, err)
	assert.Equal(t, 3, fs.calls)
	assert.Equal(t, []string{"pi_1"}, fs.refunded)
}

func TestRouter_ClientErrorsAreNotRetried(t *testing.T) {
	fs := newFakeStripe()
	fs.failWith = &stripe.Error{HTTPStatusCode: http.StatusBadRequest}
	fs.failures = 10
	r := fastRouter(fs, nil)

	err := r.RefundCapture(context.Background(), &escrow.Payment{ID: "pay_1", Provider: ProviderStripe, ExternalReference: "pi_1"}, "")
	require.Error(t, err)
	assert.Equal(t, 1, fs.calls)
	assert.Equal(t, circuitbreaker.StateClosed, r.breaker.State(ProviderStripe))
}

func TestRouter_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	fs := newFakeStripe()
	fs.failWith = errors.New("connection refused")
	fs.failures = 100
	r := NewRouter(fs, nil, RouterConfig{Attempts: 1, BaseDelay: 1, BreakerLimit: 2, BreakerOpen: 1 << 40})
	p := &escrow.Payment{ID: "pay_1", Provider: ProviderStripe, ExternalReference: "pi_1"}
	ctx := context.Background()

	require.Error(t, r.RefundCapture(ctx, p, ""))
	require.Error(t, r.RefundCapture(ctx, p, ""))
	err := r.RefundCapture(ctx, p, "")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, fs.calls)

	err = r.CheckProviders(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Contains(t, err.Error(), ProviderStripe)
}

func TestRouter_ProviderNotConfigured(t *testing.T) {
	r := fastRouter(nil, nil)
	ctx := context.Background()
	assert.ErrorIs(t, r.RefundCapture(ctx, &escrow.Payment{Provider: ProviderStripe, ExternalReference: "pi"}, ""), ErrUnknownProvider)
	assert.ErrorIs(t, r.RefundCapture(ctx, &escrow.Payment{Provider: ProviderPaystack, ExternalReference: "ref"}, ""), ErrUnknownProvider)
	_, err := r.CreateCheckout(ctx, CheckoutParams{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestPaystackClient_Refund(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/refund", req.URL.Path)
		assert.Equal(t, "Bearer "+paystackSecret, req.Header.Get("Authorization"))
		var body map[string]string
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body["transaction"] == "ref_bad" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"status":false,"message":"Transaction has been fully reversed"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":true,"message":"Refund has been queued for processing"}`))
	}))
	defer srv.Close()

	client := NewPaystackClient(paystackSecret, srv.URL)
	r := fastRouter(nil, client)
	ctx := context.Background()

	require.NoError(t, r.RefundCapture(ctx, &escrow.Payment{ID: "pay_1", Provider: ProviderPaystack, ExternalReference: "ref_ok"}, "cancelled"))

	err := r.RefundCapture(ctx, &escrow.Payment{ID: "pay_2", Provider: ProviderPaystack, ExternalReference: "ref_bad"}, "")
	var pe *PaystackError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	// The 400 is not retried.
	assert.Equal(t, int32(2), hits.Load())
}

func TestRouter_AsLedgerGateway(t *testing.T) {
	fs := newFakeStripe()
	c := newCore(t, fastRouter(fs, nil))
	g := NewGateway(c.bookings, NewMemoryEventStore(), nil)
	ctx := context.Background()

	pair := c.request(t)
	_, err := g.OnCheckoutCompleted(ctx, "evt_1", pair.Booking.ID, "pi_1", serviceTotal)
	require.NoError(t, err)

	_, err = c.bookings.ProviderCancel(ctx, pair.Booking.ID, testProvider, "double booked")
	require.NoError(t, err)
	assert.Equal(t, []string{"pi_1"}, fs.refunded)
	assert.Equal(t, escrow.PaymentRefunded, c.pair(t, pair.Booking.ID).Payment.Status)
}

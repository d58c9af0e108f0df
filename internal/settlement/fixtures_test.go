package settlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/mbd888/handyhub/internal/fees"
	"github.com/mbd888/handyhub/internal/money"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
)

const (
	testService  = "svc_roofing"
	testCustomer = "cust_ada"
	testProvider = "prov_linus"

	stripeSecret   = "whsec_test"
	paystackSecret = "sk_test_paystack"
)

// The service costs 100.00; the customer pays 108.00.
var serviceTotal = money.MustParse("108.00")

type staticServices struct{}

func (staticServices) LookupService(_ context.Context, id string) (*escrow.ServiceInfo, error) {
	if id != testService {
		return nil, escrow.ErrNotFound
	}
	return &escrow.ServiceInfo{ID: id, ProviderID: testProvider, Price: money.MustParse("100.00"), Currency: "USD", Active: true}, nil
}

type allowAll struct{}

func (allowAll) IsProviderVerified(context.Context, string) (bool, error) { return true, nil }

type core struct {
	store    *escrow.MemoryStore
	ledger   *escrow.Ledger
	bookings *escrow.Bookings
}

func newCore(t *testing.T, gw escrow.PaymentGateway) *core {
	t.Helper()
	store := escrow.NewMemoryStore()
	ledger := escrow.NewLedger(store, fees.Default())
	if gw != nil {
		ledger.WithGateway(gw, time.Second)
	}
	return &core{store: store, ledger: ledger, bookings: escrow.NewBookings(ledger, staticServices{}, allowAll{})}
}

func (c *core) request(t *testing.T) *escrow.Pair {
	t.Helper()
	pair, err := c.bookings.RequestBooking(context.Background(), testCustomer, escrow.RequestBookingInput{ServiceID: testService})
	require.NoError(t, err)
	return pair
}

func (c *core) pair(t *testing.T, bookingID string) *escrow.Pair {
	t.Helper()
	pair, err := c.bookings.Get(context.Background(), bookingID, "", true)
	require.NoError(t, err)
	return pair
}

type recordingIdentity struct {
	mu       sync.Mutex
	verified map[string]string
}

func (r *recordingIdentity) MarkVerified(_ context.Context, providerID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.verified == nil {
		r.verified = map[string]string{}
	}
	r.verified[providerID] = sessionID
	return nil
}

// signStripe builds a Stripe-Signature header for payload.
func signStripe(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func signPaystack(payload []byte) string {
	return hex.EncodeToString(PaystackSignature([]byte(paystackSecret), payload))
}

func checkoutCompletedEvent(eventID, bookingID, pi string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "api_version": "2024-09-30.acacia",
  "type": "checkout.session.completed",
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "status": "complete",
    "payment_status": "paid",
    "amount_total": %d,
    "client_reference_id": %q,
    "payment_intent": %q,
    "metadata": {"booking_id": %q}
  }}
}`, eventID, amount, bookingID, pi, bookingID))
}

func paystackChargeEvent(txID int64, bookingID, reference string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"event":"charge.success","data":{"id":%d,"reference":%q,"amount":%d,"currency":"USD","status":"success","channel":"card","metadata":{"booking_id":%q}}}`,
		txID, reference, amount, bookingID))
}

// fakeStripe records outbound calls and fails the first failures calls.
type fakeStripe struct {
	mu        sync.Mutex
	failWith  error
	failures  int
	calls     int
	sessions  map[string]*CheckoutSession
	cancelled []string
	expired   []string
	refunded  []string
	created   []CheckoutParams
}

func newFakeStripe() *fakeStripe {
	return &fakeStripe{sessions: map[string]*CheckoutSession{}}
}

func (f *fakeStripe) fail() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return f.failWith
	}
	return nil
}

func (f *fakeStripe) CreateCheckoutSession(_ context.Context, p CheckoutParams) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.created = append(f.created, p)
	s := &CheckoutSession{
		ID:          fmt.Sprintf("cs_%d", len(f.created)),
		URL:         fmt.Sprintf("https://checkout.example/cs_%d", len(f.created)),
		Open:        true,
		BookingID:   p.BookingID,
		AmountTotal: p.Total,
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStripe) GetCheckoutSession(_ context.Context, id string) (*CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no such session %s", id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStripe) ExpireCheckoutSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	s, ok := f.sessions[id]
	if ok && !s.Open && !s.Expired {
		return &stripe.Error{HTTPStatusCode: http.StatusBadRequest, Msg: "This Checkout Session has a status of \"complete\""}
	}
	f.expired = append(f.expired, id)
	if ok {
		s.Open, s.Expired = false, true
	}
	return nil
}

func (f *fakeStripe) CancelPaymentIntent(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeStripe) RefundPaymentIntent(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.refunded = append(f.refunded, id)
	return nil
}

func (f *fakeStripe) CreateIdentitySession(_ context.Context, providerID, _ string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return "", "", err
	}
	return "vs_" + providerID, "https://verify.example/vs_" + providerID, nil
}

// markPaid flips a fake session to paid with the given PaymentIntent.
func (f *fakeStripe) markPaid(id, pi string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok {
		s.Open = false
		s.Paid = true
		s.PaymentIntentID = pi
	}
}

func fastRouter(stripe StripeAPI, paystack PaystackAPI) *Router {
	return NewRouter(stripe, paystack, RouterConfig{Attempts: 3, BaseDelay: time.Millisecond, BreakerLimit: 3, BreakerOpen: time.Minute})
}

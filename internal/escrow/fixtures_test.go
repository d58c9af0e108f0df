package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/handyhub/internal/fees"
	"github.com/mbd888/handyhub/internal/idgen"
	"github.com/mbd888/handyhub/internal/money"
)

const (
	testService  = "svc_plumbing"
	testCustomer = "cust_ada"
	testProvider = "prov_linus"
	testOperator = "op_grace"
)

// servicePrice is 100.00; with the default 8% fee the customer pays 108.00.
var (
	servicePrice = money.MustParse("100.00")
	serviceTotal = money.MustParse("108.00")
)

type fakeServices struct {
	mu       sync.Mutex
	services map[string]*ServiceInfo
}

func newFakeServices() *fakeServices {
	return &fakeServices{services: map[string]*ServiceInfo{
		testService: {ID: testService, ProviderID: testProvider, Price: servicePrice, Currency: "USD", Active: true},
	}}
}

func (f *fakeServices) LookupService(_ context.Context, id string) (*ServiceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

type fakeGate struct {
	mu         sync.Mutex
	unverified map[string]bool
}

func (g *fakeGate) IsProviderVerified(_ context.Context, providerID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.unverified[providerID], nil
}

type sentNotice struct {
	userID   string
	operator bool
	typ      string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (n *recordingNotifier) Emit(_ context.Context, userID, typ, _ string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{userID: userID, typ: typ})
}

func (n *recordingNotifier) EmitOperator(_ context.Context, typ, _ string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{operator: true, typ: typ})
}

func (n *recordingNotifier) has(userID, typ string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if s.userID == userID && s.typ == typ && !s.operator {
			return true
		}
	}
	return false
}

func (n *recordingNotifier) hasOperator(typ string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if s.operator && s.typ == typ {
			return true
		}
	}
	return false
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fakeGateway struct {
	mu        sync.Mutex
	err       error
	delay     time.Duration
	cancelled []string
	refunded  []string
}

func (g *fakeGateway) CancelAuthorization(ctx context.Context, p *Payment) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, p.ID)
	return nil
}

func (g *fakeGateway) RefundCapture(ctx context.Context, p *Payment, _ string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded = append(g.refunded, p.ID)
	return nil
}

func (g *fakeGateway) wait(ctx context.Context) error {
	g.mu.Lock()
	delay, err := g.delay, g.err
	g.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

type harness struct {
	store    Store
	ledger   *Ledger
	bookings *Bookings
	resolver *Resolver
	services *fakeServices
	gate     *fakeGate
	notifier *recordingNotifier
	gateway  *fakeGateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessOn(t, NewMemoryStore())
}

func newHarnessOn(t *testing.T, store Store) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		services: newFakeServices(),
		gate:     &fakeGate{unverified: map[string]bool{}},
		notifier: &recordingNotifier{},
		gateway:  &fakeGateway{},
	}
	h.ledger = NewLedger(h.store, fees.Default()).
		WithGateway(h.gateway, time.Second).
		WithNotifier(h.notifier)

	// Monotonic clock so list ordering is deterministic.
	var mu sync.Mutex
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h.ledger.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	h.bookings = NewBookings(h.ledger, h.services, h.gate)
	h.resolver = NewResolver(h.ledger)
	return h
}

func (h *harness) request(t *testing.T) *Pair {
	t.Helper()
	pair, err := h.bookings.RequestBooking(context.Background(), testCustomer, RequestBookingInput{ServiceID: testService})
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	return pair
}

func (h *harness) settle(t *testing.T, bookingID, ref string) *SettleResult {
	t.Helper()
	res, err := h.bookings.Settle(context.Background(), SettleRequest{
		Provider: "stripe", EventID: "evt_" + ref, BookingID: bookingID, Reference: ref, Amount: serviceTotal,
	})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	return res
}

// delivered returns a booking in pending_completion with a captured payment.
func (h *harness) delivered(t *testing.T) *Pair {
	t.Helper()
	ctx := context.Background()
	pair := h.request(t)
	h.settle(t, pair.Booking.ID, "pi_"+pair.Booking.ID)
	pair, err := h.bookings.MarkServiceDelivered(ctx, pair.Booking.ID, testProvider)
	if err != nil {
		t.Fatalf("MarkServiceDelivered: %v", err)
	}
	return pair
}

// insertBareBooking stores a booking with no payment.
func (h *harness) insertBareBooking(t *testing.T, status BookingStatus) *Booking {
	t.Helper()
	now := h.ledger.now()
	b := &Booking{
		ID: idgen.New(idgen.Booking), ServiceID: testService, CustomerID: testCustomer, ProviderID: testProvider,
		Status: status, CreatedAt: now, UpdatedAt: now,
	}
	err := h.store.Atomic(context.Background(), b.ID, func(ctx context.Context, tx Tx) error {
		return tx.InsertBooking(ctx, b)
	})
	if err != nil {
		t.Fatalf("insert booking: %v", err)
	}
	return b
}

// assertPair reloads the booking and checks the stored pairing.
func (h *harness) assertPair(t *testing.T, bookingID string, wantB BookingStatus, wantP PaymentStatus) {
	t.Helper()
	ctx := context.Background()
	b, err := h.store.GetBooking(ctx, bookingID)
	if err != nil {
		t.Fatalf("GetBooking: %v", err)
	}
	p, err := h.store.PaymentForBooking(ctx, bookingID)
	if err != nil {
		t.Fatalf("PaymentForBooking: %v", err)
	}
	if b.Status != wantB {
		t.Errorf("booking status = %s, want %s", b.Status, wantB)
	}
	if got := paymentStatus(p); got != wantP {
		t.Errorf("payment status = %q, want %q", got, wantP)
	}
	if b.PaymentStatus != paymentStatus(p) {
		t.Errorf("booking mirrors payment status %q, payment is %q", b.PaymentStatus, paymentStatus(p))
	}
	if !PairAllowed(b.Status, paymentStatus(p)) {
		t.Errorf("pair (%s, %q) is not allowed", b.Status, paymentStatus(p))
	}
}

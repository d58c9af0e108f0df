package escrow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mbd888/handyhub/internal/money"
)

func TestCreatePayment_RejectsDuplicate(t *testing.T) {
	h := newHarness(t)
	pair := h.request(t)

	_, err := h.ledger.CreatePayment(context.Background(), CreatePaymentRequest{
		BookingID:  pair.Booking.ID,
		Amount:     servicePrice,
		CustomerID: testCustomer,
		ProviderID: testProvider,
		ServiceID:  testService,
	})
	if !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}
}

func TestCreatePayment_Validation(t *testing.T) {
	h := newHarness(t)
	b := h.insertBareBooking(t, BookingPending)
	ctx := context.Background()

	base := CreatePaymentRequest{
		BookingID:  b.ID,
		Amount:     servicePrice,
		CustomerID: testCustomer,
		ProviderID: testProvider,
		ServiceID:  testService,
	}

	tests := []struct {
		name   string
		mutate func(r *CreatePaymentRequest)
	}{
		{"zero amount", func(r *CreatePaymentRequest) { r.Amount = 0 }},
		{"negative amount", func(r *CreatePaymentRequest) { r.Amount = -100 }},
		{"amount above max", func(r *CreatePaymentRequest) { r.Amount = money.MaxAmount + 1 }},
		{"wrong customer", func(r *CreatePaymentRequest) { r.CustomerID = "someone" }},
		{"wrong provider", func(r *CreatePaymentRequest) { r.ProviderID = "someone" }},
		{"external without reason", func(r *CreatePaymentRequest) {
			r.External = &ExternalSettlement{Capture: Capture{Provider: "paystack", Reference: "ref_1"}}
		}},
		{"external without reference", func(r *CreatePaymentRequest) {
			r.External = &ExternalSettlement{Reason: "bank transfer"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			if _, err := h.ledger.CreatePayment(ctx, req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
	h.assertPair(t, b.ID, BookingPending, PaymentNone)
}

func TestCreatePayment_External(t *testing.T) {
	h := newHarness(t)
	b := h.insertBareBooking(t, BookingConfirmed)

	p, err := h.ledger.CreatePayment(context.Background(), CreatePaymentRequest{
		BookingID:  b.ID,
		Amount:     money.MustParse("40.00"),
		Currency:   "NGN",
		CustomerID: testCustomer,
		ProviderID: testProvider,
		ServiceID:  testService,
		External: &ExternalSettlement{
			Capture: Capture{Provider: "paystack", Reference: "T123", Method: "bank_transfer"},
			Reason:  "paid at the counter",
		},
	})
	if err != nil {
		t.Fatalf("CreatePayment: %v", err)
	}
	if p.Status != PaymentCompleted || p.BypassReason != "paid at the counter" {
		t.Errorf("unexpected payment %+v", p)
	}
	if p.PlatformFee != money.MustParse("3.20") || p.TotalAmount != money.MustParse("43.20") {
		t.Errorf("fee=%s total=%s", p.PlatformFee, p.TotalAmount)
	}
	h.assertPair(t, b.ID, BookingConfirmed, PaymentCompleted)
}

func TestCreatePayment_TerminalBooking(t *testing.T) {
	h := newHarness(t)
	b := h.insertBareBooking(t, BookingCancelled)

	_, err := h.ledger.CreatePayment(context.Background(), CreatePaymentRequest{
		BookingID: b.ID, Amount: servicePrice, CustomerID: testCustomer, ProviderID: testProvider, ServiceID: testService,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestMarkCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.request(t)

	if _, err := h.ledger.MarkCompleted(ctx, pair.Payment.ID, Capture{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected missing reference to be rejected, got %v", err)
	}
	p, err := h.ledger.MarkCompleted(ctx, pair.Payment.ID, Capture{Provider: "stripe", Reference: "pi_1", Method: "card"})
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if p.ExternalReference != "pi_1" || p.PaymentMethod != "card" {
		t.Errorf("capture details not stored: %+v", p)
	}
	// MarkCompleted alone does not confirm the booking.
	h.assertPair(t, pair.Booking.ID, BookingPending, PaymentCompleted)

	if _, err := h.ledger.MarkCompleted(ctx, pair.Payment.ID, Capture{Reference: "pi_2"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second capture: expected ErrInvalidTransition, got %v", err)
	}
}

func TestAttachCheckout_OnlyPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.request(t)

	if _, err := h.ledger.AttachCheckout(ctx, pair.Payment.ID, "stripe", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected empty reference to be rejected, got %v", err)
	}
	h.settle(t, pair.Booking.ID, "pi_x")
	if _, err := h.ledger.AttachCheckout(ctx, pair.Payment.ID, "stripe", "cs_1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on completed payment, got %v", err)
	}
}

func TestRelease_RequiresPendingCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair := h.request(t)
	if _, err := h.ledger.Release(ctx, pair.Payment.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("release of pending payment: expected ErrInvalidTransition, got %v", err)
	}
	h.settle(t, pair.Booking.ID, "pi_early")
	if _, err := h.ledger.Release(ctx, pair.Payment.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("release before delivery: expected ErrInvalidTransition, got %v", err)
	}
	h.assertPair(t, pair.Booking.ID, BookingConfirmed, PaymentCompleted)
}

func TestRefund_TerminalPaymentsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	pair := h.delivered(t)
	if _, err := h.bookings.ConfirmCompletion(ctx, pair.Booking.ID, testCustomer, ""); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	if _, err := h.ledger.Refund(ctx, pair.Payment.ID, "too late"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := h.ledger.Release(ctx, pair.Payment.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("double release: expected ErrInvalidTransition, got %v", err)
	}
	h.assertPair(t, pair.Booking.ID, BookingCompleted, PaymentReleased)
}

func TestOpenDispute_Parties(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.request(t).Booking.ID
	h.settle(t, id, "pi_dsp")
	p, _ := h.store.PaymentForBooking(ctx, id)

	if _, err := h.ledger.OpenDispute(ctx, p.ID, "bad", "", "stranger"); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger: expected ErrForbidden, got %v", err)
	}
	if _, err := h.ledger.OpenDispute(ctx, p.ID, "", "", testCustomer); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty reason: expected ErrInvalidRequest, got %v", err)
	}

	d, err := h.ledger.OpenDispute(ctx, p.ID, "customer unreachable", "", testProvider)
	if err != nil {
		t.Fatalf("provider dispute: %v", err)
	}
	if d.CreatedBy != testProvider {
		t.Errorf("expected dispute created by provider, got %s", d.CreatedBy)
	}
	if !h.notifier.has(testCustomer, "dispute_opened") {
		t.Error("expected the customer to hear about the provider's dispute")
	}
	h.assertPair(t, id, BookingDisputed, PaymentDisputed)
}

func TestOpenDispute_RequiresCapture(t *testing.T) {
	h := newHarness(t)
	pair := h.request(t)

	_, err := h.ledger.OpenDispute(context.Background(), pair.Payment.ID, "no show", "", testCustomer)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	h := newHarness(t)
	id := h.request(t).Booking.ID

	first := h.settle(t, id, "pi_same")
	if first.Outcome != SettleApplied {
		t.Fatalf("expected applied, got %s", first.Outcome)
	}
	notices := h.notifier.count()

	second := h.settle(t, id, "pi_same")
	if second.Outcome != SettleDuplicate {
		t.Fatalf("expected duplicate, got %s", second.Outcome)
	}
	if h.notifier.count() != notices {
		t.Error("a duplicate settlement must not notify")
	}
	h.assertPair(t, id, BookingConfirmed, PaymentCompleted)
}

func TestSettle_SecondReferenceIsConsistencyError(t *testing.T) {
	h := newHarness(t)
	id := h.request(t).Booking.ID
	h.settle(t, id, "pi_first")

	_, err := h.bookings.Settle(context.Background(), SettleRequest{
		Provider: "stripe", EventID: "evt_2", BookingID: id, Reference: "pi_second",
	})
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	p, _ := h.store.PaymentForBooking(context.Background(), id)
	if p.ExternalReference != "pi_first" {
		t.Errorf("stored reference changed to %s", p.ExternalReference)
	}
}

func TestSettle_AmountMismatch(t *testing.T) {
	h := newHarness(t)
	id := h.request(t).Booking.ID

	_, err := h.bookings.Settle(context.Background(), SettleRequest{
		Provider: "stripe", EventID: "evt_1", BookingID: id, Reference: "pi_1", Amount: servicePrice,
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	h.assertPair(t, id, BookingPending, PaymentPending)
}

func TestSettle_CreatesMissingPayment(t *testing.T) {
	h := newHarness(t)
	b := h.insertBareBooking(t, BookingPending)

	res := h.settle(t, b.ID, "T_paystack_1")
	if res.Outcome != SettleApplied {
		t.Fatalf("expected applied, got %s", res.Outcome)
	}
	p := res.Pair.Payment
	if p.TotalAmount != serviceTotal || p.BypassReason == "" {
		t.Errorf("unexpected payment %+v", p)
	}
	h.assertPair(t, b.ID, BookingConfirmed, PaymentCompleted)
}

func TestSettle_CancelledBookingIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.request(t).Booking.ID
	if _, err := h.bookings.Cancel(ctx, id, testCustomer, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res := h.settle(t, id, "pi_orphan")
	if res.Outcome != SettleIgnored {
		t.Fatalf("expected ignored, got %s", res.Outcome)
	}
	if !h.notifier.hasOperator("orphaned_capture") {
		t.Error("expected operators to hear about the orphaned capture")
	}
	h.assertPair(t, id, BookingCancelled, PaymentRefunded)
}

func TestSettle_RequiresReference(t *testing.T) {
	h := newHarness(t)
	id := h.request(t).Booking.ID
	if _, err := h.bookings.Settle(context.Background(), SettleRequest{BookingID: id}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

// Release and refund race on the same captured payment; exactly one wins.
func TestConcurrentReleaseAndRefund(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t)
		pair := h.delivered(t)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = h.bookings.ConfirmCompletion(context.Background(), pair.Booking.ID, testCustomer, "")
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = h.ledger.Refund(context.Background(), pair.Payment.ID, "customer complaint")
		}()
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("expected exactly one winner, got %d (%v)", succeeded, errs)
		}

		b, _ := h.store.GetBooking(context.Background(), pair.Booking.ID)
		if errs[0] == nil {
			h.assertPair(t, b.ID, BookingCompleted, PaymentReleased)
		} else {
			h.assertPair(t, b.ID, BookingCancelled, PaymentRefunded)
		}
	}
}

func TestConcurrentRequests_OneActiveBooking(t *testing.T) {
	h := newHarness(t)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.bookings.RequestBooking(context.Background(), testCustomer, RequestBookingInput{ServiceID: testService})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrActiveBookingExists):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Fatalf("expected one booking, got %d", created)
	}
}

func TestDivergedPairIsNotHealed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.request(t)

	// Corrupt the stored pair: completed booking with a pending payment.
	mem := h.store.(*MemoryStore)
	mem.mu.Lock()
	mem.bookings[pair.Booking.ID].Status = BookingCompleted
	mem.mu.Unlock()

	_, err := h.bookings.Settle(ctx, SettleRequest{Provider: "stripe", EventID: "e", BookingID: pair.Booking.ID, Reference: "pi_1"})
	if !errors.Is(err, ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
	p, _ := h.store.PaymentForBooking(ctx, pair.Booking.ID)
	if p.Status != PaymentPending {
		t.Errorf("payment must be left untouched, got %s", p.Status)
	}
}

var errCommitLost = errors.New("commit: connection reset")

// flakyCommitStore runs fn and then fails the commit while fail is set.
type flakyCommitStore struct {
	Store
	fail atomic.Bool
}

func (s *flakyCommitStore) Atomic(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	return s.Store.Atomic(ctx, key, func(ctx context.Context, tx Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if s.fail.Load() {
			return errCommitLost
		}
		return nil
	})
}

func TestRefund_CommitFailureAfterGatewayAlertsOperators(t *testing.T) {
	store := &flakyCommitStore{Store: NewMemoryStore()}
	h := newHarnessOn(t, store)
	ctx := context.Background()

	pair := h.request(t)
	h.settle(t, pair.Booking.ID, "pi_1")

	store.fail.Store(true)
	if _, err := h.bookings.ProviderCancel(ctx, pair.Booking.ID, testProvider, "double booked"); !errors.Is(err, errCommitLost) {
		t.Fatalf("expected the commit error, got %v", err)
	}
	h.assertPair(t, pair.Booking.ID, BookingConfirmed, PaymentCompleted)
	if !h.notifier.hasOperator("reversal_uncommitted") {
		t.Error("expected operators to hear about the uncommitted refund")
	}
	if h.notifier.has(testCustomer, "payment_refunded") {
		t.Error("customer must not be told about a refund the ledger did not record")
	}

	// Provider refunds are idempotent, so the retry completes the refund.
	store.fail.Store(false)
	if _, err := h.bookings.ProviderCancel(ctx, pair.Booking.ID, testProvider, "double booked"); err != nil {
		t.Fatalf("retry ProviderCancel: %v", err)
	}
	h.assertPair(t, pair.Booking.ID, BookingCancelled, PaymentRefunded)
	h.gateway.mu.Lock()
	defer h.gateway.mu.Unlock()
	if len(h.gateway.refunded) != 2 || h.gateway.refunded[0] != h.gateway.refunded[1] {
		t.Errorf("expected the same payment refunded on both attempts, got %v", h.gateway.refunded)
	}
}

func TestRefund_GatewayFailureSendsNoAlert(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair := h.request(t)
	h.settle(t, pair.Booking.ID, "pi_1")
	h.gateway.mu.Lock()
	h.gateway.err = errors.New("stripe: 503")
	h.gateway.mu.Unlock()

	if _, err := h.bookings.ProviderCancel(ctx, pair.Booking.ID, testProvider, "sick"); !errors.Is(err, ErrGateway) {
		t.Fatalf("expected ErrGateway, got %v", err)
	}
	if h.notifier.hasOperator("reversal_uncommitted") {
		t.Error("nothing was reversed, no alert expected")
	}
}

//go:build integration

package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/handyhub/internal/pagination"
	"github.com/mbd888/handyhub/internal/testutil"
)

func newPGHarness(t *testing.T) *harness {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return newHarnessOn(t, NewPostgresStore(db))
}

func cursorFor(b *Booking) *pagination.Cursor {
	return &pagination.Cursor{CreatedAt: b.CreatedAt, ID: b.ID}
}

func TestPostgresStore_HappyPath(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	pair := h.delivered(t)
	if _, err := h.bookings.ConfirmCompletion(ctx, pair.Booking.ID, testCustomer, "spotless"); err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	h.assertPair(t, pair.Booking.ID, BookingCompleted, PaymentReleased)

	p, err := h.store.GetPayment(ctx, pair.Payment.ID)
	if err != nil {
		t.Fatalf("GetPayment: %v", err)
	}
	if p.TotalAmount != serviceTotal || p.ExternalReference == "" {
		t.Errorf("unexpected stored payment %+v", p)
	}
	// Created, captured, released.
	if p.Version != 3 {
		t.Errorf("expected version 3, got %d", p.Version)
	}
}

func TestPostgresStore_DisputeRoundTrip(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	pair := h.delivered(t)
	disputed, err := h.bookings.Dispute(ctx, pair.Booking.ID, testCustomer, "grout cracked", "photos attached")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	open, err := h.resolver.ListOpen(ctx, 10)
	if err != nil || len(open) != 1 {
		t.Fatalf("ListOpen: %d %v", len(open), err)
	}

	if _, err := h.resolver.Resolve(ctx, disputed.Dispute.ID, OutcomeRefund, testOperator, "agreed"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	d, err := h.resolver.Get(ctx, disputed.Dispute.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Status != DisputeResolved || d.ResolvedAt == nil || d.Resolution != OutcomeRefund {
		t.Errorf("unexpected dispute %+v", d)
	}
	h.assertPair(t, pair.Booking.ID, BookingCancelled, PaymentRefunded)
}

func TestPostgresStore_UniqueIndexes(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	h.request(t)
	_, err := h.bookings.RequestBooking(ctx, testCustomer, RequestBookingInput{ServiceID: testService})
	if !errors.Is(err, ErrActiveBookingExists) {
		t.Fatalf("expected ErrActiveBookingExists, got %v", err)
	}

	// Bypass HasActiveBooking and let the partial index reject the row.
	err = h.store.Atomic(ctx, "raw", func(ctx context.Context, tx Tx) error {
		return tx.InsertBooking(ctx, &Booking{
			ID: "bk_dup", ServiceID: testService, CustomerID: testCustomer, ProviderID: testProvider,
			Status: BookingPending, CreatedAt: h.ledger.now(), UpdatedAt: h.ledger.now(),
		})
	})
	if !errors.Is(err, ErrActiveBookingExists) {
		t.Fatalf("expected index violation mapped to ErrActiveBookingExists, got %v", err)
	}
}

func TestPostgresStore_ConcurrentReleaseAndRefund(t *testing.T) {
	h := newPGHarness(t)
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
		_, errs[1] = h.ledger.Refund(context.Background(), pair.Payment.ID, "complaint")
	}()
	wg.Wait()

	if (errs[0] == nil) == (errs[1] == nil) {
		t.Fatalf("expected exactly one winner, got %v", errs)
	}
	if errs[0] == nil {
		h.assertPair(t, pair.Booking.ID, BookingCompleted, PaymentReleased)
	} else {
		h.assertPair(t, pair.Booking.ID, BookingCancelled, PaymentRefunded)
	}
}

func TestPostgresStore_ListBookingsCursor(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		pair := h.request(t)
		if _, err := h.bookings.Cancel(ctx, pair.Booking.ID, testCustomer, ""); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
	}
	first, err := h.bookings.List(ctx, testCustomer, nil, 2)
	if err != nil || len(first) != 2 {
		t.Fatalf("List: %d %v", len(first), err)
	}
	rest, err := h.bookings.List(ctx, testCustomer, cursorFor(first[1]), 10)
	if err != nil || len(rest) != 1 {
		t.Fatalf("List after cursor: %d %v", len(rest), err)
	}
}

func TestPostgresStore_StalePendingNeedsCheckout(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()
	cutoff := time.Now().Add(time.Hour)

	pair := h.request(t)
	stale, err := h.store.ListStalePending(ctx, "stripe", cutoff, nil, 10)
	if err != nil {
		t.Fatalf("ListStalePending: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("payment without checkout listed: %+v", stale)
	}

	if _, err := h.ledger.AttachCheckout(ctx, pair.Payment.ID, "stripe", "cs_pg"); err != nil {
		t.Fatalf("AttachCheckout: %v", err)
	}
	stale, err = h.store.ListStalePending(ctx, "stripe", cutoff, nil, 10)
	if err != nil || len(stale) != 1 || stale[0].CheckoutReference != "cs_pg" {
		t.Fatalf("expected the checkout payment, got %+v %v", stale, err)
	}
	after := &pagination.Cursor{CreatedAt: stale[0].CreatedAt, ID: stale[0].ID}
	rest, err := h.store.ListStalePending(ctx, "stripe", cutoff, after, 10)
	if err != nil || len(rest) != 0 {
		t.Fatalf("cursor should exclude the scanned payment, got %+v %v", rest, err)
	}

	pairs, err := h.store.ListActivePairs(ctx, cursorFor(pair.Booking), 10)
	if err != nil || len(pairs) != 0 {
		t.Fatalf("cursor should exclude the scanned booking, got %d %v", len(pairs), err)
	}
}

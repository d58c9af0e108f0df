package escrow

import (
	"context"
	"errors"
	"testing"
)

func openDispute(t *testing.T, h *harness) (*Pair, *Dispute) {
	t.Helper()
	pair := h.delivered(t)
	disputed, err := h.bookings.Dispute(context.Background(), pair.Booking.ID, testCustomer, "unfinished", "")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	return disputed, disputed.Dispute
}

func TestResolve_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, d := openDispute(t, h)

	if _, err := h.resolver.Resolve(ctx, d.ID, Outcome("split"), testOperator, ""); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unknown outcome: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := h.resolver.Resolve(ctx, d.ID, OutcomeRelease, "", ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("missing resolver: expected ErrForbidden, got %v", err)
	}
	if _, err := h.resolver.Resolve(ctx, "dsp_missing", OutcomeRelease, testOperator, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing dispute: expected ErrNotFound, got %v", err)
	}
}

func TestResolve_OnlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair, d := openDispute(t, h)

	resolved, err := h.resolver.Resolve(ctx, d.ID, OutcomeRelease, testOperator, "work verified")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Dispute.ResolvedBy != testOperator || resolved.Dispute.ResolutionNote != "work verified" {
		t.Errorf("resolution details not stored: %+v", resolved.Dispute)
	}

	if _, err := h.resolver.Resolve(ctx, d.ID, OutcomeRefund, testOperator, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second resolution: expected ErrInvalidTransition, got %v", err)
	}
	h.assertPair(t, pair.Booking.ID, BookingCompleted, PaymentReleased)

	for _, who := range []string{testCustomer, testProvider} {
		if !h.notifier.has(who, "dispute_resolved") {
			t.Errorf("expected %s to hear about the resolution", who)
		}
	}
	if !h.notifier.hasOperator("dispute_resolved") {
		t.Error("expected operators to hear about the resolution")
	}
}

func TestResolve_RefundUsesNoteAsReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pair, d := openDispute(t, h)

	if _, err := h.resolver.Resolve(ctx, d.ID, OutcomeRefund, testOperator, "provider no-show confirmed"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, _ := h.store.GetBooking(ctx, pair.Booking.ID)
	if b.CancellationReason != "provider no-show confirmed" {
		t.Errorf("unexpected cancellation reason %q", b.CancellationReason)
	}
}

func TestListOpen_OldestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, first := openDispute(t, h)
	h.services.services["svc_tiling"] = &ServiceInfo{ID: "svc_tiling", ProviderID: testProvider, Price: servicePrice, Active: true}
	pair, err := h.bookings.RequestBooking(ctx, testCustomer, RequestBookingInput{ServiceID: "svc_tiling"})
	if err != nil {
		t.Fatalf("RequestBooking: %v", err)
	}
	h.settle(t, pair.Booking.ID, "pi_tiling")
	if _, err := h.bookings.MarkServiceDelivered(ctx, pair.Booking.ID, testProvider); err != nil {
		t.Fatalf("MarkServiceDelivered: %v", err)
	}
	if _, err := h.bookings.Dispute(ctx, pair.Booking.ID, testCustomer, "cracked tiles", ""); err != nil {
		t.Fatalf("Dispute: %v", err)
	}

	open, err := h.resolver.ListOpen(ctx, 10)
	if err != nil {
		t.Fatalf("ListOpen: %v", err)
	}
	if len(open) != 2 || open[0].ID != first.ID {
		t.Fatalf("expected two disputes with the first one leading, got %d", len(open))
	}
}

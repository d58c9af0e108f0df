//go:build integration

package notify

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/handyhub/internal/testutil"
)

func TestPostgresStore_DeliverAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	notes := []*Notification{
		{ID: "ntf_1", Channel: ChannelUser, UserID: "cust_1", Type: "booking.confirmed", Message: "confirmed", CreatedAt: base},
		{ID: "ntf_2", Channel: ChannelUser, UserID: "cust_1", Type: "payment.refunded", Message: "refunded",
			Payload: map[string]any{"bookingId": "bk_1"}, CreatedAt: base.Add(time.Minute)},
		{ID: "ntf_3", Channel: ChannelOperator, Type: "dispute.opened", Message: "review", CreatedAt: base},
	}
	for _, n := range notes {
		if err := store.Deliver(ctx, n); err != nil {
			t.Fatalf("Deliver %s: %v", n.ID, err)
		}
	}
	// Redelivery of the same id is ignored.
	if err := store.Deliver(ctx, notes[0]); err != nil {
		t.Fatalf("redeliver: %v", err)
	}

	items, err := store.ListForUser(ctx, "cust_1", 10)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(items))
	}
	if items[0].ID != "ntf_2" || items[0].Payload["bookingId"] != "bk_1" {
		t.Errorf("unexpected newest notification %+v", items[0])
	}
}

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/handyhub/internal/auth"
	"github.com/mbd888/handyhub/internal/logging"
	prom "github.com/prometheus/client_golang/prometheus/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type failingSink struct {
	calls atomic.Int32
}

func (f *failingSink) Name() string { return "failing" }

func (f *failingSink) Deliver(context.Context, *Notification) error {
	f.calls.Add(1)
	return errors.New("broker down")
}

func closeEmitter(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEmitter_DeliversToAllSinks(t *testing.T) {
	store := NewMemoryStore()
	failing := &failingSink{}
	e := NewEmitter(nil, 16, failing, store)
	e.Start(2)

	ctx := logging.WithRequestID(context.Background(), "req-42")
	e.Emit(ctx, "cust_1", "booking.confirmed", "Your booking was confirmed", map[string]any{"bookingId": "bk_1"})
	e.EmitOperator(ctx, "dispute.opened", "A dispute needs review", nil)
	closeEmitter(t, e)

	if store.Len() != 2 {
		t.Fatalf("expected 2 stored notifications, got %d", store.Len())
	}
	if failing.calls.Load() != 2 {
		t.Errorf("failing sink should still be called for each notification, got %d", failing.calls.Load())
	}

	items, _ := store.ListForUser(context.Background(), "cust_1", 10)
	if len(items) != 1 {
		t.Fatalf("expected 1 user notification, got %d", len(items))
	}
	n := items[0]
	if n.Channel != ChannelUser || n.Type != "booking.confirmed" || n.RequestID != "req-42" {
		t.Errorf("unexpected notification %+v", n)
	}
	if n.ID == "" || n.CreatedAt.IsZero() {
		t.Errorf("expected id and timestamp to be set, got %+v", n)
	}
	ops := store.Operator()
	if len(ops) != 1 || ops[0].UserID != "" {
		t.Errorf("expected one operator notification without user, got %+v", ops)
	}
}

func TestEmitter_DropsWhenQueueFull(t *testing.T) {
	store := NewMemoryStore()
	e := NewEmitter(nil, 1, store)
	before := prom.ToFloat64(droppedTotal)

	// Not started yet, so the second notification finds the queue full.
	e.Emit(context.Background(), "cust_1", "a", "first", nil)
	e.Emit(context.Background(), "cust_1", "b", "second", nil)

	if got := prom.ToFloat64(droppedTotal) - before; got != 1 {
		t.Errorf("expected 1 dropped notification, got %v", got)
	}
	e.Start(1)
	closeEmitter(t, e)
	if store.Len() != 1 {
		t.Errorf("expected 1 delivered notification, got %d", store.Len())
	}
}

func TestEmitter_CloseDrainsQueue(t *testing.T) {
	store := NewMemoryStore()
	e := NewEmitter(nil, 64, store)
	for i := 0; i < 20; i++ {
		e.Emit(context.Background(), "cust_1", "tick", "tick", nil)
	}
	e.Start(3)
	closeEmitter(t, e)
	if store.Len() != 20 {
		t.Errorf("expected all 20 queued notifications delivered, got %d", store.Len())
	}

	// Emitting after close is dropped without panicking.
	e.Emit(context.Background(), "cust_1", "late", "late", nil)
	if store.Len() != 20 {
		t.Errorf("notification accepted after close")
	}
	closeEmitter(t, e)
}

func TestEmitter_NilIsNoop(t *testing.T) {
	var e *Emitter
	e.Emit(context.Background(), "cust_1", "x", "x", nil)
	e.EmitOperator(context.Background(), "x", "x", nil)
}

func TestMemoryStore_ListForUserNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, typ := range []string{"first", "second", "third"} {
		_ = store.Deliver(ctx, &Notification{ID: typ, Channel: ChannelUser, UserID: "cust_1", Type: typ, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	_ = store.Deliver(ctx, &Notification{ID: "other", Channel: ChannelUser, UserID: "cust_2", Type: "other", CreatedAt: base})

	items, err := store.ListForUser(ctx, "cust_1", 2)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(items) != 2 || items[0].Type != "third" || items[1].Type != "second" {
		t.Errorf("unexpected order %v", items)
	}
}

func TestRoutingKey(t *testing.T) {
	tests := []struct {
		n    Notification
		want string
	}{
		{Notification{Channel: ChannelUser, Type: "payment.released"}, "notification.user.payment.released"},
		{Notification{Channel: ChannelOperator, Type: "dispute.opened"}, "notification.operator.dispute.opened"},
	}
	for _, tt := range tests {
		if got := RoutingKey(&tt.n); got != tt.want {
			t.Errorf("RoutingKey(%+v) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestKafkaMessage(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	msg, err := KafkaMessage(&Notification{ID: "ntf_1", Channel: ChannelUser, UserID: "prov_1", Type: "payment.released", CreatedAt: at})
	if err != nil {
		t.Fatalf("KafkaMessage: %v", err)
	}
	if string(msg.Key) != "prov_1" || !msg.Time.Equal(at) {
		t.Errorf("unexpected message key=%q time=%v", msg.Key, msg.Time)
	}
	var decoded Notification
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.ID != "ntf_1" || decoded.Type != "payment.released" {
		t.Errorf("unexpected value %+v", decoded)
	}

	op, _ := KafkaMessage(&Notification{ID: "ntf_2", Channel: ChannelOperator, Type: "dispute.opened"})
	if string(op.Key) != "operator" {
		t.Errorf("operator key = %q", op.Key)
	}
}

func TestHandler_ListReturnsCallerFeed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Deliver(ctx, &Notification{ID: "n1", Channel: ChannelUser, UserID: "cust_1", Type: "booking.confirmed", CreatedAt: time.Now()})
	_ = store.Deliver(ctx, &Notification{ID: "n2", Channel: ChannelUser, UserID: "cust_2", Type: "booking.confirmed", CreatedAt: time.Now()})

	m := auth.NewManager("test-secret", "")
	r := gin.New()
	NewHandler(store).RegisterRoutes(r.Group("/v1", auth.Middleware(m)))

	token, err := m.Issue("cust_1", auth.RoleCustomer, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Notifications []Notification `json:"notifications"`
		Count         int            `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Notifications[0].ID != "n1" {
		t.Errorf("unexpected feed %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}
}

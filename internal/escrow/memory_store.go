package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/handyhub/internal/pagination"
	"github.com/mbd888/handyhub/internal/syncutil"
)

// MemoryStore is an in-memory Store for development mode and tests.
// Atomic serializes callers per key and validates staged writes against the
// committed state before applying them.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
	payments map[string]*Payment
	disputes map[string]*Dispute
	locks    *syncutil.KeyedMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		payments: make(map[string]*Payment),
		disputes: make(map[string]*Dispute),
		locks:    syncutil.NewKeyedMutex(syncutil.DefaultShards),
	}
}

func (m *MemoryStore) Atomic(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	unlock, err := m.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	tx := newMemTx(m)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return m.commit(tx)
}

func (m *MemoryStore) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, want := range tx.bookingBase {
		cur, ok := m.bookings[id]
		if !ok || cur.Status != want {
			return ErrConflict
		}
	}
	for id, want := range tx.paymentBase {
		cur, ok := m.payments[id]
		if !ok || cur.Version != want {
			return ErrConflict
		}
	}
	for id, want := range tx.disputeBase {
		cur, ok := m.disputes[id]
		if !ok || cur.Status != want {
			return ErrConflict
		}
	}

	for id, b := range tx.bookings {
		if !b.Status.IsActive() {
			continue
		}
		for _, other := range m.bookings {
			if other.ID != id && other.ServiceID == b.ServiceID &&
				other.CustomerID == b.CustomerID && other.Status.IsActive() {
				if _, staged := tx.bookings[other.ID]; !staged {
					return ErrActiveBookingExists
				}
			}
		}
	}
	for id, p := range tx.payments {
		if p.Status.IsTerminal() {
			continue
		}
		for _, other := range m.payments {
			if other.ID != id && other.BookingID == p.BookingID && !other.Status.IsTerminal() {
				if _, staged := tx.payments[other.ID]; !staged {
					return ErrDuplicatePayment
				}
			}
		}
	}

	for id, b := range tx.bookings {
		m.bookings[id] = b
	}
	for id, p := range tx.payments {
		m.payments[id] = p
	}
	for id, d := range tx.disputes {
		m.disputes[id] = d
	}
	return nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) PaymentForBooking(ctx context.Context, bookingID string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := latestPayment(bookingID, m.payments, nil)
	if p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) ListBookings(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Booking
	for _, b := range m.bookings {
		if !b.IsParty(userID) || !after.Precedes(b.CreatedAt, b.ID) {
			continue
		}
		cp := *b
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListOpenDisputes(ctx context.Context, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status == DisputeOpen {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListStalePending(ctx context.Context, provider string, cutoff time.Time, after *pagination.Cursor, limit int) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payment
	for _, p := range m.payments {
		if p.Status != PaymentPending || p.Provider != provider || p.CheckoutReference == "" {
			continue
		}
		if !p.CreatedAt.Before(cutoff) || !after.Follows(p.CreatedAt, p.ID) {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return oldestFirst(result[i].CreatedAt, result[i].ID, result[j].CreatedAt, result[j].ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListActivePairs(ctx context.Context, after *pagination.Cursor, limit int) ([]Pair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Pair
	for _, b := range m.bookings {
		if b.Status.IsTerminal() || !after.Follows(b.CreatedAt, b.ID) {
			continue
		}
		bc := *b
		pair := Pair{Booking: &bc}
		if p := latestPayment(b.ID, m.payments, nil); p != nil {
			pc := *p
			pair.Payment = &pc
		}
		result = append(result, pair)
	}
	sort.Slice(result, func(i, j int) bool {
		bi, bj := result[i].Booking, result[j].Booking
		return oldestFirst(bi.CreatedAt, bi.ID, bj.CreatedAt, bj.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func oldestFirst(ti time.Time, idi string, tj time.Time, idj string) bool {
	if ti.Equal(tj) {
		return idi < idj
	}
	return ti.Before(tj)
}

// latestPayment returns the newest payment of a booking across the committed
// map and an optional staged overlay.
func latestPayment(bookingID string, committed, staged map[string]*Payment) *Payment {
	var latest *Payment
	consider := func(p *Payment) {
		if p.BookingID != bookingID {
			return
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) ||
			(p.CreatedAt.Equal(latest.CreatedAt) && p.ID > latest.ID) {
			latest = p
		}
	}
	for id, p := range committed {
		if _, ok := staged[id]; ok {
			continue
		}
		consider(p)
	}
	for _, p := range staged {
		consider(p)
	}
	return latest
}

// memTx stages writes until MemoryStore.commit. The *Base maps hold the
// committed status or version each updated row must still have at commit.
type memTx struct {
	m *MemoryStore

	bookings map[string]*Booking
	payments map[string]*Payment
	disputes map[string]*Dispute

	bookingBase map[string]BookingStatus
	paymentBase map[string]int64
	disputeBase map[string]DisputeStatus
}

func newMemTx(m *MemoryStore) *memTx {
	return &memTx{
		m:           m,
		bookings:    make(map[string]*Booking),
		payments:    make(map[string]*Payment),
		disputes:    make(map[string]*Dispute),
		bookingBase: make(map[string]BookingStatus),
		paymentBase: make(map[string]int64),
		disputeBase: make(map[string]DisputeStatus),
	}
}

func (tx *memTx) booking(id string) (*Booking, bool) {
	if b, ok := tx.bookings[id]; ok {
		return b, false
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	b, ok := tx.m.bookings[id]
	return b, ok
}

func (tx *memTx) payment(id string) (*Payment, bool) {
	if p, ok := tx.payments[id]; ok {
		return p, false
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	p, ok := tx.m.payments[id]
	return p, ok
}

func (tx *memTx) dispute(id string) (*Dispute, bool) {
	if d, ok := tx.disputes[id]; ok {
		return d, false
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	d, ok := tx.m.disputes[id]
	return d, ok
}

func (tx *memTx) GetBooking(ctx context.Context, id string) (*Booking, error) {
	b, _ := tx.booking(id)
	if b == nil {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (tx *memTx) PaymentForBooking(ctx context.Context, bookingID string) (*Payment, error) {
	tx.m.mu.RLock()
	p := latestPayment(bookingID, tx.m.payments, tx.payments)
	tx.m.mu.RUnlock()
	if p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (tx *memTx) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p, _ := tx.payment(id)
	if p == nil {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (tx *memTx) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	d, _ := tx.dispute(id)
	if d == nil {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (tx *memTx) HasActiveBooking(ctx context.Context, serviceID, customerID string) (bool, error) {
	match := func(b *Booking) bool {
		return b.ServiceID == serviceID && b.CustomerID == customerID && b.Status.IsActive()
	}
	for _, b := range tx.bookings {
		if match(b) {
			return true, nil
		}
	}
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()
	for id, b := range tx.m.bookings {
		if _, staged := tx.bookings[id]; staged {
			continue
		}
		if match(b) {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memTx) InsertBooking(ctx context.Context, b *Booking) error {
	if existing, _ := tx.booking(b.ID); existing != nil {
		return ErrConflict
	}
	cp := *b
	tx.bookings[b.ID] = &cp
	return nil
}

func (tx *memTx) UpdateBooking(ctx context.Context, b *Booking, from BookingStatus) error {
	cur, committed := tx.booking(b.ID)
	if cur == nil {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	if committed {
		tx.bookingBase[b.ID] = from
	}
	cp := *b
	tx.bookings[b.ID] = &cp
	return nil
}

func (tx *memTx) InsertPayment(ctx context.Context, p *Payment) error {
	if existing, _ := tx.payment(p.ID); existing != nil {
		return ErrConflict
	}
	cp := *p
	tx.payments[p.ID] = &cp
	return nil
}

func (tx *memTx) UpdatePayment(ctx context.Context, p *Payment, from PaymentStatus) error {
	cur, committed := tx.payment(p.ID)
	if cur == nil {
		return ErrNotFound
	}
	if cur.Status != from || cur.Version != p.Version {
		return ErrConflict
	}
	if committed {
		tx.paymentBase[p.ID] = cur.Version
	}
	p.Version++
	cp := *p
	tx.payments[p.ID] = &cp
	return nil
}

func (tx *memTx) InsertDispute(ctx context.Context, d *Dispute) error {
	if existing, _ := tx.dispute(d.ID); existing != nil {
		return ErrConflict
	}
	cp := *d
	tx.disputes[d.ID] = &cp
	return nil
}

func (tx *memTx) UpdateDispute(ctx context.Context, d *Dispute, from DisputeStatus) error {
	cur, committed := tx.dispute(d.ID)
	if cur == nil {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	if committed {
		tx.disputeBase[d.ID] = from
	}
	cp := *d
	tx.disputes[d.ID] = &cp
	return nil
}

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"

	"github.com/mbd888/handyhub/internal/money"
)

// -----------------------------------------------------------------------------
// In-Memory Store
// -----------------------------------------------------------------------------

// MemoryStore is a thread-safe in-memory implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[string]*Listing
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, l *Listing) error {
	cp := *l
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, l *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[l.ID]; !ok {
		return ErrListingNotFound
	}
	cp := *l
	m.listings[l.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByProvider(_ context.Context, providerID string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	var out []*Listing
	for _, l := range m.listings {
		if l.ProviderID == providerID {
			cp := *l
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// PostgreSQL Store
// -----------------------------------------------------------------------------

// PostgresStore persists listings in service_listings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const listingColumns = `id, provider_id, title, price, currency, active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO service_listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, l.ID, l.ProviderID, l.Title, l.Price.Cents(), l.Currency, l.Active, l.CreatedAt, l.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM service_listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) Update(ctx context.Context, l *Listing) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE service_listings
		SET title = $2, price = $3, active = $4, updated_at = $5
		WHERE id = $1
	`, l.ID, l.Title, l.Price.Cents(), l.Active, l.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (p *PostgresStore) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+listingColumns+` FROM service_listings
		WHERE provider_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanListing(s scanner) (*Listing, error) {
	l := &Listing{}
	var price int64
	if err := s.Scan(&l.ID, &l.ProviderID, &l.Title, &price, &l.Currency, &l.Active, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	l.Price = money.Amount(price)
	return l, nil
}

// Package catalog holds the service listings providers offer for booking.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/handyhub/internal/escrow"
	"github.com/mbd888/handyhub/internal/idgen"
	"github.com/mbd888/handyhub/internal/money"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrListingNotFound = errors.New("catalog: listing not found")
	ErrNotOwner        = errors.New("catalog: listing belongs to another provider")
	ErrInvalidListing  = errors.New("catalog: invalid listing")
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Listing is a bookable service offered by one provider.
type Listing struct {
	ID         string       `json:"id"`
	ProviderID string       `json:"providerId"`
	Title      string       `json:"title"`
	Price      money.Amount `json:"price"`
	Currency   string       `json:"currency"`
	Active     bool         `json:"active"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// CreateListingRequest is the payload for publishing a listing.
type CreateListingRequest struct {
	Title    string       `json:"title" binding:"required"`
	Price    money.Amount `json:"price"`
	Currency string       `json:"currency"`
}

// UpdateListingRequest changes the mutable fields of a listing. Nil fields
// are left as they are.
type UpdateListingRequest struct {
	Title  *string       `json:"title"`
	Price  *money.Amount `json:"price"`
	Active *bool         `json:"active"`
}

// Store persists listings.
type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, l *Listing) error
	// ListByProvider returns a provider's listings, newest first.
	ListByProvider(ctx context.Context, providerID string, limit int) ([]*Listing, error)
}

// DefaultCurrency is used when a listing does not name one.
const DefaultCurrency = "USD"

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Service manages listings and resolves them for booking.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a catalog service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

var _ escrow.ServiceLookup = (*Service)(nil)

// LookupService resolves a listing for the booking state machine.
func (s *Service) LookupService(ctx context.Context, serviceID string) (*escrow.ServiceInfo, error) {
	l, err := s.store.Get(ctx, serviceID)
	if errors.Is(err, ErrListingNotFound) {
		return nil, fmt.Errorf("%w: service %s", escrow.ErrNotFound, serviceID)
	}
	if err != nil {
		return nil, err
	}
	return &escrow.ServiceInfo{
		ID:         l.ID,
		ProviderID: l.ProviderID,
		Price:      l.Price,
		Currency:   l.Currency,
		Active:     l.Active,
	}, nil
}

// Create publishes a listing owned by providerID.
func (s *Service) Create(ctx context.Context, providerID string, req CreateListingRequest) (*Listing, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidListing)
	}
	if !req.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidListing)
	}
	if req.Price > money.MaxAmount {
		return nil, fmt.Errorf("%w: price may not exceed %s", ErrInvalidListing, money.MaxAmount)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = DefaultCurrency
	}
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidListing)
	}

	now := s.now()
	l := &Listing{
		ID:         idgen.New(idgen.Service),
		ProviderID: providerID,
		Title:      title,
		Price:      req.Price,
		Currency:   currency,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Get returns one listing.
func (s *Service) Get(ctx context.Context, id string) (*Listing, error) {
	return s.store.Get(ctx, id)
}

// Update changes a listing owned by providerID.
func (s *Service) Update(ctx context.Context, id, providerID string, req UpdateListingRequest) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.ProviderID != providerID {
		return nil, ErrNotOwner
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title is required", ErrInvalidListing)
		}
		l.Title = title
	}
	if req.Price != nil {
		if !req.Price.IsPositive() {
			return nil, fmt.Errorf("%w: price must be positive", ErrInvalidListing)
		}
		if *req.Price > money.MaxAmount {
			return nil, fmt.Errorf("%w: price may not exceed %s", ErrInvalidListing, money.MaxAmount)
		}
		l.Price = *req.Price
	}
	if req.Active != nil {
		l.Active = *req.Active
	}
	l.UpdatedAt = s.now()
	if err := s.store.Update(ctx, l); err != nil {
		return nil, err
	}
	return l, nil
}

// ListByProvider returns the listings of one provider.
func (s *Service) ListByProvider(ctx context.Context, providerID string, limit int) ([]*Listing, error) {
	return s.store.ListByProvider(ctx, providerID, limit)
}

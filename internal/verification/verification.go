// Package verification decides whether a provider may take bookings.
// Individual accounts are exempt; business accounts must have passed an
// identity check, which is started here and completed by a provider
// webhook.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/traces"
)

// AccountType distinguishes business providers from individuals.
type AccountType string

const (
	AccountIndividual AccountType = "individual"
	AccountBusiness   AccountType = "business"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	return t == AccountIndividual || t == AccountBusiness
}

// Status is the identity check state of a provider.
type Status string

const (
	StatusUnverified Status = "unverified"
	StatusPending    Status = "pending"
	StatusVerified   Status = "verified"
)

var (
	ErrNotFound        = errors.New("provider profile not found")
	ErrAlreadyVerified = errors.New("provider is already verified")
	ErrInvalidAccount  = errors.New("invalid account type")
)

// Profile is the verification record of a provider.
type Profile struct {
	ProviderID  string      `json:"providerId"`
	AccountType AccountType `json:"accountType"`
	Status      Status      `json:"kycStatus"`
	SessionID   string      `json:"verificationSessionId,omitempty"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Store persists provider profiles.
type Store interface {
	Get(ctx context.Context, providerID string) (*Profile, error)
	Upsert(ctx context.Context, p *Profile) error
}

// Cache remembers providers already known to be verified.
type Cache interface {
	IsVerified(ctx context.Context, providerID string) (bool, error)
	SetVerified(ctx context.Context, providerID string) error
	Forget(ctx context.Context, providerID string) error
}

// SessionCreator opens identity verification sessions at the KYC provider.
type SessionCreator interface {
	CreateIdentitySession(ctx context.Context, providerID, returnURL string) (id, url string, err error)
}

// Session is an identity verification session handed to the provider.
type Session struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// Gate answers verification questions and drives identity sessions.
type Gate struct {
	store     Store
	cache     Cache
	sessions  SessionCreator
	returnURL string
	now       func() time.Time
}

// NewGate creates a verification gate. cache and sessions may be nil.
func NewGate(store Store, cache Cache, sessions SessionCreator, returnURL string) *Gate {
	return &Gate{store: store, cache: cache, sessions: sessions, returnURL: returnURL, now: time.Now}
}

// IsProviderVerified reports whether providerID may take bookings. A
// provider without a profile is an individual.
func (g *Gate) IsProviderVerified(ctx context.Context, providerID string) (bool, error) {
	if g.cache != nil {
		ok, err := g.cache.IsVerified(ctx, providerID)
		if err == nil && ok {
			return true, nil
		}
		if err != nil {
			logging.L(ctx).Warn("verification cache lookup failed", "provider_id", providerID, "error", err)
		}
	}

	p, err := g.store.Get(ctx, providerID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load provider profile: %w", err)
	}
	if p.AccountType != AccountBusiness {
		return true, nil
	}
	if p.Status != StatusVerified {
		return false, nil
	}
	g.remember(ctx, providerID)
	return true, nil
}

// Profile returns the profile of providerID, defaulting to an unverified
// individual.
func (g *Gate) Profile(ctx context.Context, providerID string) (*Profile, error) {
	p, err := g.store.Get(ctx, providerID)
	if errors.Is(err, ErrNotFound) {
		return &Profile{ProviderID: providerID, AccountType: AccountIndividual, Status: StatusUnverified}, nil
	}
	return p, err
}

// SetAccountType changes the account type of a provider. Moving to a
// business account clears any cached verification.
func (g *Gate) SetAccountType(ctx context.Context, providerID string, t AccountType) (*Profile, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccount, t)
	}
	p, err := g.Profile(ctx, providerID)
	if err != nil {
		return nil, err
	}
	p.AccountType = t
	p.UpdatedAt = g.now()
	if err := g.store.Upsert(ctx, p); err != nil {
		return nil, err
	}
	if g.cache != nil && p.Status != StatusVerified {
		if err := g.cache.Forget(ctx, providerID); err != nil {
			logging.L(ctx).Warn("verification cache forget failed", "provider_id", providerID, "error", err)
		}
	}
	return p, nil
}

// StartVerification opens an identity session for providerID and marks
// its profile pending.
func (g *Gate) StartVerification(ctx context.Context, providerID string) (*Session, error) {
	ctx, span := traces.StartSpan(ctx, "verification.Start", traces.Actor(providerID))
	defer span.End()

	if g.sessions == nil {
		return nil, errors.New("identity verification is not configured")
	}
	p, err := g.Profile(ctx, providerID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusVerified {
		return nil, ErrAlreadyVerified
	}

	id, url, err := g.sessions.CreateIdentitySession(ctx, providerID, g.returnURL)
	if err != nil {
		traces.Fail(span, err, "create identity session failed")
		return nil, fmt.Errorf("create identity session: %w", err)
	}
	p.Status = StatusPending
	p.SessionID = id
	p.UpdatedAt = g.now()
	if err := g.store.Upsert(ctx, p); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("identity verification started", "provider_id", providerID, "session_id", id)
	return &Session{ID: id, URL: url}, nil
}

// MarkVerified records a successful identity check. Repeated calls are
// harmless.
func (g *Gate) MarkVerified(ctx context.Context, providerID, sessionID string) error {
	p, err := g.Profile(ctx, providerID)
	if err != nil {
		return err
	}
	if p.Status != StatusVerified {
		p.Status = StatusVerified
		if sessionID != "" {
			p.SessionID = sessionID
		}
		p.UpdatedAt = g.now()
		if err := g.store.Upsert(ctx, p); err != nil {
			return err
		}
		logging.L(ctx).Info("provider verified", "provider_id", providerID, "session_id", sessionID)
	}
	g.remember(ctx, providerID)
	return nil
}

func (g *Gate) remember(ctx context.Context, providerID string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.SetVerified(ctx, providerID); err != nil {
		logging.L(ctx).Warn("verification cache write failed", "provider_id", providerID, "error", err)
	}
}

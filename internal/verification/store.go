package verification

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps profiles in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryStore creates an empty in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Get(_ context.Context, providerID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Upsert(_ context.Context, p *Profile) error {
	cp := *p
	m.mu.Lock()
	m.profiles[p.ProviderID] = &cp
	m.mu.Unlock()
	return nil
}

// PostgresStore persists profiles in provider_profiles.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, providerID string) (*Profile, error) {
	p := &Profile{}
	var accountType, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_id, account_type, kyc_status, verification_session_id, updated_at
		FROM provider_profiles WHERE provider_id = $1
	`, providerID).Scan(&p.ProviderID, &accountType, &status, &p.SessionID, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.AccountType, p.Status = AccountType(accountType), Status(status)
	return p, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_profiles (provider_id, account_type, kyc_status, verification_session_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id) DO UPDATE SET
			account_type = EXCLUDED.account_type,
			kyc_status = EXCLUDED.kyc_status,
			verification_session_id = EXCLUDED.verification_session_id,
			updated_at = EXCLUDED.updated_at
	`, p.ProviderID, string(p.AccountType), string(p.Status), p.SessionID, p.UpdatedAt)
	return err
}

// RedisCache caches positive verification answers.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// DefaultCacheTTL bounds how long a verified answer is reused.
const DefaultCacheTTL = 15 * time.Minute

// NewRedisCache creates a Redis-backed verification cache.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func cacheKey(providerID string) string { return "handyhub:kyc:" + providerID }

func (c *RedisCache) IsVerified(ctx context.Context, providerID string) (bool, error) {
	v, err := c.rdb.Get(ctx, cacheKey(providerID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == string(StatusVerified), nil
}

func (c *RedisCache) SetVerified(ctx context.Context, providerID string) error {
	return c.rdb.Set(ctx, cacheKey(providerID), string(StatusVerified), c.ttl).Err()
}

func (c *RedisCache) Forget(ctx context.Context, providerID string) error {
	return c.rdb.Del(ctx, cacheKey(providerID)).Err()
}

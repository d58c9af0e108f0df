package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryEventStore keeps event records in memory.
type MemoryEventStore struct {
	mu      sync.RWMutex
	records map[string]*EventRecord
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{records: make(map[string]*EventRecord)}
}

func eventKey(provider, eventID string) string { return provider + ":" + eventID }

func (m *MemoryEventStore) Processed(_ context.Context, provider, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[eventKey(provider, eventID)]
	return ok && rec.ProcessedAt != nil, nil
}

func (m *MemoryEventStore) Record(_ context.Context, rec *EventRecord) error {
	cp := *rec
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.records[eventKey(rec.Provider, rec.EventID)]; ok {
		cp.ReceivedAt = prev.ReceivedAt
	}
	m.records[eventKey(rec.Provider, rec.EventID)] = &cp
	return nil
}

// Get returns a copy of a stored record.
func (m *MemoryEventStore) Get(provider, eventID string) (*EventRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[eventKey(provider, eventID)]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// PostgresEventStore persists event records in webhook_events.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) Processed(ctx context.Context, provider, eventID string) (bool, error) {
	var processedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT processed_at FROM webhook_events WHERE provider = $1 AND event_id = $2
	`, provider, eventID).Scan(&processedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return processedAt.Valid, nil
}

func (p *PostgresEventStore) Record(ctx context.Context, rec *EventRecord) error {
	var payload []byte
	if len(rec.Payload) > 0 && json.Valid(rec.Payload) {
		payload = rec.Payload
	}
	var processedAt sql.NullTime
	if rec.ProcessedAt != nil {
		processedAt = sql.NullTime{Time: *rec.ProcessedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type, payload, outcome, error, received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, event_id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			error = EXCLUDED.error,
			processed_at = COALESCE(webhook_events.processed_at, EXCLUDED.processed_at)
	`, rec.Provider, rec.EventID, rec.EventType, payload, string(rec.Outcome), rec.Error, rec.ReceivedAt, processedAt)
	if err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

// RedisEventStore keeps a processed marker per event in Redis with a TTL,
// in front of an optional durable store.
type RedisEventStore struct {
	rdb  *redis.Client
	ttl  time.Duration
	next EventStore
}

// DefaultMarkerTTL covers the retry window of both providers.
const DefaultMarkerTTL = 72 * time.Hour

// NewRedisEventStore creates a Redis-backed event store. When next is set
// it is consulted on a marker miss and receives every record.
func NewRedisEventStore(rdb *redis.Client, ttl time.Duration, next EventStore) *RedisEventStore {
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return &RedisEventStore{rdb: rdb, ttl: ttl, next: next}
}

func markerKey(provider, eventID string) string {
	return "handyhub:webhook:" + provider + ":" + eventID
}

func (r *RedisEventStore) Processed(ctx context.Context, provider, eventID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, markerKey(provider, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if r.next == nil {
		return false, nil
	}
	return r.next.Processed(ctx, provider, eventID)
}

func (r *RedisEventStore) Record(ctx context.Context, rec *EventRecord) error {
	if r.next != nil {
		if err := r.next.Record(ctx, rec); err != nil {
			return err
		}
	}
	if rec.ProcessedAt == nil {
		return nil
	}
	if err := r.rdb.Set(ctx, markerKey(rec.Provider, rec.EventID), string(rec.Outcome), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

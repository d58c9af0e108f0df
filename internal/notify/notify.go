// Package notify delivers booking lifecycle notifications to users and to
// the operator channel.
//
// Emitter is fire-and-forget: callers enqueue after their transaction has
// committed and sink failures are logged and counted, never returned.
package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Channel separates notifications addressed to a user from those addressed
// to operators.
type Channel string

const (
	ChannelUser     Channel = "user"
	ChannelOperator Channel = "operator"
)

// Notification is a single message for a user or for operators.
type Notification struct {
	ID        string         `json:"id"`
	Channel   Channel        `json:"channel"`
	UserID    string         `json:"userId,omitempty"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Sink delivers notifications to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

// Reader lists stored notifications of a user, newest first.
type Reader interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]*Notification, error)
}

// LogSink writes every notification as a structured log line.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, n *Notification) error {
	s.logger.Info("notification",
		"id", n.ID,
		"channel", string(n.Channel),
		"user_id", n.UserID,
		"type", n.Type,
		"message", n.Message,
		"request_id", n.RequestID,
	)
	return nil
}

// MemoryStore keeps notifications in memory for development mode and tests.
// It is both a Sink and a Reader.
type MemoryStore struct {
	mu    sync.RWMutex
	items []*Notification
}

// NewMemoryStore creates an empty in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Deliver(_ context.Context, n *Notification) error {
	cp := *n
	m.mu.Lock()
	m.items = append(m.items, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for _, n := range m.items {
		if n.Channel == ChannelUser && n.UserID == userID {
			cp := *n
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Operator returns every operator-channel notification in arrival order.
func (m *MemoryStore) Operator() []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Notification
	for _, n := range m.items {
		if n.Channel == ChannelOperator {
			cp := *n
			result = append(result, &cp)
		}
	}
	return result
}

// Len returns the number of stored notifications.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

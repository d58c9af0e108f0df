// Package syncutil provides per-key locking for in-memory stores.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when given n <= 0.
const DefaultShards = 256

// KeyedMutex serializes callers that share a key. Keys hash onto a fixed
// pool of channel-backed shards, so memory stays bounded and two unrelated
// keys may occasionally wait on each other. Holding two keys at once can
// deadlock if they share a shard.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a keyed mutex with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key or returns ctx.Err() if ctx ends first.
// The returned function releases the lock and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	shard := m.shard(key)
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	shard := m.shard(key)
	select {
	case shard <- struct{}{}:
		return func() { <-shard }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) chan struct{} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

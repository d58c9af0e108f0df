package syncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "bk_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("expected %d, got %d", n, counter)
	}
}

func TestKeyedMutex_ContextDeadline(t *testing.T) {
	m := NewKeyedMutex(8)

	unlock, err := m.Lock(context.Background(), "bk_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "bk_1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex(1)

	unlock, ok := m.TryLock("a")
	if !ok {
		t.Fatal("expected free lock")
	}
	// A single shard means every key shares it.
	if _, ok := m.TryLock("b"); ok {
		t.Fatal("expected shard to be held")
	}
	unlock()
	if u, ok := m.TryLock("b"); !ok {
		t.Fatal("expected lock after release")
	} else {
		u()
	}
}

func TestKeyedMutex_UnlockWakesWaiter(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not acquire lock after release")
	}
}

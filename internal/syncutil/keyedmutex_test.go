package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex(0)

	unlock, err := m.Lock(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	unlock()

	unlock, err = m.Lock(context.Background(), "esc_1")
	if err != nil {
		t.Fatalf("relock failed: %v", err)
	}
	unlock()
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(16)
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic read-modify-write; broken exclusion shows up as a lost update.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if atomic.LoadInt64(&counter) != n {
		t.Fatalf("expected %d, got %d", n, atomic.LoadInt64(&counter))
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex(0)

	unlock, err := m.Lock(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, "blocked")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutex_UnlockAllowsNext(t *testing.T) {
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
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}

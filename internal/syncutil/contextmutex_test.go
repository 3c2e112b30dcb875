package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestContextShardedMutexLockUnlock(t *testing.T) {
	var m ContextShardedMutex
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "mat_1")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	unlock()

	// The key is free again.
	unlock, err = m.Lock(ctx, "mat_1")
	if err != nil {
		t.Fatalf("Lock() after unlock error = %v", err)
	}
	unlock()
}

func TestContextShardedMutexCancelledContext(t *testing.T) {
	var m ContextShardedMutex

	// An already-cancelled context never acquires, even on a free key.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Lock(cancelled, "mat_free"); err != context.Canceled {
		t.Fatalf("Lock() with cancelled ctx error = %v, want context.Canceled", err)
	}

	// A waiter on a held key bails out at its deadline.
	unlock, err := m.Lock(context.Background(), "mat_held")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer unlock()

	ctx, cancelWait := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelWait()
	if _, err := m.Lock(ctx, "mat_held"); err != context.DeadlineExceeded {
		t.Fatalf("Lock() on held key error = %v, want context.DeadlineExceeded", err)
	}
}

func TestContextShardedMutexSerializesKey(t *testing.T) {
	var m ContextShardedMutex
	ctx := context.Background()

	var counter int
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "counter")
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != n {
		t.Fatalf("counter = %d, want %d", counter, n)
	}
}

func TestContextShardedMutexUnlockReleasesWaiter(t *testing.T) {
	var m ContextShardedMutex
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "relay")
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
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
		t.Fatal("waiter acquired the lock while it was held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock after release")
	}
}

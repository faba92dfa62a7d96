package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"archive-mirror/pkg/utils"
)

func newTestPool(limit int) *HostSemaphorePool {
	return NewHostSemaphorePool(limit, 0, testLogger())
}

func TestHostSemaphore_AcquireRelease_Basic(t *testing.T) {
	pool := newTestPool(2)

	// Two acquires should succeed
	if err := pool.Acquire(context.Background(), "ia800.us.archive.org"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := pool.Acquire(context.Background(), "ia800.us.archive.org"); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	// Third should time out (all 2 slots held)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Acquire(ctx, "ia800.us.archive.org"); err == nil {
		t.Fatal("expected third acquire to fail, but it succeeded")
	}

	// Release one, then acquire should succeed again
	pool.Release("ia800.us.archive.org")
	if err := pool.Acquire(context.Background(), "ia800.us.archive.org"); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}

	// Cleanup
	pool.Release("ia800.us.archive.org")
	pool.Release("ia800.us.archive.org")
}

func TestHostSemaphore_MultipleHosts(t *testing.T) {
	pool := newTestPool(1)

	// Acquire on two different hosts should not interfere
	if err := pool.Acquire(context.Background(), "ia800.us.archive.org"); err != nil {
		t.Fatalf("ia800 acquire failed: %v", err)
	}
	if err := pool.Acquire(context.Background(), "ia600.us.archive.org"); err != nil {
		t.Fatalf("ia600 acquire failed: %v", err)
	}

	if pool.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", pool.Len())
	}

	pool.Release("ia800.us.archive.org")
	pool.Release("ia600.us.archive.org")
}

func TestHostSemaphore_EvictIdle_RemovesIdleEntries(t *testing.T) {
	pool := newTestPool(1)

	for _, host := range []string{"a.com", "b.com", "c.com"} {
		if err := pool.Acquire(context.Background(), host); err != nil {
			t.Fatalf("acquire %s failed: %v", host, err)
		}
		pool.Release(host)
	}

	if pool.Len() != 3 {
		t.Fatalf("expected 3 entries before eviction, got %d", pool.Len())
	}

	time.Sleep(5 * time.Millisecond)
	pool.evictIdle(1 * time.Millisecond)

	if pool.Len() != 0 {
		t.Errorf("expected 0 entries after eviction, got %d", pool.Len())
	}
}

func TestHostSemaphore_EvictIdle_PreservesActiveEntries(t *testing.T) {
	pool := newTestPool(1)

	// ia800: acquired and held
	if err := pool.Acquire(context.Background(), "ia800.us.archive.org"); err != nil {
		t.Fatalf("acquire ia800 failed: %v", err)
	}

	// ia600: acquired and released
	if err := pool.Acquire(context.Background(), "ia600.us.archive.org"); err != nil {
		t.Fatalf("acquire ia600 failed: %v", err)
	}
	pool.Release("ia600.us.archive.org")

	time.Sleep(5 * time.Millisecond)
	pool.evictIdle(1 * time.Millisecond)

	if pool.Len() != 1 {
		t.Errorf("expected 1 entry (ia800 preserved), got %d", pool.Len())
	}

	pool.Release("ia800.us.archive.org")
}

func TestHostSemaphore_RunEviction_RespectsContextCancellation(t *testing.T) {
	pool := newTestPool(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // pre-cancel

	done := make(chan struct{})
	go func() {
		pool.RunEviction(ctx, time.Minute)
		close(done)
	}()

	select {
	case <-done:
		// OK
	case <-time.After(2 * time.Second):
		t.Fatal("RunEviction did not respect context cancellation")
	}
}

func TestHostSemaphore_Acquire_RollbackOnContextCancel(t *testing.T) {
	pool := newTestPool(1)

	// Hold the only slot
	if err := pool.Acquire(context.Background(), "ia800.us.archive.org"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	// Second acquire with cancelled context should fail
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pool.Acquire(ctx, "ia800.us.archive.org"); err == nil {
		t.Fatal("expected acquire with cancelled context to fail")
	}

	// Release the held slot
	pool.Release("ia800.us.archive.org")

	// After release, eviction should be able to clean up
	time.Sleep(5 * time.Millisecond)
	pool.evictIdle(1 * time.Millisecond)
	if pool.Len() != 0 {
		t.Errorf("expected 0 entries after eviction, got %d", pool.Len())
	}
}

func TestHostSemaphore_ConcurrentAcquireRelease(t *testing.T) {
	pool := newTestPool(5)
	host := "concurrent.com"
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			if err := pool.Acquire(context.Background(), host); err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			pool.Release(host)
		}()
	}

	wg.Wait()

	// All released, should be evictable
	time.Sleep(5 * time.Millisecond)
	pool.evictIdle(1 * time.Millisecond)
	if pool.Len() != 0 {
		t.Errorf("expected 0 entries after all released, got %d", pool.Len())
	}
}

func TestHostSemaphore_AcquireTimeout(t *testing.T) {
	pool := NewHostSemaphorePool(1, 20*time.Millisecond, testLogger())

	if err := pool.Acquire(context.Background(), "archive.org"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if got := pool.InFlight(); got != 1 {
		t.Errorf("expected 1 in flight, got %d", got)
	}

	err := pool.Acquire(context.Background(), "archive.org")
	if !errors.Is(err, utils.ErrSemaphoreTimeout) {
		t.Fatalf("expected ErrSemaphoreTimeout, got %v", err)
	}
	if got := pool.InFlight(); got != 1 {
		t.Errorf("timed out waiter must be rolled back, got %d in flight", got)
	}

	// A cancelled caller context is reported as itself, not as a timeout
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pool.Acquire(ctx, "archive.org")
	if errors.Is(err, utils.ErrSemaphoreTimeout) || !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	pool.Release("archive.org")
	if got := pool.InFlight(); got != 0 {
		t.Errorf("expected 0 in flight, got %d", got)
	}
}

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingObserver struct {
	mu      sync.Mutex
	allowed int
	blocked int
}

func (o *recordingObserver) ObserveRateLimit(_ string, allowed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if allowed {
		o.allowed++
	} else {
		o.blocked++
	}
}

var _ Observer = (*recordingObserver)(nil)

func newTestLimiter(t *testing.T) (*Limiter, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(0, WithMemoryClock(clock.Now))
	t.Cleanup(store.Stop)
	return New(store), store, clock
}

var loginPolicy = Policy{Name: "login", MaxRequests: 5, Window: 15 * time.Minute, Scope: ScopeIPRoute}

func TestCheck_CountAll_BlocksSixthUntilWindowExpires(t *testing.T) {
	limiter, _, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := limiter.Check(ctx, loginPolicy, "k")
		if err != nil {
			t.Fatalf("Check #%d error: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("request #%d should be allowed", i)
		}
		if d.Remaining != 5-i {
			t.Errorf("request #%d remaining = %d, want %d", i, d.Remaining, 5-i)
		}
	}

	clock.Advance(5 * time.Minute)
	d, err := limiter.Check(ctx, loginPolicy, "k")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th request within the window should be blocked")
	}
	if d.RetryAfter != 10*time.Minute {
		t.Errorf("RetryAfter = %v, want 10m", d.RetryAfter)
	}

	clock.Advance(10 * time.Minute)
	d, err = limiter.Check(ctx, loginPolicy, "k")
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if !d.Allowed {
		t.Error("request after window expiry should be allowed")
	}
}

func TestCheck_KeysAreIndependent(t *testing.T) {
	limiter, _, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = limiter.Check(ctx, loginPolicy, "a")
	}
	if d, _ := limiter.Check(ctx, loginPolicy, "a"); d.Allowed {
		t.Error("key a should be blocked")
	}
	if d, _ := limiter.Check(ctx, loginPolicy, "b"); !d.Allowed {
		t.Error("key b should be allowed")
	}

	register := loginPolicy
	register.Name = "register"
	if d, _ := limiter.Check(ctx, register, "a"); !d.Allowed {
		t.Error("other policy with same key should be allowed")
	}
}

func TestCheck_FailedOnly(t *testing.T) {
	limiter, _, clock := newTestLimiter(t)
	ctx := context.Background()
	p := Policy{Name: "reset", MaxRequests: 3, Window: time.Minute, CountFailedOnly: true, Scope: ScopeBearerOrIP}

	// 成功したリクエストはカウントされない
	for i := 0; i < 10; i++ {
		d, err := limiter.Check(ctx, p, "k")
		if err != nil || !d.Allowed {
			t.Fatalf("Check #%d: allowed=%v err=%v", i+1, d.Allowed, err)
		}
	}

	for i := 0; i < 3; i++ {
		if err := limiter.RecordFailure(ctx, p, "k"); err != nil {
			t.Fatalf("RecordFailure error: %v", err)
		}
	}
	if d, _ := limiter.Check(ctx, p, "k"); d.Allowed {
		t.Error("should be blocked after 3 failures")
	}

	clock.Advance(time.Minute)
	if d, _ := limiter.Check(ctx, p, "k"); !d.Allowed {
		t.Error("should be allowed after window expiry")
	}
}

func TestCheck_ConcurrentNeverExceedsMax(t *testing.T) {
	limiter, store, _ := newTestLimiter(t)
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := limiter.Check(ctx, loginPolicy, "k"); err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 5 {
		t.Errorf("allowed = %d, want 5", got)
	}
	c, _ := store.Peek(ctx, "rl:login:k")
	if c.Count != 5 {
		t.Errorf("count = %d, want 5", c.Count)
	}
}

func TestCheck_NotifiesObserver(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryStore(0, WithMemoryClock(clock.Now))
	defer store.Stop()
	obs := &recordingObserver{}
	limiter := New(store, WithObserver(obs))

	for i := 0; i < 6; i++ {
		_, _ = limiter.Check(context.Background(), loginPolicy, "k")
	}

	if obs.allowed != 5 || obs.blocked != 1 {
		t.Errorf("observer allowed=%d blocked=%d, want 5/1", obs.allowed, obs.blocked)
	}
}

func TestMemoryStore_CleanupEvictsExpiredWindows(t *testing.T) {
	_, store, clock := newTestLimiter(t)
	ctx := context.Background()

	_, _, _ = store.Take(ctx, "a", 5, time.Minute)
	_, _, _ = store.Take(ctx, "b", 5, time.Hour)
	if store.Len() != 2 {
		t.Fatalf("Len = %d, want 2", store.Len())
	}

	clock.Advance(time.Minute)
	store.cleanup()

	if store.Len() != 1 {
		t.Errorf("Len after cleanup = %d, want 1", store.Len())
	}
}

func TestMemoryStore_StopIsIdempotent(t *testing.T) {
	store := NewMemoryStore(time.Millisecond)
	store.Stop()
	store.Stop()
}

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
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

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

// backends returns both implementations wired to the same fake clock.
func backends(t *testing.T, cfg Config, clock *fakeClock) map[string]Limiter {
	_, rdb := newTestRedis(t)
	return map[string]Limiter{
		"memory": NewMemory(cfg, clock.Now),
		"redis":  NewRedis(rdb, "test", cfg, clock.Now),
	}
}

func TestLimiter_ThirdRequestInWindowRejected(t *testing.T) {
	cfg := Config{MaxRequests: 2, Window: 60 * time.Second}

	clock := newFakeClock()

	for name, l := range backends(t, cfg, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			r1, err := l.Check(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, r1.Allowed)
			assert.Equal(t, 1, r1.Remaining)

			clock.Advance(4 * time.Second)
			r2, err := l.Check(ctx, "u1")
			require.NoError(t, err)
			assert.True(t, r2.Allowed)
			assert.Equal(t, 0, r2.Remaining)

			clock.Advance(5 * time.Second)
			r3, err := l.Check(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, r3.Allowed)
			assert.Equal(t, 0, r3.Remaining)
			assert.LessOrEqual(t, r3.ResetIn, 60*time.Second)
			// oldest entry was admitted 9s ago
			assert.Equal(t, 51*time.Second, r3.ResetIn)
		})
	}
}

func TestLimiter_AdmitsAgainAfterWindow(t *testing.T) {
	cfg := Config{MaxRequests: 1, Window: time.Minute}
	clock := newFakeClock()

	for name, l := range backends(t, cfg, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "again-" + name

			r, err := l.Check(ctx, key)
			require.NoError(t, err)
			require.True(t, r.Allowed)

			r, err = l.Check(ctx, key)
			require.NoError(t, err)
			require.False(t, r.Allowed)

			clock.Advance(time.Minute)
			r, err = l.Check(ctx, key)
			require.NoError(t, err)
			assert.True(t, r.Allowed)
		})
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	cfg := Config{MaxRequests: 1, Window: time.Minute}

	for name, l := range backends(t, cfg, newFakeClock()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r, _ := l.Check(ctx, "a")
			assert.True(t, r.Allowed)
			r, _ = l.Check(ctx, "b")
			assert.True(t, r.Allowed)
			r, _ = l.Check(ctx, "a")
			assert.False(t, r.Allowed)
		})
	}
}

func TestRedis_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	_, rdb := newTestRedis(t)
	cfg := Config{MaxRequests: 5, Window: time.Minute}

	// separate limiter instances stand in for separate processes
	limiters := []*Redis{
		NewRedis(rdb, "conc", cfg, nil),
		NewRedis(rdb, "conc", cfg, nil),
		NewRedis(rdb, "conc", cfg, nil),
	}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := limiters[i%len(limiters)].Check(context.Background(), "shared")
			if err == nil && r.Allowed {
				admitted.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(5), admitted.Load())
}

func TestMemory_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	l := NewMemory(Config{MaxRequests: 7, Window: time.Minute}, nil)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r, _ := l.Check(context.Background(), "k"); r.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(7), admitted.Load())
}

func TestRedis_FallsBackWhenStoreUnreachable(t *testing.T) {
	mr, rdb := newTestRedis(t)
	l := NewRedis(rdb, "fb", Config{MaxRequests: 1, Window: time.Minute}, nil)

	var fallbacks atomic.Int64
	l.OnFallback = func(error) { fallbacks.Add(1) }

	mr.Close()

	r, err := l.Check(context.Background(), "u")
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	r, err = l.Check(context.Background(), "u")
	require.NoError(t, err)
	assert.False(t, r.Allowed, "fallback keeps its own window")
	assert.Equal(t, int64(2), fallbacks.Load())
}

func TestRedis_CanceledContextIsNotMaskedByFallback(t *testing.T) {
	_, rdb := newTestRedis(t)
	l := NewRedis(rdb, "cx", Config{MaxRequests: 1, Window: time.Minute}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Check(ctx, "u")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestMemory_PruneDropsExpiredWindows(t *testing.T) {
	clock := newFakeClock()
	l := NewMemory(Config{MaxRequests: 1, Window: time.Second}, clock.Now)
	l.maxKeys = 2

	_, _ = l.Check(context.Background(), "a")
	_, _ = l.Check(context.Background(), "b")
	clock.Advance(2 * time.Second)
	_, _ = l.Check(context.Background(), "c")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Len(t, l.windows, 1)
	assert.Contains(t, l.windows, "c")
}

func TestCompositeKey(t *testing.T) {
	assert.Equal(t, "minute:regular:42", CompositeKey("minute", "regular", "42"))
}

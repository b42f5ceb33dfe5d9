package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kiranshivaraju/mindscope/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = cache.Policy{TTL: time.Second, StaleWindow: 5 * time.Second}

// countingFetch returns "v1", "v2", ... and blocks call number blockOn until
// release is closed.
func countingFetch(calls *atomic.Int32, blockOn int32, release <-chan struct{}) cache.FetchFunc[string] {
	return func(ctx context.Context) (string, error) {
		n := calls.Add(1)
		if n == blockOn {
			<-release
		}
		return fmt.Sprintf("v%d", n), nil
	}
}

func TestGet_FreshHitDoesNotFetch(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := cache.New[string](testPolicy, cache.WithClock(fc))
	var calls atomic.Int32
	fetch := countingFetch(&calls, 0, nil)

	v, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	fc.Advance(999 * time.Millisecond)
	v, err = c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGet_StaleWhileRevalidateTimeline(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := cache.New[string](testPolicy, cache.WithClock(fc))
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := countingFetch(&calls, 2, release)
	ctx := context.Background()

	// t=0: miss, fetch #1
	v, err := c.Get(ctx, "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	// t=500ms: fresh hit
	fc.Advance(500 * time.Millisecond)
	v, _ = c.Get(ctx, "k", fetch)
	assert.Equal(t, "v1", v)
	assert.Equal(t, int32(1), calls.Load())

	// t=1500ms: stale hit, background fetch #2 starts, old value returned
	fc.Advance(time.Second)
	v, _ = c.Get(ctx, "k", fetch)
	assert.Equal(t, "v1", v)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	// t=1600ms: refresh still in flight, no fetch #3
	fc.Advance(100 * time.Millisecond)
	v, _ = c.Get(ctx, "k", fetch)
	assert.Equal(t, "v1", v)
	assert.Equal(t, 1, c.Stats().RefreshesInFlight)

	close(release)
	c.Wait()

	v, _ = c.Get(ctx, "k", fetch)
	assert.Equal(t, "v2", v)
	assert.Equal(t, int32(2), calls.Load())

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(2), s.StaleHits)
	assert.Equal(t, uint64(1), s.Refreshes)
}

func TestGet_HardExpiryBlocks(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := cache.New[string](testPolicy, cache.WithClock(fc))
	var calls atomic.Int32
	fetch := countingFetch(&calls, 0, nil)

	_, _ = c.Get(context.Background(), "k", fetch)
	fc.Advance(5 * time.Second)

	v, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, "v2", v, "past the stale window the caller waits for a new value")
	assert.Equal(t, int32(2), calls.Load())
}

func TestGet_ConcurrentMissesShareOneFetch(t *testing.T) {
	c := cache.New[string](testPolicy, cache.WithClock(clockwork.NewFakeClock()))
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := countingFetch(&calls, 1, release)

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "k", fetch)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "v1", v)
	}
}

func TestGet_FetchErrorIsNotCached(t *testing.T) {
	c := cache.New[string](testPolicy, cache.WithClock(clockwork.NewFakeClock()))
	boom := errors.New("upstream down")
	var calls atomic.Int32
	fetch := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return "ok", nil
	}

	_, err := c.Get(context.Background(), "k", fetch)
	assert.ErrorIs(t, err, boom)

	v, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestGet_FailedRefreshKeepsStaleValue(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := cache.New[string](testPolicy, cache.WithClock(fc))
	ctx := context.Background()

	c.Set(ctx, "k", "old")
	fc.Advance(2 * time.Second)

	failing := func(context.Context) (string, error) { return "", errors.New("nope") }
	v, err := c.Get(ctx, "k", failing)
	require.NoError(t, err)
	assert.Equal(t, "old", v)
	c.Wait()

	s := c.Stats()
	assert.Equal(t, uint64(1), s.RefreshErrors)
	assert.Equal(t, 1, s.Stale)
	assert.Equal(t, 0, s.RefreshesInFlight, "a failed refresh may be retried by the next stale read")
}

func TestGet_WaiterCanGiveUp(t *testing.T) {
	c := cache.New[string](testPolicy, cache.WithClock(clockwork.NewFakeClock()))
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := countingFetch(&calls, 1, release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "k", fetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.Eventually(t, func() bool { return c.Stats().Entries == 1 }, time.Second, 5*time.Millisecond,
		"the shared fetch still completes and populates the cache")
}

func TestInvalidate_DiscardsInFlightRefresh(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := cache.New[string](testPolicy, cache.WithClock(fc))
	ctx := context.Background()
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := countingFetch(&calls, 1, release)

	c.Set(ctx, "k", "old")
	fc.Advance(2 * time.Second)
	v, _ := c.Get(ctx, "k", fetch)
	assert.Equal(t, "old", v)

	c.Invalidate(ctx, "k")
	close(release)
	c.Wait()

	assert.Equal(t, 0, c.Stats().Entries)
}

func TestGetWithPolicy_OverridesDefault(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := cache.New[string](testPolicy, cache.WithClock(fc))
	var calls atomic.Int32
	fetch := countingFetch(&calls, 0, nil)
	long := cache.Policy{TTL: time.Minute, StaleWindow: time.Hour}

	_, _ = c.GetWithPolicy(context.Background(), "k", fetch, long)
	fc.Advance(30 * time.Second)
	_, _ = c.GetWithPolicy(context.Background(), "k", fetch, long)

	assert.Equal(t, int32(1), calls.Load())
}

func TestStatsAndPrune(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := cache.New[string](testPolicy, cache.WithClock(fc))
	ctx := context.Background()

	c.Set(ctx, "expired", "x")
	fc.Advance(3 * time.Second)
	c.Set(ctx, "stale", "y")
	fc.Advance(3 * time.Second)
	c.Set(ctx, "fresh", "z")

	s := c.Stats()
	assert.Equal(t, 3, s.Entries)
	assert.Equal(t, 1, s.Fresh)
	assert.Equal(t, 1, s.Stale)
	assert.Equal(t, 1, s.Expired)

	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 2, c.Stats().Entries)
}

package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Policy sets how long an entry is fresh (TTL) and how long after it was
// written a stale copy may still be served while it is refreshed.
type Policy struct {
	TTL         time.Duration
	StaleWindow time.Duration
}

// FetchFunc loads the authoritative value for a key.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Stats is a point-in-time view of an SWR cache.
type Stats struct {
	Entries           int    `json:"entries"`
	Fresh             int    `json:"fresh"`
	Stale             int    `json:"stale"`
	Expired           int    `json:"expired"`
	RefreshesInFlight int    `json:"refreshesInFlight"`
	Hits              uint64 `json:"hits"`
	StaleHits         uint64 `json:"staleHits"`
	Misses            uint64 `json:"misses"`
	Refreshes         uint64 `json:"refreshes"`
	RefreshErrors     uint64 `json:"refreshErrors"`
}

type entry[T any] struct {
	data       T
	writtenAt  time.Time
	expiresAt  time.Time
	staleUntil time.Time
	refreshing bool
}

func (e *entry[T]) fresh(now time.Time) bool {
	return now.Before(e.expiresAt)
}

func (e *entry[T]) servableStale(now time.Time) bool {
	return !e.fresh(now) && now.Before(e.staleUntil)
}

// envelope is the L2 representation of an entry.
type envelope[T any] struct {
	Data       T         `json:"data"`
	WrittenAt  time.Time `json:"writtenAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	StaleUntil time.Time `json:"staleUntil"`
}

type options struct {
	name           string
	clock          clockwork.Clock
	backend        Cache
	refreshTimeout time.Duration
	logger         *slog.Logger
}

// Option configures an SWR cache.
type Option func(*options)

// WithName labels the cache in logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithBackend adds a shared second-level store consulted on memory misses.
func WithBackend(b Cache) Option {
	return func(o *options) { o.backend = b }
}

// WithRefreshTimeout bounds background and blocking fetches.
func WithRefreshTimeout(d time.Duration) Option {
	return func(o *options) { o.refreshTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// SWR is an in-memory stale-while-revalidate cache. Staleness is derived from
// the clock at read time; writers only ever record timestamps.
type SWR[T any] struct {
	policy Policy
	opts   options

	mu      sync.Mutex
	entries map[string]*entry[T]
	// gen is bumped by Invalidate so fetches that started earlier do not
	// write back a value the caller has just discarded.
	gen uint64

	group singleflight.Group
	wg    sync.WaitGroup

	hits, staleHits, misses, refreshes, refreshErrors atomic.Uint64
}

// New creates an SWR cache with a default policy.
func New[T any](policy Policy, opts ...Option) *SWR[T] {
	o := options{
		name:           "cache",
		clock:          clockwork.NewRealClock(),
		refreshTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &SWR[T]{
		policy:  policy,
		opts:    o,
		entries: make(map[string]*entry[T]),
	}
}

// Get is GetWithPolicy with the cache's default policy.
func (c *SWR[T]) Get(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) {
	return c.GetWithPolicy(ctx, key, fetch, c.policy)
}

// GetWithPolicy returns the cached value for key. A fresh entry is returned
// without calling fetch. An entry past its TTL but inside the stale window is
// returned immediately and refreshed in the background, at most one refresh
// per key at a time. Otherwise the caller blocks on fetch; concurrent blocking
// callers for the same key share one fetch.
func (c *SWR[T]) GetWithPolicy(ctx context.Context, key string, fetch FetchFunc[T], policy Policy) (T, error) {
	if v, ok := c.lookup(ctx, key, fetch, policy); ok {
		return v, nil
	}
	if v, ok := c.loadBackend(ctx, key, fetch, policy); ok {
		return v, nil
	}

	c.misses.Add(1)
	return c.blockingFetch(ctx, key, fetch, policy)
}

func (c *SWR[T]) lookup(ctx context.Context, key string, fetch FetchFunc[T], policy Policy) (T, bool) {
	now := c.opts.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if e.fresh(now) {
		c.hits.Add(1)
		return e.data, true
	}
	if e.servableStale(now) {
		c.staleHits.Add(1)
		c.startRefreshLocked(ctx, key, e, fetch, policy)
		return e.data, true
	}
	var zero T
	return zero, false
}

// startRefreshLocked launches a background refresh for e unless one is
// already running. c.mu must be held.
func (c *SWR[T]) startRefreshLocked(ctx context.Context, key string, e *entry[T], fetch FetchFunc[T], policy Policy) {
	if e.refreshing {
		return
	}
	e.refreshing = true
	c.refreshes.Add(1)
	gen := c.gen

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.refreshTimeout)
		defer cancel()

		v, err := fetch(rctx)

		c.mu.Lock()
		current := c.entries[key]
		if current == e {
			e.refreshing = false
		}
		if err != nil {
			c.mu.Unlock()
			c.refreshErrors.Add(1)
			c.opts.logger.Warn("background refresh failed, serving stale value",
				"cache", c.opts.name,
				"key", key,
				"error", err,
			)
			return
		}
		// Invalidated or replaced while refreshing: drop the result.
		if current != e || c.gen != gen {
			c.mu.Unlock()
			return
		}
		stored := c.putLocked(key, v, policy)
		c.mu.Unlock()

		c.storeBackend(rctx, key, stored, policy)
	}()
}

func (c *SWR[T]) blockingFetch(ctx context.Context, key string, fetch FetchFunc[T], policy Policy) (T, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.refreshTimeout)
		defer cancel()

		v, err := fetch(fctx)
		if err != nil {
			return v, err
		}

		c.mu.Lock()
		var stored *entry[T]
		if c.gen == gen {
			stored = c.putLocked(key, v, policy)
		}
		c.mu.Unlock()
		if stored != nil {
			c.storeBackend(fctx, key, stored, policy)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	}
}

// Set primes key with value as if it had just been fetched.
func (c *SWR[T]) Set(ctx context.Context, key string, value T) {
	c.mu.Lock()
	e := c.putLocked(key, value, c.policy)
	c.mu.Unlock()
	c.storeBackend(ctx, key, e, c.policy)
}

// Invalidate removes key from memory and the backend. A refresh already in
// flight for key will not write its result back.
func (c *SWR[T]) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen++
	c.mu.Unlock()
	c.group.Forget(key)

	if c.opts.backend != nil {
		if err := c.opts.backend.Delete(ctx, key); err != nil {
			c.opts.logger.Warn("cache backend delete failed", "cache", c.opts.name, "key", key, "error", err)
		}
	}
}

// Prune drops entries that are past both their TTL and stale window and
// returns how many were removed.
func (c *SWR[T]) Prune() int {
	now := c.opts.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, e := range c.entries {
		if !e.fresh(now) && !e.servableStale(now) && !e.refreshing {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *SWR[T]) Stats() Stats {
	now := c.opts.clock.Now()
	c.mu.Lock()
	s := Stats{Entries: len(c.entries)}
	for _, e := range c.entries {
		switch {
		case e.fresh(now):
			s.Fresh++
		case e.servableStale(now):
			s.Stale++
		default:
			s.Expired++
		}
		if e.refreshing {
			s.RefreshesInFlight++
		}
	}
	c.mu.Unlock()

	s.Hits = c.hits.Load()
	s.StaleHits = c.staleHits.Load()
	s.Misses = c.misses.Load()
	s.Refreshes = c.refreshes.Load()
	s.RefreshErrors = c.refreshErrors.Load()
	return s
}

// Wait blocks until all background refreshes have finished.
func (c *SWR[T]) Wait() {
	c.wg.Wait()
}

func (c *SWR[T]) putLocked(key string, v T, policy Policy) *entry[T] {
	now := c.opts.clock.Now()
	e := &entry[T]{
		data:       v,
		writtenAt:  now,
		expiresAt:  now.Add(policy.TTL),
		staleUntil: now.Add(policy.StaleWindow),
	}
	c.entries[key] = e
	return e
}

func (c *SWR[T]) storeBackend(ctx context.Context, key string, e *entry[T], policy Policy) {
	if c.opts.backend == nil || e == nil {
		return
	}
	raw, err := json.Marshal(envelope[T]{
		Data:       e.data,
		WrittenAt:  e.writtenAt,
		ExpiresAt:  e.expiresAt,
		StaleUntil: e.staleUntil,
	})
	if err != nil {
		c.opts.logger.Warn("cache entry not serialisable", "cache", c.opts.name, "key", key, "error", err)
		return
	}
	if err := c.opts.backend.Set(ctx, key, raw, max(policy.TTL, policy.StaleWindow)); err != nil {
		c.opts.logger.Warn("cache backend write failed", "cache", c.opts.name, "key", key, "error", err)
	}
}

// loadBackend consults the L2 store after a memory miss and installs what it
// finds. A stale L2 entry is served and refreshed like a stale memory entry.
func (c *SWR[T]) loadBackend(ctx context.Context, key string, fetch FetchFunc[T], policy Policy) (T, bool) {
	var zero T
	if c.opts.backend == nil {
		return zero, false
	}
	raw, found, err := c.opts.backend.Get(ctx, key)
	if err != nil {
		c.opts.logger.Warn("cache backend read failed", "cache", c.opts.name, "key", key, "error", err)
		return zero, false
	}
	if !found {
		return zero, false
	}
	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		c.opts.logger.Warn("cache backend entry corrupt", "cache", c.opts.name, "key", key, "error", fmt.Errorf("decoding envelope: %w", err))
		return zero, false
	}

	now := c.opts.clock.Now()
	e := &entry[T]{
		data:       env.Data,
		writtenAt:  env.WrittenAt,
		expiresAt:  env.ExpiresAt,
		staleUntil: env.StaleUntil,
	}
	if !e.fresh(now) && !e.servableStale(now) {
		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
	if e.fresh(now) {
		c.hits.Add(1)
		return e.data, true
	}
	c.staleHits.Add(1)
	c.startRefreshLocked(ctx, key, e, fetch, policy)
	return e.data, true
}

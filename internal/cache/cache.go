// Package cache implements an asynchronous keyed cache with refresh-after-write
// and idle expiry.
//
// Values are reloaded in the background on the first access after
// RefreshAfter has elapsed; the triggering caller still receives the stale
// value. Entries not read within IdleExpiry are dropped. At most one load is in
// flight per key, and single-key and bulk lookups share that registry, so a Get
// that races a GetAll for the same key waits on the bulk load instead of
// issuing its own.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/you/dankchat-api/internal/logging"
)

const (
	DefaultRefreshAfter    = 30 * time.Minute
	DefaultIdleExpiry      = 24 * time.Hour
	DefaultCleanupInterval = 10 * time.Minute
)

// Loader produces values. Load must always yield a value for key (a not-found
// upstream answer is itself a cacheable value). LoadAll returns only the keys
// it could resolve; omitted keys are reported as not found and are not cached.
type Loader[K comparable, V any] interface {
	Load(ctx context.Context, key K) V
	LoadAll(ctx context.Context, keys []K) map[K]V
}

type Options struct {
	Name            string
	RefreshAfter    time.Duration
	IdleExpiry      time.Duration
	CleanupInterval time.Duration
	Clock           clockwork.Clock
	Metrics         *Metrics
}

type Cache[K comparable, V any] struct {
	name    string
	loader  Loader[K, V]
	refresh time.Duration
	idle    time.Duration
	cleanup time.Duration
	clock   clockwork.Clock
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[K]*entry[V]
	flights map[K]*flight[K, V]
}

type entry[V any] struct {
	value      V
	loadedAt   time.Time
	accessedAt time.Time
}

type flight[K comparable, V any] struct {
	keys   []K
	single bool
	done   chan struct{}
	values map[K]V
}

func New[K comparable, V any](loader Loader[K, V], opts Options) *Cache[K, V] {
	if opts.RefreshAfter <= 0 {
		opts.RefreshAfter = DefaultRefreshAfter
	}
	if opts.IdleExpiry <= 0 {
		opts.IdleExpiry = DefaultIdleExpiry
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Name == "" {
		opts.Name = "cache"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache[K, V]{
		name:    opts.Name,
		loader:  loader,
		refresh: opts.RefreshAfter,
		idle:    opts.IdleExpiry,
		cleanup: opts.CleanupInterval,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[K]*entry[V]),
		flights: make(map[K]*flight[K, V]),
	}
}

// Get returns the cached value for key, loading it on a miss. It only fails
// when ctx ends before a load completes; the load itself keeps running.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	// A joined bulk flight may come back without key; the second pass then
	// issues a single-key load, which always yields a value.
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.Lock()
		now := c.clock.Now()
		if v, ok, stale := c.hitLocked(key, now); ok {
			if stale {
				c.startLocked([]K{key}, true, true)
			}
			c.mu.Unlock()
			c.metrics.hit(c.name)
			return v, nil
		}
		f, inflight := c.flights[key]
		if !inflight {
			f = c.startLocked([]K{key}, true, false)
		}
		c.mu.Unlock()
		if attempt == 0 {
			c.metrics.miss(c.name)
		}

		select {
		case <-f.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		if v, ok := f.values[key]; ok {
			return v, nil
		}
	}
	return zero, fmt.Errorf("cache %s: no value produced", c.name)
}

// GetAll resolves keys, batching every uncached key into one LoadAll call.
// Keys the loader could not resolve are absent from the returned map.
func (c *Cache[K, V]) GetAll(ctx context.Context, keys []K) (map[K]V, error) {
	out := make(map[K]V, len(keys))
	waits := make(map[K]*flight[K, V])
	var missing, stale []K

	c.mu.Lock()
	now := c.clock.Now()
	for _, key := range keys {
		if _, seen := out[key]; seen {
			continue
		}
		if _, seen := waits[key]; seen {
			continue
		}
		if v, ok, refresh := c.hitLocked(key, now); ok {
			out[key] = v
			if refresh {
				stale = append(stale, key)
			}
			continue
		}
		if f, ok := c.flights[key]; ok {
			waits[key] = f
			continue
		}
		missing = append(missing, key)
		waits[key] = nil
	}
	if len(missing) > 0 {
		f := c.startLocked(missing, false, false)
		for _, key := range missing {
			waits[key] = f
		}
	}
	if len(stale) > 0 {
		c.startLocked(stale, false, true)
	}
	c.mu.Unlock()

	c.metrics.hits(c.name, len(out))
	c.metrics.misses(c.name, len(waits))

	for key, f := range waits {
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if v, ok := f.values[key]; ok {
			out[key] = v
		}
	}
	return out, nil
}

// hitLocked serves a live entry and evicts an idle one. stale reports that
// the entry is due for a refresh and none is in flight. Callers hold c.mu.
func (c *Cache[K, V]) hitLocked(key K, now time.Time) (v V, ok, stale bool) {
	e, found := c.entries[key]
	if !found {
		return v, false, false
	}
	if now.Sub(e.accessedAt) >= c.idle {
		delete(c.entries, key)
		c.metrics.evicted(c.name, 1)
		return v, false, false
	}
	e.accessedAt = now
	if now.Sub(e.loadedAt) >= c.refresh {
		_, inflight := c.flights[key]
		stale = !inflight
	}
	return e.value, true, stale
}

func (c *Cache[K, V]) startLocked(keys []K, single, refresh bool) *flight[K, V] {
	f := &flight[K, V]{
		keys:   keys,
		single: single,
		done:   make(chan struct{}),
	}
	for _, k := range keys {
		c.flights[k] = f
	}
	if refresh {
		c.metrics.refreshed(c.name)
	}
	go c.run(f)
	return f
}

func (c *Cache[K, V]) run(f *flight[K, V]) {
	values := make(map[K]V)
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("cache", c.name).
				Interface("panic", r).
				Int("keys", len(f.keys)).
				Msg("cache: loader panicked")
		}
		c.complete(f, values)
	}()

	start := c.clock.Now()
	if f.single {
		values[f.keys[0]] = c.loader.Load(c.ctx, f.keys[0])
	} else {
		for k, v := range c.loader.LoadAll(c.ctx, f.keys) {
			values[k] = v
		}
	}
	c.metrics.loaded(c.name, c.clock.Since(start))
}

func (c *Cache[K, V]) complete(f *flight[K, V], values map[K]V) {
	now := c.clock.Now()

	c.mu.Lock()
	for _, k := range f.keys {
		e := c.entries[k]
		if v, ok := values[k]; ok {
			if e == nil {
				e = &entry[V]{accessedAt: now}
				c.entries[k] = e
			}
			e.value = v
			e.loadedAt = now
		} else if e != nil {
			// Failed refresh: keep serving the old value until the next interval.
			e.loadedAt = now
		}
		if c.flights[k] == f {
			delete(c.flights, k)
		}
	}
	f.values = values
	size := len(c.entries)
	c.mu.Unlock()

	c.metrics.size(c.name, size)
	close(f.done)
}

// EvictIdle drops every entry not read within the idle expiry and returns how
// many were removed. In-flight loads are unaffected.
func (c *Cache[K, V]) EvictIdle() int {
	now := c.clock.Now()
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.accessedAt) >= c.idle {
			delete(c.entries, k)
			removed++
		}
	}
	size := len(c.entries)
	c.mu.Unlock()

	c.metrics.evicted(c.name, removed)
	c.metrics.size(c.name, size)
	return removed
}

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Serve runs the periodic idle sweep until ctx ends. It satisfies suture.Service.
func (c *Cache[K, V]) Serve(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if n := c.EvictIdle(); n > 0 {
				logging.Debug().Str("cache", c.name).Int("evicted", n).Msg("cache: idle sweep")
			}
		}
	}
}

func (c *Cache[K, V]) String() string { return "cache/" + c.name }

// Close cancels the context handed to loads started after this point and to
// loads still running.
func (c *Cache[K, V]) Close() {
	c.cancel()
}

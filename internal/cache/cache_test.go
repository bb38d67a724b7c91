package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLoader struct {
	mu       sync.Mutex
	values   map[string]string
	gate     chan struct{}
	single   atomic.Int64
	bulk     atomic.Int64
	bulkKeys [][]string
}

func newFakeLoader(values map[string]string) *fakeLoader {
	return &fakeLoader{values: values}
}

func (f *fakeLoader) set(key, value string) {
	f.mu.Lock()
	f.values[key] = value
	f.mu.Unlock()
}

func (f *fakeLoader) remove(key string) {
	f.mu.Lock()
	delete(f.values, key)
	f.mu.Unlock()
}

func (f *fakeLoader) wait() {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

func (f *fakeLoader) Load(_ context.Context, key string) string {
	f.single.Add(1)
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.values[key]; ok {
		return v
	}
	return "empty:" + key
}

func (f *fakeLoader) LoadAll(_ context.Context, keys []string) map[string]string {
	f.bulk.Add(1)
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	f.bulkKeys = append(f.bulkKeys, sorted)
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := f.values[k]; ok {
			out[k] = v
		}
	}
	return out
}

func newTestCache(t *testing.T, loader *fakeLoader) (*Cache[string, string], *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c := New[string, string](loader, Options{
		Name:         "sets",
		RefreshAfter: 30 * time.Minute,
		IdleExpiry:   24 * time.Hour,
		Clock:        clock,
	})
	t.Cleanup(c.Close)
	return c, clock
}

func TestGetLoadsOnceThenHits(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "one"})
	c, _ := newTestCache(t, loader)
	ctx := context.Background()

	v, err := c.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "one", v)

	v, err = c.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "one", v)
	assert.EqualValues(t, 1, loader.single.Load())
}

func TestGetCachesEmptyValue(t *testing.T) {
	loader := newFakeLoader(map[string]string{})
	c, _ := newTestCache(t, loader)

	for i := 0; i < 3; i++ {
		v, err := c.Get(context.Background(), "unknown")
		require.NoError(t, err)
		assert.Equal(t, "empty:unknown", v)
	}
	assert.EqualValues(t, 1, loader.single.Load())
}

func TestConcurrentGetCoalesces(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "one"})
	loader.gate = make(chan struct{})
	c, _ := newTestCache(t, loader)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "1")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return loader.single.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(loader.gate)
	wg.Wait()

	assert.EqualValues(t, 1, loader.single.Load())
	for _, r := range results {
		assert.Equal(t, "one", r)
	}
}

func TestStaleValueServedWhileRefreshing(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "v1"})
	c, clock := newTestCache(t, loader)
	ctx := context.Background()

	_, err := c.Get(ctx, "1")
	require.NoError(t, err)

	loader.set("1", "v2")
	clock.Advance(29 * time.Minute)
	v, _ := c.Get(ctx, "1")
	assert.Equal(t, "v1", v)
	assert.EqualValues(t, 1, loader.single.Load(), "no refresh before the interval")

	clock.Advance(2 * time.Minute)
	v, _ = c.Get(ctx, "1")
	assert.Equal(t, "v1", v, "triggering caller gets the stale value")

	require.Eventually(t, func() bool {
		v, _ := c.Get(ctx, "1")
		return v == "v2"
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, loader.single.Load())
}

func TestFailedBulkRefreshKeepsStaleValue(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "v1"})
	c, clock := newTestCache(t, loader)
	ctx := context.Background()

	got, err := c.GetAll(ctx, []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "v1"}, got)

	loader.remove("1")
	clock.Advance(31 * time.Minute)
	got, _ = c.GetAll(ctx, []string{"1"})
	assert.Equal(t, "v1", got["1"])
	require.Eventually(t, func() bool { return loader.bulk.Load() == 2 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	got, _ = c.GetAll(ctx, []string{"1"})
	assert.Equal(t, "v1", got["1"])
	assert.EqualValues(t, 2, loader.bulk.Load(), "failed refresh waits for the next interval")
	assert.EqualValues(t, 0, loader.single.Load())
}

func TestIdleEntriesAreEvicted(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "one", "2": "two"})
	c, clock := newTestCache(t, loader)
	ctx := context.Background()

	_, _ = c.Get(ctx, "1")
	_, _ = c.Get(ctx, "2")
	require.Equal(t, 2, c.Len())

	clock.Advance(23 * time.Hour)
	_, _ = c.Get(ctx, "2") // keeps "2" alive, triggers a refresh
	require.Eventually(t, func() bool { return loader.single.Load() == 3 }, time.Second, time.Millisecond)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, c.EvictIdle())
	assert.Equal(t, 1, c.Len())

	_, _ = c.Get(ctx, "1")
	assert.EqualValues(t, 4, loader.single.Load(), "evicted key is loaded again")
}

func TestLazyEvictionOnAccess(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "one"})
	c, clock := newTestCache(t, loader)
	ctx := context.Background()

	_, _ = c.Get(ctx, "1")
	clock.Advance(25 * time.Hour)
	v, err := c.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "one", v)
	assert.EqualValues(t, 2, loader.single.Load())
}

func TestGetAllBatchesMissingKeys(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "one", "2": "two", "3": "three"})
	c, _ := newTestCache(t, loader)
	ctx := context.Background()

	_, _ = c.Get(ctx, "1")

	got, err := c.GetAll(ctx, []string{"1", "2", "3", "4", "2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"1": "one", "2": "two", "3": "three"}, got)
	assert.EqualValues(t, 1, loader.bulk.Load())
	assert.Equal(t, [][]string{{"2", "3", "4"}}, loader.bulkKeys)

	// "4" was not found and must not be cached as absent.
	loader.set("4", "four")
	got, err = c.GetAll(ctx, []string{"4"})
	require.NoError(t, err)
	assert.Equal(t, "four", got["4"])
}

func TestGetJoinsInFlightBulkLoad(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "one", "2": "two"})
	loader.gate = make(chan struct{})
	c, _ := newTestCache(t, loader)
	ctx := context.Background()

	bulkDone := make(chan map[string]string, 1)
	go func() {
		got, _ := c.GetAll(ctx, []string{"1", "2"})
		bulkDone <- got
	}()
	require.Eventually(t, func() bool { return loader.bulk.Load() == 1 }, time.Second, time.Millisecond)

	singleDone := make(chan string, 1)
	go func() {
		v, _ := c.Get(ctx, "2")
		singleDone <- v
	}()

	time.Sleep(20 * time.Millisecond)
	close(loader.gate)

	assert.Equal(t, "two", <-singleDone)
	assert.Len(t, <-bulkDone, 2)
	assert.EqualValues(t, 0, loader.single.Load(), "single lookup rode the bulk load")
}

func TestGetFallsBackWhenBulkOmitsKey(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "one"})
	loader.gate = make(chan struct{})
	c, _ := newTestCache(t, loader)
	ctx := context.Background()

	go func() { _, _ = c.GetAll(ctx, []string{"1", "9"}) }()
	require.Eventually(t, func() bool { return loader.bulk.Load() == 1 }, time.Second, time.Millisecond)

	singleDone := make(chan string, 1)
	go func() {
		v, _ := c.Get(ctx, "9")
		singleDone <- v
	}()
	time.Sleep(20 * time.Millisecond)
	close(loader.gate)

	assert.Equal(t, "empty:9", <-singleDone)
	assert.EqualValues(t, 1, loader.single.Load())
}

func TestGetHonorsCallerContext(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "one"})
	loader.gate = make(chan struct{})
	c, _ := newTestCache(t, loader)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(loader.gate)
	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond)
}

type panicLoader struct{ calls atomic.Int64 }

func (p *panicLoader) Load(context.Context, string) string {
	p.calls.Add(1)
	panic("boom")
}

func (p *panicLoader) LoadAll(context.Context, []string) map[string]string {
	panic("boom")
}

func TestLoaderPanicIsContained(t *testing.T) {
	loader := &panicLoader{}
	c := New[string, string](loader, Options{Clock: clockwork.NewFakeClock()})
	defer c.Close()

	_, err := c.Get(context.Background(), "1")
	require.Error(t, err)
	assert.EqualValues(t, 2, loader.calls.Load())

	got, err := c.GetAll(context.Background(), []string{"1"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestServeSweepsOnTick(t *testing.T) {
	loader := newFakeLoader(map[string]string{"1": "one"})
	clock := clockwork.NewFakeClock()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := New[string, string](loader, Options{
		Name:            "sets",
		IdleExpiry:      time.Hour,
		CleanupInterval: 10 * time.Minute,
		Clock:           clock,
		Metrics:         metrics,
	})
	defer c.Close()

	_, _ = c.Get(context.Background(), "1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(61 * time.Minute)
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.evictions.WithLabelValues("sets")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.requests.WithLabelValues("sets", "miss")))
}

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openspending/cube/cube/pkg/dataset"
	cubetesting "github.com/openspending/cube/utils/pkg/testing"
)

func newMemory(t *testing.T, maxEntries int) *Memory {
	t.Helper()
	m, err := NewMemory(maxEntries)
	require.NoError(t, err)
	return m
}

func TestCube_Cache_Memory(t *testing.T) {
	t.Parallel()

	t.Run("get and set", func(t *testing.T) {
		t.Parallel()
		m := newMemory(t, 0)
		_, ok, err := m.Get(t.Context(), "a")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, m.Set(t.Context(), "a", []byte("1")))
		v, ok, err := m.Get(t.Context(), "a")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("1"), v)
	})

	t.Run("evicts least recently used entries", func(t *testing.T) {
		t.Parallel()
		m := newMemory(t, 2)
		require.NoError(t, m.Set(t.Context(), "a", []byte("1")))
		require.NoError(t, m.Set(t.Context(), "b", []byte("2")))
		_, ok, _ := m.Get(t.Context(), "a")
		require.True(t, ok)
		require.NoError(t, m.Set(t.Context(), "c", []byte("3")))

		require.Equal(t, 2, m.Len())
		_, ok, _ = m.Get(t.Context(), "b")
		require.False(t, ok)
		v, ok, _ := m.Get(t.Context(), "a")
		require.True(t, ok)
		require.Equal(t, []byte("1"), v)
		v, ok, _ = m.Get(t.Context(), "c")
		require.True(t, ok)
		require.Equal(t, []byte("3"), v)
	})

	t.Run("defaults its size", func(t *testing.T) {
		t.Parallel()
		m := newMemory(t, 0)
		for i := range DefaultMemoryEntries + 1 {
			require.NoError(t, m.Set(t.Context(), fmt.Sprintf("k%d", i), nil))
		}
		require.Equal(t, DefaultMemoryEntries, m.Len())
	})

	t.Run("clear by prefix", func(t *testing.T) {
		t.Parallel()
		m := newMemory(t, 0)
		for _, key := range []string{"one:a", "one:b", "two:a"} {
			require.NoError(t, m.Set(t.Context(), key, []byte(key)))
		}
		require.NoError(t, m.Clear(t.Context(), "one:"))
		require.Equal(t, 1, m.Len())
		_, ok, _ := m.Get(t.Context(), "two:a")
		require.True(t, ok)

		require.NoError(t, m.Clear(t.Context(), ""))
		require.Equal(t, 0, m.Len())
	})
}

func TestCube_Cache_CacheKey(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	defaults := dataset.AggregateParams{}
	require.NoError(t, defaults.Validate())
	explicit := dataset.AggregateParams{Measures: []string{"amount"}, Page: 1, PageSize: dataset.DefaultPageSize}
	require.NoError(t, explicit.Validate())

	k1, err := cacheKey("spending", kindAggregate, at, defaults)
	require.NoError(t, err)
	k2, err := cacheKey("spending", kindAggregate, at, explicit)
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.Regexp(t, `^spending:aggregate:[0-9a-f]{64}$`, k1)

	k3, err := cacheKey("spending", kindAggregate, at.Add(time.Second), defaults)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)

	k4, err := cacheKey("other", kindAggregate, at, defaults)
	require.NoError(t, err)
	require.NotEqual(t, k1, k4)

	drilled := defaults
	drilled.Drilldowns = []string{"region"}
	k5, err := cacheKey("spending", kindAggregate, at, drilled)
	require.NoError(t, err)
	require.NotEqual(t, k1, k5)
}

func TestCube_Cache_Lookup(t *testing.T) {
	t.Parallel()

	t.Run("computes once and then hits", func(t *testing.T) {
		t.Parallel()
		ac := testAggregationCache(t, newMemory(t, 0))
		var calls atomic.Int32
		compute := func() (any, error) {
			calls.Add(1)
			return map[string]int{"n": 1}, nil
		}
		for range 3 {
			data, err := ac.lookup(t.Context(), "k", kindAggregate, compute)
			require.NoError(t, err)
			require.JSONEq(t, `{"n": 1}`, string(data))
		}
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		t.Parallel()
		mem := newMemory(t, 0)
		ac := testAggregationCache(t, mem)
		lookupErr := &dataset.LookupError{Kind: "measure", Key: "nope"}
		_, err := ac.lookup(t.Context(), "k", kindAggregate, func() (any, error) {
			return nil, lookupErr
		})
		require.ErrorIs(t, err, dataset.ErrKeyNotFound)
		require.Equal(t, 0, mem.Len())
	})

	t.Run("concurrent misses compute once", func(t *testing.T) {
		t.Parallel()
		ac := testAggregationCache(t, newMemory(t, 0))
		var calls atomic.Int32
		release := make(chan struct{})
		compute := func() (any, error) {
			calls.Add(1)
			<-release
			return "done", nil
		}

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := ac.lookup(context.Background(), "k", kindAggregate, compute)
				errs <- err
			}()
		}
		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		close(release)
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("failing backend degrades to computing", func(t *testing.T) {
		t.Parallel()
		ac := testAggregationCache(t, failingCache{})
		data, err := ac.lookup(t.Context(), "k", kindAggregate, func() (any, error) {
			return 42, nil
		})
		require.NoError(t, err)
		require.Equal(t, "42", string(data))
	})
}

type failingCache struct{}

func (failingCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("backend down")
}

func (failingCache) Set(context.Context, string, []byte) error {
	return errors.New("backend down")
}

func (failingCache) Clear(context.Context, string) error {
	return errors.New("backend down")
}

func TestCube_Cache_NewAggregationCache(t *testing.T) {
	t.Parallel()

	_, err := NewAggregationCache(AggregationCacheConfig{Cache: newMemory(t, 0)})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewAggregationCache(AggregationCacheConfig{Logger: cubetesting.NewLogger()})
	require.ErrorContains(t, err, "cache is required")
}

func TestCube_Cache_Aggregate(t *testing.T) {
	t.Parallel()
	ds, pool := loadedDataset(t)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("serves results until the dataset changes", func(t *testing.T) {
		mem := newMemory(t, 0)
		ac := testAggregationCache(t, mem)
		params := dataset.AggregateParams{Drilldowns: []string{"region"}}

		first, err := ac.Aggregate(t.Context(), pool, ds, at, params)
		require.NoError(t, err)
		require.Equal(t, 400.0, first.Summary.Measures["amount"])
		require.Len(t, first.Drilldown, 2)

		fresh, err := ds.Aggregate(t.Context(), pool, params)
		require.NoError(t, err)
		require.Equal(t, fresh, first)

		cached, err := ac.Aggregate(t.Context(), pool, ds, at, params)
		require.NoError(t, err)
		require.Equal(t, first, cached)
		require.Equal(t, 1, mem.Len())
		region := cached.Drilldown[0]["region"].(map[string]any)
		require.IsType(t, int64(0), region["id"])
		require.IsType(t, int64(0), cached.Drilldown[0]["num_entries"])

		require.NoError(t, ds.Load(t.Context(), pool, spendingRow(1000, "2013-01-01", "east")))

		stale, err := ac.Aggregate(t.Context(), pool, ds, at, params)
		require.NoError(t, err)
		require.Equal(t, 400.0, stale.Summary.Measures["amount"])

		updated, err := ac.Aggregate(t.Context(), pool, ds, at.Add(time.Minute), params)
		require.NoError(t, err)
		require.Equal(t, 1400.0, updated.Summary.Measures["amount"])
		require.Len(t, updated.Drilldown, 3)
	})
}

func TestCube_Cache_Aggregate_Errors(t *testing.T) {
	t.Parallel()
	ds, pool := loadedDataset(t)
	mem := newMemory(t, 0)
	ac := testAggregationCache(t, mem)
	at := time.Now()

	_, err := ac.Aggregate(t.Context(), pool, ds, at, dataset.AggregateParams{Measures: []string{"nope"}})
	require.ErrorIs(t, err, dataset.ErrKeyNotFound)

	_, err = ac.Aggregate(t.Context(), pool, ds, at, dataset.AggregateParams{PageSize: -1})
	require.ErrorIs(t, err, dataset.ErrInvalidQuery)

	_, err = ac.Members(t.Context(), pool, ds, at, "nope", dataset.MembersParams{})
	require.ErrorIs(t, err, dataset.ErrKeyNotFound)
	require.Equal(t, 0, mem.Len())
}

func TestCube_Cache_Members(t *testing.T) {
	t.Parallel()
	ds, pool := loadedDataset(t)
	mem := newMemory(t, 0)
	ac := testAggregationCache(t, mem)
	at := time.Now()

	members, err := ac.Members(t.Context(), pool, ds, at, "region", dataset.MembersParams{})
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, "north", members[0]["name"])
	require.Equal(t, "south", members[1]["name"])

	again, err := ac.Members(t.Context(), pool, ds, at, "region", dataset.MembersParams{})
	require.NoError(t, err)
	require.Equal(t, members, again)
	require.Equal(t, 1, mem.Len())

	require.NoError(t, ac.Invalidate(t.Context(), "spending"))
	require.Equal(t, 0, mem.Len())
}

func TestCube_Cache_Redis(t *testing.T) {
	t.Parallel()
	addr := cubetesting.NewRedis(t)

	_, err := NewRedis(t.Context(), RedisConfig{})
	require.ErrorContains(t, err, "redis address is required")

	r, err := NewRedis(t.Context(), RedisConfig{Addr: addr, Prefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	_, ok, err := r.Get(t.Context(), "missing")
	require.NoError(t, err)
	require.False(t, ok)

	for i := range 1200 {
		key := fmt.Sprintf("one:%d", i)
		require.NoError(t, r.Set(t.Context(), key, []byte(key)))
	}
	require.NoError(t, r.Set(t.Context(), "two:a", []byte("kept")))

	v, ok, err := r.Get(t.Context(), "one:7")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("one:7"), v)

	require.NoError(t, r.Clear(t.Context(), "one:"))
	_, ok, err = r.Get(t.Context(), "one:7")
	require.NoError(t, err)
	require.False(t, ok)
	v, ok, err = r.Get(t.Context(), "two:a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("kept"), v)
}

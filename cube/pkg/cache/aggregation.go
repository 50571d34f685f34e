package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/openspending/cube/cube/pkg/dataset"
	"github.com/openspending/cube/cube/pkg/metrics"
	"github.com/openspending/cube/cube/pkg/postgres"
)

const (
	kindAggregate = "aggregate"
	kindMembers   = "members"
)

type AggregationCacheConfig struct {
	Logger *slog.Logger
	Cache  Cache
}

func (cfg *AggregationCacheConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Cache == nil {
		return errors.New("cache is required")
	}
	return nil
}

// AggregationCache answers aggregate and members queries from the cache when
// it can. Entries are keyed on the dataset's modification time, so results
// computed before a dataset changed are never served after it.
type AggregationCache struct {
	log   *slog.Logger
	cache Cache
	sf    singleflight.Group
}

func NewAggregationCache(cfg AggregationCacheConfig) (*AggregationCache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &AggregationCache{log: cfg.Logger, cache: cfg.Cache}, nil
}

// Aggregate returns the cached aggregate for params or computes and stores
// it. Query errors are returned as is and never cached.
func (c *AggregationCache) Aggregate(ctx context.Context, conn postgres.Connection, ds *dataset.Dataset, updatedAt time.Time, params dataset.AggregateParams) (*dataset.AggregateResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	key, err := cacheKey(ds.Name(), kindAggregate, updatedAt, params)
	if err != nil {
		return nil, err
	}
	data, err := c.lookup(ctx, key, kindAggregate, func() (any, error) {
		return ds.Aggregate(ctx, conn, params)
	})
	if err != nil {
		return nil, err
	}
	var res dataset.AggregateResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to decode cached aggregate: %w", err)
	}
	return &res, nil
}

type membersRequest struct {
	Dimension string                `json:"dimension"`
	Params    dataset.MembersParams `json:"params"`
}

// Members is the cached form of Dataset.Members, used to serve dimension
// indexes.
func (c *AggregationCache) Members(ctx context.Context, conn postgres.Connection, ds *dataset.Dataset, updatedAt time.Time, dimension string, params dataset.MembersParams) ([]map[string]any, error) {
	key, err := cacheKey(ds.Name(), kindMembers, updatedAt, membersRequest{Dimension: dimension, Params: params})
	if err != nil {
		return nil, err
	}
	data, err := c.lookup(ctx, key, kindMembers, func() (any, error) {
		return ds.Members(ctx, conn, dimension, params)
	})
	if err != nil {
		return nil, err
	}
	return dataset.DecodeCells(data)
}

// Invalidate drops every entry of a dataset.
func (c *AggregationCache) Invalidate(ctx context.Context, datasetName string) error {
	if err := c.cache.Clear(ctx, datasetName+":"); err != nil {
		return fmt.Errorf("failed to invalidate cache of %s: %w", datasetName, err)
	}
	c.log.Debug("cache: invalidated", "dataset", datasetName)
	return nil
}

// lookup returns the encoded value under key. Concurrent misses on the same
// key compute it once. A failing cache backend degrades to computing.
func (c *AggregationCache) lookup(ctx context.Context, key, kind string, compute func() (any, error)) ([]byte, error) {
	data, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache: get failed", "key", key, "error", err)
	}
	if ok {
		metrics.CacheRequestsTotal.WithLabelValues(kind, "hit").Inc()
		return data, nil
	}
	metrics.CacheRequestsTotal.WithLabelValues(kind, "miss").Inc()

	v, err, _ := c.sf.Do(key, func() (any, error) {
		result, err := compute()
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", kind, err)
		}
		if err := c.cache.Set(ctx, key, encoded); err != nil {
			c.log.Warn("cache: set failed", "key", key, "error", err)
		}
		return encoded, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// cacheKey hashes the canonical JSON of the request together with the
// dataset name and modification time.
func cacheKey(datasetName, kind string, updatedAt time.Time, request any) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", datasetName, kind, updatedAt.UnixNano())
	h.Write(body)
	return datasetName + ":" + kind + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

// Package cache stores computed aggregates and dimension indexes keyed by the
// request and the dataset's modification time.
package cache

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

// Cache is a byte store. Keys are namespaced per dataset so that Clear can
// drop one dataset's entries.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Clear removes every key starting with prefix. An empty prefix clears
	// everything.
	Clear(ctx context.Context, prefix string) error
}

// DefaultMemoryEntries bounds a Memory cache created without a size.
const DefaultMemoryEntries = 10000

// Memory is an in-process Cache that evicts the least recently used entries.
type Memory struct {
	cache *lru.Cache
}

// NewMemory creates a Memory cache holding at most maxEntries entries, or
// DefaultMemoryEntries when maxEntries is not positive.
func NewMemory(maxEntries int) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryEntries
	}
	c, err := lru.New(maxEntries)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.cache.Add(key, value)
	return nil
}

func (m *Memory) Clear(_ context.Context, prefix string) error {
	if prefix == "" {
		m.cache.Purge()
		return nil
	}
	for _, k := range m.cache.Keys() {
		if key, ok := k.(string); ok && strings.HasPrefix(key, prefix) {
			m.cache.Remove(key)
		}
	}
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len() int {
	return m.cache.Len()
}

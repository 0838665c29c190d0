package backends

import (
	"context"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process backend on top of go-cache. Values never expire;
// expiry is the caller's policy, not the store's. It is mostly useful in tests
// and for the serve command when persistence across restarts is not needed.
type Memory struct {
	cache *gocache.Cache
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{cache: gocache.New(gocache.NoExpiration, 0)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return clone(v.([]byte)), true, nil
}

func (m *Memory) Set(_ context.Context, key string, data []byte) error {
	m.cache.Set(key, clone(data), gocache.NoExpiration)
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	if _, ok := m.cache.Get(key); !ok {
		return ErrNotFound
	}
	m.cache.Delete(key)
	return nil
}

func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	return m.cache.ItemCount()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type lruEntry struct {
	val     []byte
	expires time.Time
}

// LRU is the in-process tile cache. Invalidation is generational: dropping a
// schema bumps its generation so old keys can never be read again and age
// out of the LRU naturally.
type LRU struct {
	inner *lru.Cache[string, lruEntry]

	mu  sync.Mutex
	gen map[string]uint64
}

func NewLRU(size int) (*LRU, error) {
	inner, err := lru.New[string, lruEntry](size)
	if err != nil {
		return nil, err
	}
	return &LRU{inner: inner, gen: map[string]uint64{}}, nil
}

func (c *LRU) genKey(key string) string {
	c.mu.Lock()
	g := c.gen[schemaOf(key)]
	c.mu.Unlock()
	return keyWithGen(key, g)
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := c.inner.Get(c.genKey(key))
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		return nil, false, nil
	}
	return e.val, true, nil
}

func (c *LRU) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	e := lruEntry{val: val}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.inner.Add(c.genKey(key), e)
	return nil
}

func (c *LRU) Invalidate(_ context.Context, schema string) error {
	c.mu.Lock()
	c.gen[schema]++
	c.mu.Unlock()
	return nil
}

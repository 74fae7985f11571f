// Package hashcache is a bounded file-hash cache: keyed by (path,
// mtime) so a file change misses automatically, with no TTL beyond LRU
// eviction by count. Backed by hashicorp/golang-lru/v2, a bounded
// in-process cache library used elsewhere for the same purpose.
package hashcache

import (
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Key identifies a cache entry: the file path and its modification
// time, truncated to the second to absorb filesystem timestamp jitter.
type Key struct {
	Path  string
	MTime int64 // unix seconds
}

func keyFor(path string, mtime time.Time) Key {
	return Key{Path: path, MTime: mtime.Unix()}
}

// Cache is a bounded LRU of (path, mtime) -> hash string.
type Cache struct {
	inner *lru.Cache[Key, string]
}

// New builds a Cache holding at most capacity entries.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = 1
	}
	inner, err := lru.New[Key, string](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get returns the cached hash for (path, mtime), if present.
func (c *Cache) Get(path string, mtime time.Time) (string, bool) {
	return c.inner.Get(keyFor(path, mtime))
}

// Put stores hash for (path, mtime), evicting the least recently used
// entry if the cache is at capacity.
func (c *Cache) Put(path string, mtime time.Time, hash string) {
	c.inner.Add(keyFor(path, mtime), hash)
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int { return c.inner.Len() }

// String renders a Key for logging.
func (k Key) String() string {
	return k.Path + "@" + strconv.FormatInt(k.MTime, 10)
}

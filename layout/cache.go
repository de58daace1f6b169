package layout

import "github.com/gogpu/gpusubmit/internal/cache"

// Cache memoizes signatures derived from WGSL sources. Signatures are
// immutable, so a cached one may be shared by any number of recorders.
//
// Cache is safe for concurrent use.
type Cache struct {
	lru *cache.Cache[string, *Signature]
}

// CacheStats describes a signature cache.
type CacheStats = cache.Stats

// NewCache returns a cache holding at most capacity signatures; zero means
// a small default.
func NewCache(capacity int) *Cache {
	return &Cache{lru: cache.New[string, *Signature](capacity)}
}

// FromWGSL returns the signature of source, deriving it on first use. The
// label of the first derivation sticks. Parse errors are not cached.
func (c *Cache) FromWGSL(label, source string) (*Signature, error) {
	return c.lru.GetOrCreate(source, func() (*Signature, error) {
		return FromWGSL(label, source)
	})
}

// Stats returns cache counters.
func (c *Cache) Stats() CacheStats { return c.lru.Stats() }

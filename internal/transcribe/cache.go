package transcribe

import (
	"fmt"
	"sync"

	"github.com/voxlog/voxlog/internal/store"
)

// CacheEntry is a memoized transcript together with the method that produced
// it, so a cache hit records the original attribution.
type CacheEntry struct {
	Text   string
	Method store.Method
}

// Cache memoizes transcripts by a content-stable identity of the audio asset
// (name plus size), avoiding re-transcription of unchanged segments.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewCache creates an empty transcript cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]CacheEntry)}
}

// CacheKey builds the identity key for an audio asset.
func CacheKey(name string, size int64) string {
	return fmt.Sprintf("%s:%d", name, size)
}

// Get returns the memoized entry for key, if present.
func (c *Cache) Get(key string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Put memoizes a transcript.
func (c *Cache) Put(key, text string, method store.Method) {
	c.mu.Lock()
	c.entries[key] = CacheEntry{Text: text, Method: method}
	c.mu.Unlock()
}

// Len returns the number of memoized entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entry holds a cached value with its expiry deadline
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a bounded string-keyed cache with per-entry TTLs. It backs the
// inbound idempotency window, the outbound dedup guard and pairing records.
type Cache struct {
	lru     *lru.Cache[string, entry]
	mutex   sync.Mutex
	done    chan struct{}
	once    sync.Once
	janitor time.Duration
}

// New creates a cache bounded to maxEntries
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}

	backing, _ := lru.New[string, entry](maxEntries)
	c := &Cache{
		lru:     backing,
		done:    make(chan struct{}),
		janitor: 10 * time.Minute,
	}

	go c.cleanupExpired()

	return c
}

// Get returns the value for key if present and not expired
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	e, found := c.lru.Get(key)
	if !found {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// SetTTL stores a value for key, expiring after ttl
func (c *Cache) SetTTL(key string, value []byte, ttl time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.lru.Add(key, entry{value: value, expiresAt: time.Now().Add(ttl)})
}

// Remove drops a key
func (c *Cache) Remove(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.lru.Remove(key)
}

// Len returns the number of live entries, expired or not
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.lru.Len()
}

// cleanupExpired periodically evicts expired entries so the LRU does not
// hold dead values until capacity pressure pushes them out
func (c *Cache) cleanupExpired() {
	ticker := time.NewTicker(c.janitor)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.performCleanup()
		case <-c.done:
			return
		}
	}
}

// performCleanup removes expired entries
func (c *Cache) performCleanup() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	for _, key := range c.lru.Keys() {
		if e, found := c.lru.Peek(key); found && now.After(e.expiresAt) {
			c.lru.Remove(key)
		}
	}
}

// Close stops the cleanup routine and drops all entries
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lru.Purge()
}

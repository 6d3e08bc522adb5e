// Package dedupe remembers recently seen ingest keys so a producer that
// retries a delivery does not create the same task or message twice.
package dedupe

import (
	"container/list"
	"encoding/hex"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a TTL-bounded, size-bounded set of keys. Oldest keys are evicted
// first once maxEntries is reached. Expired keys are dropped by Sweep, which
// CheckAndMark also runs at most once per TTL.
type Cache struct {
	mu         sync.Mutex
	seen       map[string]*entry
	order      *list.List // oldest at front
	ttl        time.Duration
	maxEntries int
	lastSweep  time.Time
	now        func() time.Time
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &Cache{
		seen:       make(map[string]*entry),
		order:      list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastSweep = c.now()
	return c
}

// Fingerprint hashes a payload into a stable key.
func Fingerprint(parts ...[]byte) string {
	h := blake3.New()
	for _, p := range parts {
		_, _ = h.Write(p)
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CheckAndMark reports whether key was already seen within the TTL. An
// unseen or expired key is marked and false is returned.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.lastSweep) >= c.ttl {
		c.sweepLocked(now)
	}

	if e, ok := c.seen[key]; ok {
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxEntries {
		c.evictOldest()
	}
	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
	return false
}

// Forget removes key, for deliveries that failed after being marked.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Sweep drops expired keys and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweepLocked(now time.Time) int {
	c.lastSweep = now
	removed := 0
	// Entries are ordered by last mark, so expired ones sit at the front.
	for el := c.order.Front(); el != nil; {
		key, _ := el.Value.(string)
		e := c.seen[key]
		if now.Sub(e.seenAt) < c.ttl {
			break
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.seen, key)
		removed++
		el = next
	}
	return removed
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

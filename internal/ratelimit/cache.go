package ratelimit

import (
	"sync"
	"time"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

type cacheEntry struct {
	quote domain.Quote
	until time.Time
}

// quoteCache is the in-process quote cache of one source, keyed by pair.
type quoteCache struct {
	mu      sync.Mutex
	entries map[domain.Pair]cacheEntry
}

func newQuoteCache() *quoteCache {
	return &quoteCache{entries: make(map[domain.Pair]cacheEntry)}
}

func (c *quoteCache) get(pair domain.Pair, now time.Time) (domain.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pair]
	if !ok {
		return domain.Quote{}, false
	}
	if now.After(e.until) || e.quote.Expired(now) {
		delete(c.entries, pair)
		return domain.Quote{}, false
	}
	return e.quote, true
}

func (c *quoteCache) put(q domain.Quote, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[q.Pair()] = cacheEntry{quote: q, until: until}
}

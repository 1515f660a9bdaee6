package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// QuoteCache implements domain.QuoteCache. Each quote is stored as JSON
// under "quote:{source}:{pair}" and expires with its freshness window, so a
// hit is never older than the quote's TTL.
type QuoteCache struct {
	c   *Client
	now func() time.Time
}

// NewQuoteCache creates a QuoteCache.
func NewQuoteCache(c *Client) *QuoteCache {
	return &QuoteCache{c: c, now: time.Now}
}

func (qc *QuoteCache) quoteKey(sourceID string, pair domain.Pair) string {
	return qc.c.key("quote", sourceID, pair.String())
}

// Set stores q for the remainder of its freshness window. Expired quotes
// are not stored.
func (qc *QuoteCache) Set(ctx context.Context, q domain.Quote) error {
	ttl := q.ExpiresAt().Sub(qc.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis: marshal quote %s: %w", q.SourceID(), err)
	}
	if err := qc.c.rdb.Set(ctx, qc.quoteKey(q.SourceID(), q.Pair()), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.SourceID(), err)
	}
	return nil
}

// Get returns the cached quote or domain.ErrNotFound.
func (qc *QuoteCache) Get(ctx context.Context, sourceID string, pair domain.Pair) (domain.Quote, error) {
	data, err := qc.c.rdb.Get(ctx, qc.quoteKey(sourceID, pair)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Quote{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", sourceID, err)
	}

	var q domain.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return domain.Quote{}, fmt.Errorf("redis: decode quote %s: %w", sourceID, err)
	}
	if q.Expired(qc.now()) {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)

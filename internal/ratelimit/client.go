// Package ratelimit wraps quote sources with a token-bucket limiter, retry
// with exponential backoff, a short-lived quote cache and a circuit breaker.
// Limiter and breaker state is private to this package; upper layers only see
// Available and Status.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// Source is the adapter contract the client wraps.
type Source interface {
	ID() string
	Chain() domain.Chain
	Kind() domain.VenueKind
	GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error)
}

// Option configures a Client or TransferClient.
type Option func(*options)

type options struct {
	shared        domain.QuoteCache
	onStateChange StateChangeFunc
}

// WithSharedCache adds a cross-process cache consulted after the local one.
func WithSharedCache(c domain.QuoteCache) Option {
	return func(o *options) { o.shared = c }
}

// WithStateChange registers a circuit state observer.
func WithStateChange(fn StateChangeFunc) Option {
	return func(o *options) { o.onStateChange = fn }
}

// Client is the rate-limited, retrying, caching, circuit-broken view of a
// single quote source. It is safe for concurrent use.
type Client struct {
	src    Source
	guard  *guard
	cache  *quoteCache
	shared domain.QuoteCache
	logger *slog.Logger
}

// New wraps src.
func New(src Source, cfg Config, logger *slog.Logger, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.With(
		slog.String("component", "ratelimit"),
		slog.String("source", src.ID()),
	)
	return &Client{
		src:    src,
		guard:  newGuard(src.ID(), cfg, logger, o.onStateChange),
		cache:  newQuoteCache(),
		shared: o.shared,
		logger: logger,
	}
}

// ID returns the wrapped source's id.
func (c *Client) ID() string { return c.src.ID() }

// Chain returns the wrapped source's chain.
func (c *Client) Chain() domain.Chain { return c.src.Chain() }

// Kind returns the wrapped source's variant.
func (c *Client) Kind() domain.VenueKind { return c.src.Kind() }

// Available reports whether the circuit admits calls. A half-open circuit is
// available so that the aggregator can send it a probe.
func (c *Client) Available() bool {
	return c.guard.available()
}

// Status returns a monitoring snapshot of the source.
func (c *Client) Status() domain.SourceStatus {
	state, failures := c.guard.circuit()
	return domain.SourceStatus{
		ID:                  c.src.ID(),
		Chain:               c.src.Chain(),
		Kind:                c.src.Kind(),
		Circuit:             state,
		ConsecutiveFailures: failures,
	}
}

// GetQuote returns a fresh quote for pair. A cache hit bypasses the limiter,
// the breaker and the network. Errors are *domain.SourceError,
// domain.ErrRateLimited, domain.ErrCircuitOpen or a context error.
func (c *Client) GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	now := c.guard.now()
	if q, ok := c.cache.get(pair, now); ok {
		return q, nil
	}
	if c.shared != nil {
		q, err := c.shared.Get(ctx, c.src.ID(), pair)
		switch {
		case err == nil && !q.Expired(now):
			c.cache.put(q, c.cacheUntil(q, now))
			return q, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			c.logger.DebugContext(ctx, "shared cache read failed", slog.String("error", err.Error()))
		}
	}

	q, err := call(ctx, c.guard, func(ctx context.Context) (domain.Quote, error) {
		return c.src.GetQuote(ctx, pair)
	}, domain.Quote.Expired)
	if err != nil {
		return domain.Quote{}, err
	}

	c.cache.put(q, c.cacheUntil(q, c.guard.now()))
	if c.shared != nil {
		if err := c.shared.Set(ctx, q); err != nil {
			c.logger.DebugContext(ctx, "shared cache write failed", slog.String("error", err.Error()))
		}
	}
	return q, nil
}

func (c *Client) cacheUntil(q domain.Quote, now time.Time) time.Time {
	until := q.ExpiresAt()
	if ttl := c.guard.cfg.CacheTTL; ttl > 0 && now.Add(ttl).Before(until) {
		until = now.Add(ttl)
	}
	return until
}

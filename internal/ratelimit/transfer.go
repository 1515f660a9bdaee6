package ratelimit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// TransferSource is a transfer-cost oracle adapter.
type TransferSource interface {
	ID() string
	TransferQuote(ctx context.Context, route domain.TransferRoute) (domain.TransferCostQuote, error)
}

// TransferClient applies the same limiter, retry, cache and breaker policy
// to a transfer-cost oracle.
type TransferClient struct {
	src   TransferSource
	guard *guard

	mu    sync.Mutex
	cache map[domain.TransferRoute]domain.TransferCostQuote
}

// NewTransfer wraps src. WithSharedCache has no effect here.
func NewTransfer(src TransferSource, cfg Config, logger *slog.Logger, opts ...Option) *TransferClient {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.With(
		slog.String("component", "ratelimit"),
		slog.String("source", src.ID()),
	)
	return &TransferClient{
		src:   src,
		guard: newGuard(src.ID(), cfg, logger, o.onStateChange),
		cache: make(map[domain.TransferRoute]domain.TransferCostQuote),
	}
}

// ID returns the wrapped oracle's id.
func (c *TransferClient) ID() string { return c.src.ID() }

// Available reports whether the circuit admits calls.
func (c *TransferClient) Available() bool { return c.guard.available() }

// Status returns a monitoring snapshot of the oracle.
func (c *TransferClient) Status() domain.SourceStatus {
	state, failures := c.guard.circuit()
	return domain.SourceStatus{
		ID:                  c.src.ID(),
		Kind:                domain.VenueTransferCost,
		Circuit:             state,
		ConsecutiveFailures: failures,
	}
}

// TransferQuote returns a fresh transfer-cost quote for route.
func (c *TransferClient) TransferQuote(ctx context.Context, route domain.TransferRoute) (domain.TransferCostQuote, error) {
	now := c.guard.now()
	c.mu.Lock()
	q, ok := c.cache[route]
	c.mu.Unlock()
	if ok && !q.Expired(now) && (c.guard.cfg.CacheTTL <= 0 || now.Sub(q.QuotedAt) < c.guard.cfg.CacheTTL) {
		return q, nil
	}

	q, err := call(ctx, c.guard, func(ctx context.Context) (domain.TransferCostQuote, error) {
		return c.src.TransferQuote(ctx, route)
	}, domain.TransferCostQuote.Expired)
	if err != nil {
		return domain.TransferCostQuote{}, err
	}

	c.mu.Lock()
	c.cache[route] = q
	c.mu.Unlock()
	return q, nil
}

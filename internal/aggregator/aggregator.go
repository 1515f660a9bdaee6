// Package aggregator fans quote requests out over every available source for
// the active pair set and collects whatever returns within the cycle
// deadline.
package aggregator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// QuoteClient is a rate-limited quote source.
type QuoteClient interface {
	ID() string
	Available() bool
	Status() domain.SourceStatus
	GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error)
}

// TransferClient is a rate-limited transfer-cost oracle.
type TransferClient interface {
	ID() string
	Available() bool
	Status() domain.SourceStatus
	TransferQuote(ctx context.Context, route domain.TransferRoute) (domain.TransferCostQuote, error)
}

// Config bounds a collection cycle.
type Config struct {
	MaxInFlight  int
	CallTimeout  time.Duration
	CycleTimeout time.Duration
}

// Snapshot is the result of one collection cycle.
type Snapshot struct {
	Quotes    []domain.Quote
	Transfers []domain.TransferCostQuote
	Skipped   []domain.SourceSkip
	StartedAt time.Time
	Duration  time.Duration
}

// Aggregator collects quotes from a fixed set of clients.
type Aggregator struct {
	quotes    []QuoteClient
	transfers []TransferClient
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Aggregator.
func New(quotes []QuoteClient, transfers []TransferClient, cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	return &Aggregator{
		quotes:    quotes,
		transfers: transfers,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "aggregator")),
		now:       time.Now,
	}
}

// Statuses reports the circuit state of every source.
func (a *Aggregator) Statuses() []domain.SourceStatus {
	out := make([]domain.SourceStatus, 0, len(a.quotes)+len(a.transfers))
	for _, c := range a.quotes {
		out = append(out, c.Status())
	}
	for _, c := range a.transfers {
		out = append(out, c.Status())
	}
	return out
}

// collection is the shared state of one cycle. Once closed, late results are
// dropped.
type collection struct {
	mu      sync.Mutex
	closed  bool
	snap    Snapshot
	pending map[string]domain.SourceSkip
}

func (c *collection) finish(key string, fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	delete(c.pending, key)
	fn(&c.snap)
}

// close freezes the snapshot; requests still in flight are reported as
// timeouts.
func (c *collection) close() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, s := range c.pending {
		s.Reason = domain.SkipTimeout
		s.Detail = "no response before cycle deadline"
		c.snap.Skipped = append(c.snap.Skipped, s)
	}
	c.pending = nil
	return c.snap
}

// Collect requests every pair from every available source, and every route
// from every available transfer oracle. Unavailable sources are skipped
// without consuming a slot. Collect returns when all requests finish or the
// cycle deadline passes, whichever is first.
func (a *Aggregator) Collect(ctx context.Context, pairs []domain.Pair, routes []domain.TransferRoute) Snapshot {
	started := a.now()
	cycleCtx, cancel := context.WithTimeout(ctx, a.cfg.CycleTimeout)
	defer cancel()

	col := &collection{pending: make(map[string]domain.SourceSkip)}
	col.snap.StartedAt = started

	// Every request is pending before the first one is dispatched, so
	// requests the deadline prevents from starting are reported as timeouts.
	var requests []func()
	for _, c := range a.quotes {
		if !c.Available() {
			col.snap.Skipped = append(col.snap.Skipped, domain.SourceSkip{Source: c.ID(), Reason: domain.SkipCircuitOpen})
			continue
		}
		for _, p := range pairs {
			key := c.ID() + "|" + p.String()
			col.pending[key] = domain.SourceSkip{Source: c.ID(), Pair: p.String()}
			requests = append(requests, func() { a.fetchQuote(cycleCtx, col, key, c, p) })
		}
	}
	for _, c := range a.transfers {
		if !c.Available() {
			col.snap.Skipped = append(col.snap.Skipped, domain.SourceSkip{Source: c.ID(), Reason: domain.SkipCircuitOpen})
			continue
		}
		for _, r := range routes {
			key := c.ID() + "|" + r.String()
			col.pending[key] = domain.SourceSkip{Source: c.ID(), Pair: r.String()}
			requests = append(requests, func() { a.fetchTransfer(cycleCtx, col, key, c, r) })
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		g := new(errgroup.Group)
		g.SetLimit(a.cfg.MaxInFlight)
		for _, run := range requests {
			if cycleCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				run()
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-cycleCtx.Done():
	}

	snap := col.close()
	snap.Duration = a.now().Sub(started)
	sortSnapshot(&snap)

	if len(snap.Skipped) > 0 {
		a.logger.DebugContext(ctx, "sources skipped this cycle",
			slog.Int("skipped", len(snap.Skipped)),
			slog.Int("quotes", len(snap.Quotes)),
		)
	}
	return snap
}

func (a *Aggregator) fetchQuote(ctx context.Context, col *collection, key string, c QuoteClient, p domain.Pair) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	q, err := c.GetQuote(callCtx, p)
	col.finish(key, func(s *Snapshot) {
		switch {
		case err != nil:
			s.Skipped = append(s.Skipped, skipFor(callCtx, c.ID(), p.String(), err))
		case q.IsZero():
			s.Skipped = append(s.Skipped, domain.SourceSkip{
				Source: c.ID(), Pair: p.String(), Reason: domain.SkipError,
				Detail: string(domain.SourceMalformedResponse),
			})
		case q.Pair() != p || q.Expired(a.now()):
			s.Skipped = append(s.Skipped, domain.SourceSkip{
				Source: c.ID(), Pair: p.String(), Reason: domain.SkipError,
				Detail: string(domain.SourceStaleData),
			})
		default:
			s.Quotes = append(s.Quotes, q)
		}
	})
}

func (a *Aggregator) fetchTransfer(ctx context.Context, col *collection, key string, c TransferClient, r domain.TransferRoute) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
	defer cancel()

	q, err := c.TransferQuote(callCtx, r)
	col.finish(key, func(s *Snapshot) {
		switch {
		case err != nil:
			s.Skipped = append(s.Skipped, skipFor(callCtx, c.ID(), r.String(), err))
		case q.Route() != r || q.Expired(a.now()):
			s.Skipped = append(s.Skipped, domain.SourceSkip{
				Source: c.ID(), Pair: r.String(), Reason: domain.SkipError,
				Detail: string(domain.SourceStaleData),
			})
		default:
			s.Transfers = append(s.Transfers, q)
		}
	})
}

// skipFor explains a failed request.
func skipFor(callCtx context.Context, source, subject string, err error) domain.SourceSkip {
	s := domain.SourceSkip{Source: source, Pair: subject, Reason: domain.SkipError}
	kind, isSource := domain.SourceErrorKindOf(err)
	switch {
	case errors.Is(err, domain.ErrCircuitOpen):
		s.Reason = domain.SkipCircuitOpen
	case errors.Is(err, domain.ErrRateLimited):
		s.Reason = domain.SkipRateLimited
	case errors.Is(callCtx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		s.Reason = domain.SkipTimeout
	case kind == domain.SourceAssetNotListed:
		s.Reason = domain.SkipNotListed
	case isSource:
		s.Detail = string(kind)
	default:
		s.Detail = err.Error()
	}
	return s
}

// sortSnapshot orders results so that detection over the same quote set is
// deterministic regardless of arrival order.
func sortSnapshot(s *Snapshot) {
	sort.Slice(s.Quotes, func(i, j int) bool {
		a, b := s.Quotes[i], s.Quotes[j]
		if a.Pair() != b.Pair() {
			return a.Pair().String() < b.Pair().String()
		}
		return a.SourceID() < b.SourceID()
	})
	sort.Slice(s.Transfers, func(i, j int) bool {
		a, b := s.Transfers[i], s.Transfers[j]
		if a.Route() != b.Route() {
			return a.Route().String() < b.Route().String()
		}
		return a.SourceID < b.SourceID
	})
	sort.Slice(s.Skipped, func(i, j int) bool {
		a, b := s.Skipped[i], s.Skipped[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.Pair < b.Pair
	})
}

// SkipCounts tallies skipped requests by reason.
func (s Snapshot) SkipCounts() map[domain.SkipReason]int {
	out := make(map[domain.SkipReason]int)
	for _, sk := range s.Skipped {
		out[sk.Reason]++
	}
	return out
}

package aggregator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

var ethUSDC = domain.Pair{Base: "ETH", Quote: "USDC"}

type stubClient struct {
	id        string
	available bool
	delay     time.Duration
	ignoreCtx bool
	err       error
	empty     bool
	calls     atomic.Int32
	inFlight  *gauge
}

func (s *stubClient) ID() string      { return s.id }
func (s *stubClient) Available() bool { return s.available }

func (s *stubClient) Status() domain.SourceStatus {
	return domain.SourceStatus{ID: s.id, Circuit: domain.CircuitClosed}
}

func (s *stubClient) GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	s.calls.Add(1)
	if s.inFlight != nil {
		s.inFlight.enter()
		defer s.inFlight.leave()
	}
	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return domain.Quote{}, domain.NewSourceError(s.id, domain.SourceUnreachable, ctx.Err())
			}
		}
	}
	if s.err != nil {
		return domain.Quote{}, s.err
	}
	if s.empty {
		return domain.Quote{}, nil
	}
	return domain.NewQuote(s.id, "ethereum", pair, 2000, 1e6, 0.003, time.Now(), time.Minute)
}

type gauge struct {
	mu  sync.Mutex
	cur int
	max int
}

func (g *gauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cur++
	if g.cur > g.max {
		g.max = g.cur
	}
}

func (g *gauge) leave() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

type stubOracle struct {
	id  string
	err error
}

func (s *stubOracle) ID() string      { return s.id }
func (s *stubOracle) Available() bool { return true }

func (s *stubOracle) Status() domain.SourceStatus {
	return domain.SourceStatus{ID: s.id, Kind: domain.VenueTransferCost, Circuit: domain.CircuitClosed}
}

func (s *stubOracle) TransferQuote(_ context.Context, r domain.TransferRoute) (domain.TransferCostQuote, error) {
	if s.err != nil {
		return domain.TransferCostQuote{}, s.err
	}
	return domain.TransferCostQuote{
		SourceID:    s.id,
		SourceChain: r.From,
		TargetChain: r.To,
		Asset:       r.Asset,
		FeeAmount:   1,
		QuotedAt:    time.Now(),
		TTL:         time.Minute,
	}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cfg() Config {
	return Config{MaxInFlight: 4, CallTimeout: 200 * time.Millisecond, CycleTimeout: 500 * time.Millisecond}
}

func reasons(s Snapshot) map[string]domain.SkipReason {
	out := make(map[string]domain.SkipReason)
	for _, sk := range s.Skipped {
		out[sk.Source] = sk.Reason
	}
	return out
}

func TestCollectGathersQuotesFromAllSources(t *testing.T) {
	a := &stubClient{id: "a", available: true}
	b := &stubClient{id: "b", available: true}
	agg := New([]QuoteClient{b, a}, nil, cfg(), discard())

	snap := agg.Collect(context.Background(), []domain.Pair{ethUSDC}, nil)

	require.Len(t, snap.Quotes, 2)
	assert.Equal(t, "a", snap.Quotes[0].SourceID())
	assert.Equal(t, "b", snap.Quotes[1].SourceID())
	assert.Empty(t, snap.Skipped)
}

func TestUnavailableSourceSkippedWithoutCall(t *testing.T) {
	open := &stubClient{id: "open", available: false}
	ok := &stubClient{id: "ok", available: true}
	agg := New([]QuoteClient{open, ok}, nil, cfg(), discard())

	snap := agg.Collect(context.Background(), []domain.Pair{ethUSDC}, nil)

	assert.Zero(t, open.calls.Load())
	require.Len(t, snap.Quotes, 1)
	assert.Equal(t, domain.SkipCircuitOpen, reasons(snap)["open"])
}

func TestSlowSourceTimesOut(t *testing.T) {
	slow := &stubClient{id: "slow", available: true, delay: time.Second}
	fast := &stubClient{id: "fast", available: true}
	agg := New([]QuoteClient{slow, fast}, nil, cfg(), discard())

	start := time.Now()
	snap := agg.Collect(context.Background(), []domain.Pair{ethUSDC}, nil)

	assert.Less(t, time.Since(start), 450*time.Millisecond)
	require.Len(t, snap.Quotes, 1)
	assert.Equal(t, "fast", snap.Quotes[0].SourceID())
	assert.Equal(t, domain.SkipTimeout, reasons(snap)["slow"])
}

func TestCycleDeadlineDropsLateResponses(t *testing.T) {
	stuck := &stubClient{id: "stuck", available: true, delay: 400 * time.Millisecond, ignoreCtx: true}
	fast := &stubClient{id: "fast", available: true}
	c := Config{MaxInFlight: 4, CallTimeout: time.Second, CycleTimeout: 50 * time.Millisecond}
	agg := New([]QuoteClient{stuck, fast}, nil, c, discard())

	start := time.Now()
	snap := agg.Collect(context.Background(), []domain.Pair{ethUSDC}, nil)

	assert.Less(t, time.Since(start), 300*time.Millisecond)
	require.Len(t, snap.Quotes, 1)
	assert.Equal(t, domain.SkipTimeout, reasons(snap)["stuck"])
}

func TestCycleDeadlineWithQueuedRequests(t *testing.T) {
	slow := &stubClient{id: "slow", available: true, delay: 300 * time.Millisecond, ignoreCtx: true}
	pairs := []domain.Pair{
		ethUSDC,
		{Base: "WBTC", Quote: "USDC"},
		{Base: "ARB", Quote: "USDC"},
		{Base: "OP", Quote: "USDC"},
	}
	c := Config{MaxInFlight: 1, CallTimeout: time.Second, CycleTimeout: 50 * time.Millisecond}
	agg := New([]QuoteClient{slow}, nil, c, discard())

	start := time.Now()
	snap := agg.Collect(context.Background(), pairs, nil)

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Empty(t, snap.Quotes)
	require.Len(t, snap.Skipped, len(pairs))
	for _, sk := range snap.Skipped {
		assert.Equal(t, domain.SkipTimeout, sk.Reason, sk.Pair)
	}

	// The queued backlog drains after Collect returns; it must stop
	// dispatching and must not touch the returned snapshot.
	time.Sleep(900 * time.Millisecond)
	assert.LessOrEqual(t, slow.calls.Load(), int32(2))
	assert.Len(t, snap.Skipped, len(pairs))
	assert.Empty(t, snap.Quotes)
}

func TestFanOutIsBounded(t *testing.T) {
	g := &gauge{}
	var clients []QuoteClient
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		clients = append(clients, &stubClient{id: id, available: true, delay: 20 * time.Millisecond, inFlight: g})
	}
	c := Config{MaxInFlight: 2, CallTimeout: time.Second, CycleTimeout: 2 * time.Second}
	agg := New(clients, nil, c, discard())

	snap := agg.Collect(context.Background(), []domain.Pair{ethUSDC}, nil)

	assert.Len(t, snap.Quotes, 6)
	assert.LessOrEqual(t, g.max, 2)
}

func TestSkipReasonsFromErrors(t *testing.T) {
	clients := []QuoteClient{
		&stubClient{id: "breaker", available: true, err: domain.ErrCircuitOpen},
		&stubClient{id: "limited", available: true, err: domain.ErrRateLimited},
		&stubClient{id: "unlisted", available: true, err: domain.NewSourceError("unlisted", domain.SourceAssetNotListed, errors.New("no pool"))},
		&stubClient{id: "broken", available: true, err: domain.NewSourceError("broken", domain.SourceMalformedResponse, errors.New("bad json"))},
	}
	agg := New(clients, nil, cfg(), discard())

	snap := agg.Collect(context.Background(), []domain.Pair{ethUSDC}, nil)

	r := reasons(snap)
	assert.Equal(t, domain.SkipCircuitOpen, r["breaker"])
	assert.Equal(t, domain.SkipRateLimited, r["limited"])
	assert.Equal(t, domain.SkipNotListed, r["unlisted"])
	assert.Equal(t, domain.SkipError, r["broken"])
	assert.Empty(t, snap.Quotes)
	assert.Equal(t, 1, snap.SkipCounts()[domain.SkipError])
}

func TestEmptyQuoteIsSkipped(t *testing.T) {
	empty := &stubClient{id: "empty", available: true, empty: true}
	ok := &stubClient{id: "ok", available: true}
	agg := New([]QuoteClient{empty, ok}, nil, cfg(), discard())

	snap := agg.Collect(context.Background(), []domain.Pair{ethUSDC}, nil)

	require.Len(t, snap.Quotes, 1)
	assert.Equal(t, "ok", snap.Quotes[0].SourceID())
	require.Len(t, snap.Skipped, 1)
	assert.Equal(t, domain.SkipError, snap.Skipped[0].Reason)
	assert.Equal(t, string(domain.SourceMalformedResponse), snap.Skipped[0].Detail)
}

func TestCollectTransferQuotes(t *testing.T) {
	route := domain.TransferRoute{From: "ethereum", To: "arbitrum", Asset: "USDC"}
	good := &stubOracle{id: "bridge"}
	bad := &stubOracle{id: "down", err: domain.NewSourceError("down", domain.SourceUnreachable, errors.New("refused"))}
	agg := New(nil, []TransferClient{good, bad}, cfg(), discard())

	snap := agg.Collect(context.Background(), nil, []domain.TransferRoute{route})

	require.Len(t, snap.Transfers, 1)
	assert.Equal(t, route, snap.Transfers[0].Route())
	assert.Equal(t, domain.SkipError, reasons(snap)["down"])
	assert.Len(t, agg.Statuses(), 2)
}

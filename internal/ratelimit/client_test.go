package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

var weth = domain.Pair{Base: "WETH", Quote: "USDC"}

type fakeSource struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, pair domain.Pair) (domain.Quote, error)
}

func (f *fakeSource) ID() string             { return "fake" }
func (f *fakeSource) Chain() domain.Chain    { return "ethereum" }
func (f *fakeSource) Kind() domain.VenueKind { return domain.VenueConstantProduct }

func (f *fakeSource) GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(n, pair)
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func freshQuote(t *testing.T, pair domain.Pair) domain.Quote {
	t.Helper()
	q, err := domain.NewQuote("fake", "ethereum", pair, 3000, 1e6, 0.003, time.Now(), time.Minute)
	require.NoError(t, err)
	return q
}

func unreachable() error {
	return domain.NewSourceError("fake", domain.SourceUnreachable, errors.New("connection refused"))
}

func testConfig() Config {
	return Config{
		RequestsPerSecond: 1000,
		Burst:             100,
		MaxWait:           time.Second,
		MaxRetries:        3,
		BaseBackoff:       time.Millisecond,
		MaxBackoff:        4 * time.Millisecond,
		CacheTTL:          time.Minute,
		BreakerThreshold:  5,
		BreakerCooldown:   100 * time.Millisecond,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCacheHitBypassesSource(t *testing.T) {
	src := &fakeSource{fn: func(_ int, p domain.Pair) (domain.Quote, error) {
		return freshQuote(t, p), nil
	}}
	c := New(src, testConfig(), discard())

	q1, err := c.GetQuote(context.Background(), weth)
	require.NoError(t, err)
	q2, err := c.GetQuote(context.Background(), weth)
	require.NoError(t, err)

	assert.Equal(t, 1, src.Calls())
	assert.Equal(t, q1.ObservedAt(), q2.ObservedAt())
}

func TestCacheNeverServesExpiredQuote(t *testing.T) {
	src := &fakeSource{fn: func(_ int, p domain.Pair) (domain.Quote, error) {
		return domain.NewQuote("fake", "ethereum", p, 3000, 1e6, 0.003, time.Now(), 20*time.Millisecond)
	}}
	c := New(src, testConfig(), discard())

	_, err := c.GetQuote(context.Background(), weth)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	_, err = c.GetQuote(context.Background(), weth)
	require.NoError(t, err)

	assert.Equal(t, 2, src.Calls())
}

func TestRetriesUnreachableWithBackoff(t *testing.T) {
	src := &fakeSource{fn: func(n int, p domain.Pair) (domain.Quote, error) {
		if n < 3 {
			return domain.Quote{}, unreachable()
		}
		return freshQuote(t, p), nil
	}}
	c := New(src, testConfig(), discard())

	_, err := c.GetQuote(context.Background(), weth)
	require.NoError(t, err)
	assert.Equal(t, 3, src.Calls())
	assert.Equal(t, domain.CircuitClosed, c.Status().Circuit)
	assert.Zero(t, c.Status().ConsecutiveFailures)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	src := &fakeSource{fn: func(int, domain.Pair) (domain.Quote, error) {
		return domain.Quote{}, unreachable()
	}}
	c := New(src, testConfig(), discard())

	_, err := c.GetQuote(context.Background(), weth)
	kind, ok := domain.SourceErrorKindOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.SourceUnreachable, kind)
	assert.Equal(t, 4, src.Calls(), "one call plus three retries")
	assert.Equal(t, uint32(1), c.Status().ConsecutiveFailures, "one logical failure")
}

func TestNoRetryForPermanentKinds(t *testing.T) {
	for _, kind := range []domain.SourceErrorKind{domain.SourceAssetNotListed, domain.SourceMalformedResponse} {
		t.Run(string(kind), func(t *testing.T) {
			src := &fakeSource{fn: func(int, domain.Pair) (domain.Quote, error) {
				return domain.Quote{}, domain.NewSourceError("fake", kind, nil)
			}}
			c := New(src, testConfig(), discard())

			_, err := c.GetQuote(context.Background(), weth)
			got, _ := domain.SourceErrorKindOf(err)
			assert.Equal(t, kind, got)
			assert.Equal(t, 1, src.Calls())
		})
	}
}

func TestStaleDataRetriedOnce(t *testing.T) {
	src := &fakeSource{fn: func(int, domain.Pair) (domain.Quote, error) {
		return domain.Quote{}, domain.NewSourceError("fake", domain.SourceStaleData, nil)
	}}
	c := New(src, testConfig(), discard())

	_, err := c.GetQuote(context.Background(), weth)
	require.Error(t, err)
	assert.Equal(t, 2, src.Calls())
}

func TestExpiredQuoteFromSourceIsStale(t *testing.T) {
	src := &fakeSource{fn: func(_ int, p domain.Pair) (domain.Quote, error) {
		return domain.NewQuote("fake", "ethereum", p, 3000, 1e6, 0.003, time.Now().Add(-61*time.Second), time.Minute)
	}}
	c := New(src, testConfig(), discard())

	_, err := c.GetQuote(context.Background(), weth)
	kind, _ := domain.SourceErrorKindOf(err)
	assert.Equal(t, domain.SourceStaleData, kind)
}

func TestCircuitOpensAndRecovers(t *testing.T) {
	var healthy sync.Map
	src := &fakeSource{fn: func(_ int, p domain.Pair) (domain.Quote, error) {
		if _, ok := healthy.Load("up"); ok {
			return freshQuote(t, p), nil
		}
		return domain.Quote{}, unreachable()
	}}
	cfg := testConfig()
	cfg.MaxRetries = 0

	var transitions []domain.CircuitState
	var mu sync.Mutex
	c := New(src, cfg, discard(), WithStateChange(func(_ string, _, to domain.CircuitState) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	}))

	for i := 0; i < 5; i++ {
		_, err := c.GetQuote(context.Background(), weth)
		require.Error(t, err)
	}
	assert.False(t, c.Available())
	assert.Equal(t, domain.CircuitOpen, c.Status().Circuit)

	_, err := c.GetQuote(context.Background(), weth)
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 5, src.Calls(), "open circuit must not reach the source")

	healthy.Store("up", true)
	time.Sleep(150 * time.Millisecond)
	assert.True(t, c.Available(), "cooldown elapsed, probe admitted")

	_, err = c.GetQuote(context.Background(), weth)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitClosed, c.Status().Circuit)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.CircuitState{domain.CircuitOpen, domain.CircuitHalfOpen, domain.CircuitClosed}, transitions)
}

func TestNotListedDoesNotTripBreaker(t *testing.T) {
	src := &fakeSource{fn: func(int, domain.Pair) (domain.Quote, error) {
		return domain.Quote{}, domain.NewSourceError("fake", domain.SourceAssetNotListed, nil)
	}}
	c := New(src, testConfig(), discard())

	for i := 0; i < 10; i++ {
		_, _ = c.GetQuote(context.Background(), weth)
	}
	assert.True(t, c.Available())
	assert.Equal(t, 10, src.Calls())
}

func TestMaxWaitFailsFast(t *testing.T) {
	src := &fakeSource{fn: func(_ int, p domain.Pair) (domain.Quote, error) {
		return freshQuote(t, p), nil
	}}
	cfg := testConfig()
	cfg.RequestsPerSecond = 0.5
	cfg.Burst = 1
	cfg.MaxWait = 20 * time.Millisecond
	c := New(src, cfg, discard())

	_, err := c.GetQuote(context.Background(), weth)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.GetQuote(context.Background(), domain.Pair{Base: "WBTC", Quote: "USDC"})
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, src.Calls())
	assert.True(t, c.Available(), "rate limiting is not a source failure")
}

func TestCallerCancellation(t *testing.T) {
	src := &fakeSource{fn: func(int, domain.Pair) (domain.Quote, error) {
		return domain.Quote{}, unreachable()
	}}
	cfg := testConfig()
	cfg.BaseBackoff = time.Second
	cfg.MaxBackoff = time.Second
	c := New(src, cfg, discard())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.GetQuote(ctx, weth)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, c.Status().ConsecutiveFailures)
}

type fakeShared struct {
	mu     sync.Mutex
	quotes map[string]domain.Quote
}

func (f *fakeShared) Get(_ context.Context, sourceID string, pair domain.Pair) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[sourceID+pair.String()]
	if !ok {
		return domain.Quote{}, domain.ErrNotFound
	}
	return q, nil
}

func (f *fakeShared) Set(_ context.Context, q domain.Quote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[q.SourceID()+q.Pair().String()] = q
	return nil
}

func TestSharedCache(t *testing.T) {
	shared := &fakeShared{quotes: map[string]domain.Quote{}}
	src := &fakeSource{fn: func(_ int, p domain.Pair) (domain.Quote, error) {
		return freshQuote(t, p), nil
	}}

	writer := New(src, testConfig(), discard(), WithSharedCache(shared))
	_, err := writer.GetQuote(context.Background(), weth)
	require.NoError(t, err)

	reader := New(src, testConfig(), discard(), WithSharedCache(shared))
	_, err = reader.GetQuote(context.Background(), weth)
	require.NoError(t, err)

	assert.Equal(t, 1, src.Calls(), "second client served from shared cache")
}

func TestBackoff(t *testing.T) {
	base, ceiling := 100*time.Millisecond, time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(base, ceiling, tt.attempt), "attempt %d", tt.attempt)
	}
	assert.Zero(t, Backoff(0, ceiling, 3))
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// Config holds the per-source limits.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	MaxWait           time.Duration
	MaxRetries        int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	// CacheTTL caps how long a quote is served from cache. The quote's own
	// freshness window always applies on top of it.
	CacheTTL         time.Duration
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// StateChangeFunc is notified when a source's circuit changes state. It runs
// under the breaker's lock and must not call back into the client.
type StateChangeFunc func(source string, from, to domain.CircuitState)

// guard owns the limiter and breaker of one source. Both are mutated only
// from here.
type guard struct {
	id      string
	cfg     Config
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	now     func() time.Time

	onStateChange StateChangeFunc
}

func newGuard(id string, cfg Config, logger *slog.Logger, onStateChange StateChangeFunc) *guard {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	g := &guard{
		id:            id,
		cfg:           cfg,
		limiter:       rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:        logger,
		now:           time.Now,
		onStateChange: onStateChange,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: g.stateChanged,
		IsSuccessful:  countsAsSuccess,
	})
	return g
}

func (g *guard) available() bool {
	return g.breaker.State() != gobreaker.StateOpen
}

func (g *guard) circuit() (domain.CircuitState, uint32) {
	return circuitState(g.breaker.State()), g.breaker.Counts().ConsecutiveFailures
}

// call runs one logical request through the breaker. Inside, fetch may hit
// the network several times, but the breaker counts the call once.
func call[T any](ctx context.Context, g *guard, fetch func(context.Context) (T, error), expired func(T, time.Time) bool) (T, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return retry(ctx, g, fetch, expired)
	})
	var zero T
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("ratelimit: %s: %w", g.id, domain.ErrCircuitOpen)
	}
	if err != nil {
		return zero, err
	}
	return res.(T), nil
}

func retry[T any](ctx context.Context, g *guard, fetch func(context.Context) (T, error), expired func(T, time.Time) bool) (T, error) {
	var zero T
	staleRetried := false
	for attempt := 0; ; attempt++ {
		if err := g.wait(ctx); err != nil {
			return zero, err
		}

		v, err := fetch(ctx)
		if err == nil && expired(v, g.now()) {
			err = domain.NewSourceError(g.id, domain.SourceStaleData, errors.New("response already past its freshness window"))
		}
		if err == nil {
			return v, nil
		}

		again := false
		switch kind, _ := domain.SourceErrorKindOf(err); {
		case ctx.Err() != nil:
			return zero, classifyCtxErr(g.id, ctx.Err())
		case kind == domain.SourceStaleData:
			again = !staleRetried
			staleRetried = true
		case kind == domain.SourceUnreachable, errors.Is(err, context.DeadlineExceeded):
			again = attempt < g.cfg.MaxRetries
		}
		if !again {
			return zero, err
		}

		delay := Backoff(g.cfg.BaseBackoff, g.cfg.MaxBackoff, attempt)
		g.logger.DebugContext(ctx, "retrying source call",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		if err := sleep(ctx, delay); err != nil {
			return zero, classifyCtxErr(g.id, err)
		}
	}
}

// wait blocks for a token, failing fast with ErrRateLimited when the wait
// would exceed MaxWait.
func (g *guard) wait(ctx context.Context) error {
	wctx := ctx
	if g.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, g.cfg.MaxWait)
		defer cancel()
	}
	if err := g.limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return classifyCtxErr(g.id, ctx.Err())
		}
		return fmt.Errorf("ratelimit: %s: %w", g.id, domain.ErrRateLimited)
	}
	return nil
}

func (g *guard) stateChanged(name string, from, to gobreaker.State) {
	g.logger.Warn("circuit state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if g.onStateChange != nil {
		g.onStateChange(name, circuitState(from), circuitState(to))
	}
}

// countsAsSuccess decides which errors leave the breaker's failure count
// alone: an unlisted asset is a fact about the pair, rate limiting is local,
// and cancellation comes from the caller.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if kind, ok := domain.SourceErrorKindOf(err); ok && kind == domain.SourceAssetNotListed {
		return true
	}
	return errors.Is(err, domain.ErrRateLimited) || errors.Is(err, context.Canceled)
}

// classifyCtxErr keeps caller cancellation as-is and turns a missed deadline
// into an unreachable-source error.
func classifyCtxErr(source string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewSourceError(source, domain.SourceUnreachable, err)
	}
	return err
}

func circuitState(s gobreaker.State) domain.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return domain.CircuitOpen
	case gobreaker.StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}

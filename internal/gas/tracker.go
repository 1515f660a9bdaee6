// Package gas tracks per-chain fee levels and native-asset valuations so that
// execution overhead can be netted out in USD.
package gas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// ErrUnpriced is returned when a chain's gas price or native valuation is
// not yet known.
var ErrUnpriced = errors.New("gas: chain not priced")

var weiPerNative = decimal.New(1, 18)

// FeeReader reads the current network fee level.
type FeeReader interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Chain configures tracking for one network.
type Chain struct {
	Name           domain.Chain
	Reader         FeeReader
	GasUnitsPerLeg uint64
	NativeSymbol   string
	NativeAliases  []string
	// NativeUSD seeds the valuation until a live quote is observed.
	NativeUSD float64
}

type chainState struct {
	cfg       Chain
	gasPrice  *big.Int
	nativeUSD float64
	updated   time.Time
}

// Tracker caches fee levels. It is safe for concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	chains map[domain.Chain]*chainState
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker for the given chains.
func NewTracker(chains []Chain, logger *slog.Logger) *Tracker {
	t := &Tracker{
		chains: make(map[domain.Chain]*chainState, len(chains)),
		logger: logger.With(slog.String("component", "gas_tracker")),
		now:    time.Now,
	}
	for _, c := range chains {
		t.chains[c.Name] = &chainState{cfg: c, nativeUSD: c.NativeUSD}
	}
	return t
}

// Refresh reads the fee level of every chain concurrently. Chains whose read
// fails keep their previous value.
func (t *Tracker) Refresh(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, st := range t.chains {
		if st.cfg.Reader == nil {
			continue
		}
		reader := st.cfg.Reader
		g.Go(func() error {
			price, err := reader.SuggestGasPrice(gctx)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("gas: refresh %s: %w", name, err))
				mu.Unlock()
				return nil
			}
			t.SetGasPrice(name, price)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run refreshes fee levels every interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if err := t.Refresh(ctx); err != nil {
		t.logger.Warn("initial gas refresh incomplete", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.Refresh(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("gas refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SetGasPrice records the fee level of a chain.
func (t *Tracker) SetGasPrice(chain domain.Chain, wei *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.chains[chain]; ok && wei != nil {
		st.gasPrice = new(big.Int).Set(wei)
		st.updated = t.now()
	}
}

// GasPrice returns the last known fee level of a chain, or nil.
func (t *Tracker) GasPrice(chain domain.Chain) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.chains[chain]
	if !ok || st.gasPrice == nil {
		return nil
	}
	return new(big.Int).Set(st.gasPrice)
}

// ObserveQuotes updates native valuations from quotes pricing a chain's
// native asset.
func (t *Tracker) ObserveQuotes(quotes []domain.Quote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range quotes {
		st, ok := t.chains[q.Chain()]
		if !ok || !isNative(st.cfg, q.Pair().Base) {
			continue
		}
		st.nativeUSD = q.Price()
	}
}

// IsNative reports whether asset is the chain's gas asset or one of its
// wrapped aliases.
func (t *Tracker) IsNative(chain domain.Chain, asset string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.chains[chain]
	return ok && isNative(st.cfg, asset)
}

func isNative(c Chain, asset string) bool {
	if asset == "" {
		return false
	}
	if strings.EqualFold(asset, c.NativeSymbol) {
		return true
	}
	for _, a := range c.NativeAliases {
		if strings.EqualFold(asset, a) {
			return true
		}
	}
	return false
}

// LegCostUSD estimates the USD cost of one execution leg on chain.
func (t *Tracker) LegCostUSD(chain domain.Chain) (float64, error) {
	t.mu.RLock()
	st, ok := t.chains[chain]
	if !ok {
		t.mu.RUnlock()
		return 0, fmt.Errorf("%w: %s unknown", ErrUnpriced, chain)
	}
	units := st.cfg.GasUnitsPerLeg
	price := st.gasPrice
	t.mu.RUnlock()

	if price == nil {
		return 0, fmt.Errorf("%w: %s has no gas price", ErrUnpriced, chain)
	}
	fee := new(big.Int).Mul(price, new(big.Int).SetUint64(units))
	return t.WeiToUSD(chain, fee)
}

// WeiToUSD values an amount of the chain's native asset, in wei, in USD.
func (t *Tracker) WeiToUSD(chain domain.Chain, wei *big.Int) (float64, error) {
	t.mu.RLock()
	st, ok := t.chains[chain]
	var usd float64
	if ok {
		usd = st.nativeUSD
	}
	t.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s unknown", ErrUnpriced, chain)
	}
	if usd <= 0 {
		return 0, fmt.Errorf("%w: %s has no native valuation", ErrUnpriced, chain)
	}
	if wei == nil {
		return 0, nil
	}
	v := decimal.NewFromBigInt(wei, 0).Div(weiPerNative).Mul(decimal.NewFromFloat(usd))
	return v.InexactFloat64(), nil
}

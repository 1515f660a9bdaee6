// Package inventory tracks wallet balances per chain so the detector can
// size trades against what is actually held.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
	"github.com/alanyoungcy/arbitrageur/internal/executor"
	"github.com/alanyoungcy/arbitrageur/internal/venue"
)

const nativeDecimals = 18

// Batcher issues JSON-RPC batches.
type Batcher interface {
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// Chain lists the assets tracked on one network.
type Chain struct {
	Name         domain.Chain
	Client       Batcher
	NativeSymbol string
	Tokens       map[string]venue.Token
}

type balanceKey struct {
	chain domain.Chain
	asset string
}

// Service caches balances of one owner. Balance refreshes the cache when it
// is older than maxAge.
type Service struct {
	mu       sync.RWMutex
	owner    common.Address
	chains   []Chain
	balances map[balanceKey]float64
	updated  time.Time
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Service. A zero maxAge disables refresh-on-read.
func New(owner common.Address, chains []Chain, maxAge time.Duration, logger *slog.Logger) *Service {
	return &Service{
		owner:    owner,
		chains:   chains,
		balances: make(map[balanceKey]float64),
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "inventory")),
		now:      time.Now,
	}
}

// Balance returns the cached balance of asset on chain.
func (s *Service) Balance(ctx context.Context, chain domain.Chain, asset string) (float64, error) {
	s.mu.RLock()
	stale := s.updated.IsZero() || (s.maxAge > 0 && s.now().Sub(s.updated) > s.maxAge)
	s.mu.RUnlock()
	if stale {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("balance refresh failed", slog.String("error", err.Error()))
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.balances[balanceKey{chain, strings.ToUpper(asset)}]
	if !ok {
		return 0, fmt.Errorf("inventory: %s on %s: %w", asset, chain, domain.ErrNotFound)
	}
	return v, nil
}

// Refresh reads every tracked balance, one batch per chain, chains in
// parallel. Balances that cannot be read keep their previous value.
func (s *Service) Refresh(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		next = make(map[balanceKey]float64)
	)
	var g errgroup.Group
	for _, c := range s.chains {
		g.Go(func() error {
			got, err := s.readChain(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			for k, v := range got {
				next[k] = v
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	for k, v := range next {
		s.balances[k] = v
	}
	if len(errs) == 0 {
		s.updated = s.now()
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Run refreshes on interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("periodic balance refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Snapshot returns "chain:ASSET" -> balance for every tracked asset.
func (s *Service) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.balances))
	for k, v := range s.balances {
		out[string(k.chain)+":"+k.asset] = v
	}
	return out
}

func (s *Service) readChain(ctx context.Context, c Chain) (map[balanceKey]float64, error) {
	symbols := make([]string, 0, len(c.Tokens))
	for sym := range c.Tokens {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	calldata, err := executor.ERC20ABI.Pack("balanceOf", s.owner)
	if err != nil {
		return nil, fmt.Errorf("inventory: encode balanceOf: %w", err)
	}

	var native hexutil.Big
	raw := make([]hexutil.Bytes, len(symbols))
	batch := make([]rpc.BatchElem, 0, len(symbols)+1)
	if c.NativeSymbol != "" {
		batch = append(batch, rpc.BatchElem{Method: "eth_getBalance", Args: []interface{}{s.owner, "latest"}, Result: &native})
	}
	for i, sym := range symbols {
		call := map[string]interface{}{"to": c.Tokens[sym].Address, "data": hexutil.Bytes(calldata)}
		batch = append(batch, rpc.BatchElem{Method: "eth_call", Args: []interface{}{call, "latest"}, Result: &raw[i]})
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if err := c.Client.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("inventory: %s batch: %w", c.Name, err)
	}

	out := make(map[balanceKey]float64, len(batch))
	var errs []error
	if c.NativeSymbol != "" {
		if el := batch[0]; el.Error != nil {
			errs = append(errs, fmt.Errorf("inventory: %s native balance: %w", c.Name, el.Error))
		} else {
			out[balanceKey{c.Name, strings.ToUpper(c.NativeSymbol)}] = units(native.ToInt(), nativeDecimals)
		}
		batch = batch[1:]
	}
	for i, sym := range symbols {
		if batch[i].Error != nil {
			errs = append(errs, fmt.Errorf("inventory: %s %s balance: %w", c.Name, sym, batch[i].Error))
			continue
		}
		vals, err := executor.ERC20ABI.Unpack("balanceOf", raw[i])
		if err != nil || len(vals) != 1 {
			errs = append(errs, fmt.Errorf("inventory: decode %s balance on %s: %v", sym, c.Name, err))
			continue
		}
		bal, _ := vals[0].(*big.Int)
		out[balanceKey{c.Name, strings.ToUpper(sym)}] = units(bal, c.Tokens[sym].Decimals)
	}
	return out, errors.Join(errs...)
}

func units(raw *big.Int, decimals int) float64 {
	if raw == nil {
		return 0
	}
	return decimal.NewFromBigInt(raw, -int32(decimals)).InexactFloat64()
}

// Static is a fixed balance table keyed "chain:ASSET". It backs dry runs
// that have no wallet to read.
type Static map[string]float64

func (s Static) Balance(_ context.Context, chain domain.Chain, asset string) (float64, error) {
	v, ok := s[string(chain)+":"+strings.ToUpper(asset)]
	if !ok {
		return 0, fmt.Errorf("inventory: %s on %s: %w", asset, chain, domain.ErrNotFound)
	}
	return v, nil
}

func (Static) Refresh(context.Context) error { return nil }

package detector

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// SizeRequest describes the candidate being sized. Amounts are in quote
// currency units.
type SizeRequest struct {
	Pair      domain.Pair
	BuyChain  domain.Chain
	SellChain domain.Chain
	BuyPrice  float64
}

// SizingPolicy decides the input amount for a candidate from current
// inventory. A zero size means the wallet cannot fund the trade.
type SizingPolicy interface {
	Name() string
	Size(ctx context.Context, req SizeRequest) (float64, error)
}

// FractionSizing commits a fixed fraction of the input-side balance.
type FractionSizing struct {
	Balances domain.BalanceProvider
	Fraction float64
}

func (FractionSizing) Name() string { return "fraction" }

func (f FractionSizing) Size(ctx context.Context, req SizeRequest) (float64, error) {
	avail, err := fundable(ctx, f.Balances, req)
	if err != nil {
		return 0, err
	}
	return avail * f.Fraction, nil
}

// BasketSizing spreads inventory across a fixed basket of pre-positioned
// assets: each trade commits the base asset's weight share of the input-side
// balance. Assets outside the basket are never sized.
type BasketSizing struct {
	Balances domain.BalanceProvider
	Weights  map[string]float64
}

func (BasketSizing) Name() string { return "basket" }

func (b BasketSizing) Size(ctx context.Context, req SizeRequest) (float64, error) {
	w, ok := b.Weights[req.Pair.Base]
	if !ok || w <= 0 {
		return 0, nil
	}
	avail, err := fundable(ctx, b.Balances, req)
	if err != nil {
		return 0, err
	}
	return avail * w / b.total(), nil
}

func (b BasketSizing) total() float64 {
	keys := make([]string, 0, len(b.Weights))
	for k := range b.Weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		if w := b.Weights[k]; w > 0 {
			sum += w
		}
	}
	return sum
}

// fundable is the largest input amount both sides of the route can cover.
// A cross-chain route sells base already held on the sell chain, so its
// value caps the trade as well.
func fundable(ctx context.Context, balances domain.BalanceProvider, req SizeRequest) (float64, error) {
	quoteBal, err := balances.Balance(ctx, req.BuyChain, req.Pair.Quote)
	if err != nil {
		return 0, fmt.Errorf("detector: balance %s on %s: %w", req.Pair.Quote, req.BuyChain, err)
	}
	if req.BuyChain == req.SellChain {
		return quoteBal, nil
	}
	baseBal, err := balances.Balance(ctx, req.SellChain, req.Pair.Base)
	if err != nil {
		return 0, fmt.Errorf("detector: balance %s on %s: %w", req.Pair.Base, req.SellChain, err)
	}
	return math.Min(quoteBal, baseBal*req.BuyPrice), nil
}

// NewSizing builds the named policy.
func NewSizing(name string, balances domain.BalanceProvider, fraction float64, weights map[string]float64) (SizingPolicy, error) {
	switch name {
	case "fraction", "":
		return FractionSizing{Balances: balances, Fraction: fraction}, nil
	case "basket":
		return BasketSizing{Balances: balances, Weights: weights}, nil
	default:
		return nil, fmt.Errorf("detector: sizing policy %q not found", name)
	}
}

package venue

import (
	"context"
	"fmt"
	"math"
	"math/big"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// q96 is 2^96, the fixed-point scale of sqrtPriceX96.
var q96 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))

// Concentrated reads the active tick of a concentrated-liquidity pool.
type Concentrated struct {
	base
	caller  ContractCaller
	enc     Encoder
	tokens  map[string]Token
	token0s token0Cache
}

// NewConcentrated builds a concentrated-liquidity adapter.
func NewConcentrated(cfg SourceConfig, deps Deps) (QuoteSource, error) {
	if deps.Caller == nil {
		return nil, fmt.Errorf("venue: %s: contract caller is required", cfg.ID)
	}
	enc := deps.Encoder
	if enc == nil {
		enc = ConcentratedABI
	}
	return &Concentrated{
		base:   newBase(cfg, deps),
		caller: deps.Caller,
		enc:    enc,
		tokens: deps.Tokens,
	}, nil
}

// GetQuote prices pair from slot0 and approximates depth from the active
// liquidity as virtual reserves.
func (c *Concentrated) GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	pool, ok := c.pool(pair)
	if !ok {
		return domain.Quote{}, c.errorf(domain.SourceAssetNotListed, "no pool for %s", pair)
	}
	baseTok, quoteTok, ok := tokens(c.tokens, pair)
	if !ok {
		return domain.Quote{}, c.errorf(domain.SourceAssetNotListed, "unknown token in %s", pair)
	}

	token0, err := c.token0s.get(ctx, c.base, c.caller, c.enc, pool)
	if err != nil {
		return domain.Quote{}, err
	}
	slot0, err := ethCall(ctx, c.base, c.caller, c.enc, pool, "slot0")
	if err != nil {
		return domain.Quote{}, err
	}
	liqOut, err := ethCall(ctx, c.base, c.caller, c.enc, pool, "liquidity")
	if err != nil {
		return domain.Quote{}, err
	}
	observedAt := c.now()

	sqrtPriceX96, ok := first[*big.Int](slot0)
	if !ok || sqrtPriceX96.Sign() == 0 {
		return domain.Quote{}, c.errorf(domain.SourceMalformedResponse, "slot0: unusable sqrtPriceX96")
	}
	liquidity, ok := first[*big.Int](liqOut)
	if !ok {
		return domain.Quote{}, c.errorf(domain.SourceMalformedResponse, "liquidity: unexpected result %v", liqOut)
	}
	if liquidity.Sign() == 0 {
		return domain.Quote{}, c.errorf(domain.SourceAssetNotListed, "pool %s has no active liquidity", pool.Hex())
	}

	var tok0, tok1 Token
	switch token0 {
	case baseTok.Address:
		tok0, tok1 = baseTok, quoteTok
	case quoteTok.Address:
		tok0, tok1 = quoteTok, baseTok
	default:
		return domain.Quote{}, c.errorf(domain.SourceAssetNotListed, "pool %s does not hold %s", pool.Hex(), pair)
	}

	// sqrtP is sqrt(raw token1 per raw token0).
	sqrtP, _ := new(big.Float).Quo(new(big.Float).SetInt(sqrtPriceX96), q96).Float64()
	l, _ := new(big.Float).SetInt(liquidity).Float64()

	price1Per0 := sqrtP * sqrtP * math.Pow10(tok0.Decimals-tok1.Decimals)
	reserve0 := l / sqrtP / math.Pow10(tok0.Decimals)
	reserve1 := l * sqrtP / math.Pow10(tok1.Decimals)

	price, quoteDepth := price1Per0, reserve1
	if tok0.Address == quoteTok.Address {
		price, quoteDepth = 1/price1Per0, reserve0
	}
	return c.quote(pair, price, quoteDepth, observedAt)
}

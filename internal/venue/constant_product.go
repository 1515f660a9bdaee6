package venue

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// ConstantProduct reads x*y=k pool reserves.
type ConstantProduct struct {
	base
	caller  ContractCaller
	enc     Encoder
	tokens  map[string]Token
	token0s token0Cache
}

// NewConstantProduct builds a constant-product adapter.
func NewConstantProduct(cfg SourceConfig, deps Deps) (QuoteSource, error) {
	if deps.Caller == nil {
		return nil, fmt.Errorf("venue: %s: contract caller is required", cfg.ID)
	}
	enc := deps.Encoder
	if enc == nil {
		enc = ConstantProductABI
	}
	return &ConstantProduct{
		base:   newBase(cfg, deps),
		caller: deps.Caller,
		enc:    enc,
		tokens: deps.Tokens,
	}, nil
}

// GetQuote prices pair from the pool's reserves.
func (c *ConstantProduct) GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
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
	out, err := ethCall(ctx, c.base, c.caller, c.enc, pool, "getReserves")
	if err != nil {
		return domain.Quote{}, err
	}
	observedAt := c.now()
	if len(out) != 3 {
		return domain.Quote{}, c.errorf(domain.SourceMalformedResponse, "getReserves returned %d values", len(out))
	}
	r0, ok0 := out[0].(*big.Int)
	r1, ok1 := out[1].(*big.Int)
	if !ok0 || !ok1 {
		return domain.Quote{}, c.errorf(domain.SourceMalformedResponse, "getReserves: unexpected types %T, %T", out[0], out[1])
	}

	var rBase, rQuote *big.Int
	switch token0 {
	case baseTok.Address:
		rBase, rQuote = r0, r1
	case quoteTok.Address:
		rBase, rQuote = r1, r0
	default:
		return domain.Quote{}, c.errorf(domain.SourceAssetNotListed, "pool %s does not hold %s", pool.Hex(), pair)
	}
	if rBase.Sign() == 0 || rQuote.Sign() == 0 {
		return domain.Quote{}, c.errorf(domain.SourceAssetNotListed, "pool %s is empty", pool.Hex())
	}

	baseAmt := toUnits(rBase, baseTok.Decimals)
	quoteAmt := toUnits(rQuote, quoteTok.Decimals)
	return c.quote(pair, quoteAmt/baseAmt, quoteAmt, observedAt)
}

// ethCall packs method, performs the eth_call and unpacks the result. RPC
// failures are Unreachable; encoding problems are MalformedResponse.
func ethCall(ctx context.Context, b base, caller ContractCaller, enc Encoder, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := enc.Pack(method, args...)
	if err != nil {
		return nil, b.errorf(domain.SourceMalformedResponse, "pack %s: %v", method, err)
	}
	raw, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, domain.NewSourceError(b.cfg.ID, domain.SourceUnreachable, fmt.Errorf("eth_call %s on %s: %w", method, to.Hex(), err))
	}
	out, err := enc.Unpack(method, raw)
	if err != nil {
		return nil, b.errorf(domain.SourceMalformedResponse, "unpack %s from %s (%d bytes): %v", method, to.Hex(), len(raw), err)
	}
	return out, nil
}

// token0Cache remembers each pool's token0, which never changes.
type token0Cache struct {
	m sync.Map // pool address -> common.Address
}

func (t *token0Cache) get(ctx context.Context, b base, caller ContractCaller, enc Encoder, pool common.Address) (common.Address, error) {
	if v, ok := t.m.Load(pool); ok {
		return v.(common.Address), nil
	}
	out, err := ethCall(ctx, b, caller, enc, pool, "token0")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := first[common.Address](out)
	if !ok {
		return common.Address{}, b.errorf(domain.SourceMalformedResponse, "token0: unexpected result %v", out)
	}
	t.m.Store(pool, addr)
	return addr, nil
}

func first[T any](out []interface{}) (T, bool) {
	var zero T
	if len(out) == 0 {
		return zero, false
	}
	v, ok := out[0].(T)
	return v, ok
}

package venue

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// swapKindGivenIn is the vault's GIVEN_IN swap kind.
const swapKindGivenIn uint8 = 0

type batchSwapStep struct {
	PoolId        [32]byte
	AssetInIndex  *big.Int
	AssetOutIndex *big.Int
	Amount        *big.Int
	UserData      []byte
}

type fundManagement struct {
	Sender              common.Address
	FromInternalBalance bool
	Recipient           common.Address
	ToInternalBalance   bool
}

// Vault simulates a swap through a shared-vault venue with queryBatchSwap.
type Vault struct {
	base
	caller ContractCaller
	enc    Encoder
	tokens map[string]Token
}

// NewVault builds a vault adapter.
func NewVault(cfg SourceConfig, deps Deps) (QuoteSource, error) {
	if deps.Caller == nil {
		return nil, fmt.Errorf("venue: %s: contract caller is required", cfg.ID)
	}
	if cfg.ProbeAmount <= 0 {
		cfg.ProbeAmount = 1
	}
	enc := deps.Encoder
	if enc == nil {
		enc = VaultABI
	}
	return &Vault{
		base:   newBase(cfg, deps),
		caller: deps.Caller,
		enc:    enc,
		tokens: deps.Tokens,
	}, nil
}

// GetQuote simulates selling ProbeAmount of the base asset and reads the
// pool's quote-asset balance as depth.
func (v *Vault) GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	baseTok, quoteTok, ok := tokens(v.tokens, pair)
	if !ok {
		return domain.Quote{}, v.errorf(domain.SourceAssetNotListed, "unknown token in %s", pair)
	}

	poolTokens, err := ethCall(ctx, v.base, v.caller, v.enc, v.cfg.Address, "getPoolTokens", v.cfg.PoolID)
	if err != nil {
		return domain.Quote{}, err
	}
	depth, err := v.depth(poolTokens, baseTok, quoteTok)
	if err != nil {
		return domain.Quote{}, err
	}

	probe := fromUnits(v.cfg.ProbeAmount, baseTok.Decimals)
	swaps := []batchSwapStep{{
		PoolId:        v.cfg.PoolID,
		AssetInIndex:  big.NewInt(0),
		AssetOutIndex: big.NewInt(1),
		Amount:        probe,
		UserData:      []byte{},
	}}
	assets := []common.Address{baseTok.Address, quoteTok.Address}
	funds := fundManagement{}
	out, err := ethCall(ctx, v.base, v.caller, v.enc, v.cfg.Address, "queryBatchSwap", swapKindGivenIn, swaps, assets, funds)
	if err != nil {
		return domain.Quote{}, err
	}
	observedAt := v.now()

	deltas, ok := first[[]*big.Int](out)
	if !ok || len(deltas) != 2 {
		return domain.Quote{}, v.errorf(domain.SourceMalformedResponse, "queryBatchSwap: unexpected result %v", out)
	}
	// The vault reports the asset leaving it as a negative delta.
	received := new(big.Int).Neg(deltas[1])
	if received.Sign() <= 0 {
		return domain.Quote{}, v.errorf(domain.SourceMalformedResponse, "queryBatchSwap: non-positive output %s", received)
	}

	price := toUnits(received, quoteTok.Decimals) / v.cfg.ProbeAmount
	return v.quote(pair, price, depth, observedAt)
}

func (v *Vault) depth(out []interface{}, baseTok, quoteTok Token) (float64, error) {
	if len(out) != 3 {
		return 0, v.errorf(domain.SourceMalformedResponse, "getPoolTokens returned %d values", len(out))
	}
	addrs, ok1 := out[0].([]common.Address)
	balances, ok2 := out[1].([]*big.Int)
	if !ok1 || !ok2 || len(addrs) != len(balances) {
		return 0, v.errorf(domain.SourceMalformedResponse, "getPoolTokens: unexpected shape")
	}
	hasBase := false
	depth := -1.0
	for i, a := range addrs {
		switch a {
		case baseTok.Address:
			hasBase = true
		case quoteTok.Address:
			depth = toUnits(balances[i], quoteTok.Decimals)
		}
	}
	if !hasBase || depth < 0 {
		return 0, v.errorf(domain.SourceAssetNotListed, "pool %x does not hold %s/%s", v.cfg.PoolID, baseTok.Symbol, quoteTok.Symbol)
	}
	return depth, nil
}

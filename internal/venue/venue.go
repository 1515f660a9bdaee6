// Package venue implements the quote source adapters. Each venue family is
// one QuoteSource variant selected by configuration through Build. Adapters
// never retry and never rate-limit; the ratelimit package wraps them.
package venue

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// QuoteSource is the contract every adapter variant implements.
type QuoteSource interface {
	ID() string
	Chain() domain.Chain
	Kind() domain.VenueKind
	GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error)
}

// ContractCaller executes read-only contract calls. *ethclient.Client
// satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Encoder packs call data and unpacks return data for one contract family.
// abi.ABI satisfies it.
type Encoder interface {
	Pack(method string, args ...interface{}) ([]byte, error)
	Unpack(method string, data []byte) ([]interface{}, error)
}

// RequestAuth signs outbound HTTP quote requests.
type RequestAuth interface {
	Headers(method, path, body string) map[string]string
}

// Token is an asset's on-chain identity on one chain.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int
}

// SourceConfig is the resolved configuration of one source.
type SourceConfig struct {
	ID          string
	Kind        domain.VenueKind
	Chain       domain.Chain
	Address     common.Address
	PoolID      common.Hash
	URL         string
	FeeRate     float64
	TTL         time.Duration
	Pools       map[domain.Pair]common.Address
	ProbeAmount float64
	// Auth, when set, signs HTTP requests of proxy and transfer-cost sources.
	Auth RequestAuth
}

// Deps are the collaborators a source may need.
type Deps struct {
	Caller  ContractCaller
	Encoder Encoder
	Tokens  map[string]Token
	HTTP    *http.Client
	Now     func() time.Time
}

// Constructor builds one adapter variant.
type Constructor func(cfg SourceConfig, deps Deps) (QuoteSource, error)

var constructors = map[domain.VenueKind]Constructor{
	domain.VenueConstantProduct: NewConstantProduct,
	domain.VenueConcentrated:    NewConcentrated,
	domain.VenueVault:           NewVault,
	domain.VenueProxy:           NewProxy,
}

// Build constructs the adapter selected by cfg.Kind.
func Build(cfg SourceConfig, deps Deps) (QuoteSource, error) {
	ctor, ok := constructors[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("venue: unknown kind %q for source %s", cfg.Kind, cfg.ID)
	}
	return ctor(cfg, deps)
}

// ParsePair parses "BASE/QUOTE".
func ParsePair(s string) (domain.Pair, error) {
	base, quote, ok := strings.Cut(s, "/")
	base, quote = strings.TrimSpace(base), strings.TrimSpace(quote)
	if !ok || base == "" || quote == "" {
		return domain.Pair{}, fmt.Errorf("venue: invalid pair %q", s)
	}
	return domain.Pair{Base: base, Quote: quote}, nil
}

// base holds what every adapter shares.
type base struct {
	cfg SourceConfig
	now func() time.Time
}

func newBase(cfg SourceConfig, deps Deps) base {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return base{cfg: cfg, now: now}
}

func (b base) ID() string             { return b.cfg.ID }
func (b base) Chain() domain.Chain    { return b.cfg.Chain }
func (b base) Kind() domain.VenueKind { return b.cfg.Kind }

func (b base) errorf(kind domain.SourceErrorKind, format string, args ...interface{}) error {
	return domain.NewSourceError(b.cfg.ID, kind, fmt.Errorf(format, args...))
}

// quote builds the Quote; a value the domain rejects is a malformed response.
func (b base) quote(pair domain.Pair, price, liquidity float64, observedAt time.Time) (domain.Quote, error) {
	q, err := domain.NewQuote(b.cfg.ID, b.cfg.Chain, pair, price, liquidity, b.cfg.FeeRate, observedAt, b.cfg.TTL)
	if err != nil {
		return domain.Quote{}, domain.NewSourceError(b.cfg.ID, domain.SourceMalformedResponse, err)
	}
	return q, nil
}

// pool resolves the pool for pair, accepting either orientation.
func (b base) pool(pair domain.Pair) (common.Address, bool) {
	if addr, ok := b.cfg.Pools[pair]; ok {
		return addr, true
	}
	addr, ok := b.cfg.Pools[domain.Pair{Base: pair.Quote, Quote: pair.Base}]
	return addr, ok
}

// tokens resolves both sides of pair.
func tokens(set map[string]Token, pair domain.Pair) (baseTok, quoteTok Token, ok bool) {
	baseTok, okB := set[pair.Base]
	quoteTok, okQ := set[pair.Quote]
	return baseTok, quoteTok, okB && okQ
}

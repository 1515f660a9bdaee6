package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Chain identifies a network, e.g. "ethereum" or "arbitrum".
type Chain string

// Pair is an ordered asset pair. Prices are expressed in Quote units per one
// Base unit.
type Pair struct {
	Base  string `json:"base" toml:"base"`
	Quote string `json:"quote" toml:"quote"`
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// VenueKind tags the quote source adapter variant.
type VenueKind string

const (
	VenueConstantProduct VenueKind = "constant_product"
	VenueConcentrated    VenueKind = "concentrated_liquidity"
	VenueVault           VenueKind = "vault"
	VenueProxy           VenueKind = "proxy"
	VenueTransferCost    VenueKind = "transfer_cost"
)

// Quote is an immutable price observation from one source. Fields are
// unexported so that a Quote can only come from NewQuote (called by adapters)
// or from decoding a cached Quote, both of which validate the timestamp.
type Quote struct {
	sourceID   string
	chain      Chain
	pair       Pair
	price      float64
	liquidity  float64
	feeRate    float64
	observedAt time.Time
	ttl        time.Duration
}

// NewQuote validates and builds a Quote.
func NewQuote(sourceID string, chain Chain, pair Pair, price, liquidity, feeRate float64, observedAt time.Time, ttl time.Duration) (Quote, error) {
	switch {
	case sourceID == "":
		return Quote{}, fmt.Errorf("%w: empty source id", ErrInvalidQuote)
	case pair.Base == "" || pair.Quote == "":
		return Quote{}, fmt.Errorf("%w: incomplete pair %q", ErrInvalidQuote, pair)
	case !(price > 0) || math.IsInf(price, 0):
		return Quote{}, fmt.Errorf("%w: price %v", ErrInvalidQuote, price)
	case liquidity < 0 || math.IsNaN(liquidity) || math.IsInf(liquidity, 0):
		return Quote{}, fmt.Errorf("%w: liquidity %v", ErrInvalidQuote, liquidity)
	case feeRate < 0 || feeRate >= 1 || math.IsNaN(feeRate):
		return Quote{}, fmt.Errorf("%w: fee rate %v", ErrInvalidQuote, feeRate)
	case observedAt.IsZero():
		return Quote{}, fmt.Errorf("%w: missing observation time", ErrInvalidQuote)
	case ttl <= 0:
		return Quote{}, fmt.Errorf("%w: ttl %s", ErrInvalidQuote, ttl)
	}
	return Quote{
		sourceID:   sourceID,
		chain:      chain,
		pair:       pair,
		price:      price,
		liquidity:  liquidity,
		feeRate:    feeRate,
		observedAt: observedAt,
		ttl:        ttl,
	}, nil
}

func (q Quote) SourceID() string           { return q.sourceID }
func (q Quote) Chain() Chain               { return q.chain }
func (q Quote) Pair() Pair                 { return q.pair }
func (q Quote) Price() float64             { return q.price }
func (q Quote) Liquidity() float64         { return q.liquidity }
func (q Quote) FeeRate() float64           { return q.feeRate }
func (q Quote) ObservedAt() time.Time      { return q.observedAt }
func (q Quote) TTL() time.Duration         { return q.ttl }
func (q Quote) ExpiresAt() time.Time       { return q.observedAt.Add(q.ttl) }
func (q Quote) IsZero() bool               { return q.sourceID == "" }
func (q Quote) Expired(now time.Time) bool { return now.After(q.ExpiresAt()) }

// Ref returns the freshness reference stored on an Opportunity.
func (q Quote) Ref() QuoteRef {
	return QuoteRef{SourceID: q.sourceID, ObservedAt: q.observedAt, ExpiresAt: q.ExpiresAt()}
}

type quoteWire struct {
	SourceID   string        `json:"source_id"`
	Chain      Chain         `json:"chain"`
	Pair       Pair          `json:"pair"`
	Price      float64       `json:"price"`
	Liquidity  float64       `json:"liquidity"`
	FeeRate    float64       `json:"fee_rate"`
	ObservedAt time.Time     `json:"observed_at"`
	TTL        time.Duration `json:"ttl"`
}

// MarshalJSON implements json.Marshaler.
func (q Quote) MarshalJSON() ([]byte, error) {
	return json.Marshal(quoteWire{
		SourceID:   q.sourceID,
		Chain:      q.chain,
		Pair:       q.pair,
		Price:      q.price,
		Liquidity:  q.liquidity,
		FeeRate:    q.feeRate,
		ObservedAt: q.observedAt,
		TTL:        q.ttl,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The decoded Quote is subject to
// the same validation as NewQuote.
func (q *Quote) UnmarshalJSON(data []byte) error {
	var w quoteWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	decoded, err := NewQuote(w.SourceID, w.Chain, w.Pair, w.Price, w.Liquidity, w.FeeRate, w.ObservedAt, w.TTL)
	if err != nil {
		return err
	}
	*q = decoded
	return nil
}

// TransferCostQuote prices moving Asset from SourceChain to TargetChain.
type TransferCostQuote struct {
	SourceID      string        `json:"source_id"`
	SourceChain   Chain         `json:"source_chain"`
	TargetChain   Chain         `json:"target_chain"`
	Asset         string        `json:"asset"`
	FeeAmount     float64       `json:"fee_amount"`  // quote-currency units
	FeePercent    float64       `json:"fee_percent"` // 0.05 means 0.05%
	EstimatedTime time.Duration `json:"estimated_time"`
	QuotedAt      time.Time     `json:"quoted_at"`
	TTL           time.Duration `json:"ttl"`
}

// Expired reports whether the quote is past its freshness window. A quote
// without a timestamp or TTL is always expired.
func (t TransferCostQuote) Expired(now time.Time) bool {
	if t.QuotedAt.IsZero() || t.TTL <= 0 {
		return true
	}
	return now.After(t.QuotedAt.Add(t.TTL))
}

// Cost returns the total transfer cost for moving amount.
func (t TransferCostQuote) Cost(amount float64) float64 {
	return t.FeeAmount + amount*t.FeePercent/100
}

// Ref returns the freshness reference stored on an Opportunity.
func (t TransferCostQuote) Ref() QuoteRef {
	return QuoteRef{SourceID: t.SourceID, ObservedAt: t.QuotedAt, ExpiresAt: t.QuotedAt.Add(t.TTL)}
}

// Route returns the transfer route this quote prices.
func (t TransferCostQuote) Route() TransferRoute {
	return TransferRoute{From: t.SourceChain, To: t.TargetChain, Asset: t.Asset}
}

// TransferRoute is a (source chain, target chain, asset) bridge route.
type TransferRoute struct {
	From  Chain  `json:"from"`
	To    Chain  `json:"to"`
	Asset string `json:"asset"`
}

func (r TransferRoute) String() string {
	return string(r.From) + "->" + string(r.To) + ":" + r.Asset
}

// QuoteRef records which observation an Opportunity was derived from.
type QuoteRef struct {
	SourceID   string    `json:"source_id"`
	ObservedAt time.Time `json:"observed_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

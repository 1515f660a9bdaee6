package domain

import (
	"strings"
	"time"
)

// HopAction is what a route hop does with the asset.
type HopAction string

const (
	HopBuy      HopAction = "buy"
	HopSell     HopAction = "sell"
	HopTransfer HopAction = "transfer"
)

// Hop is one step of a route.
type Hop struct {
	Venue   string    `json:"venue"`
	Chain   Chain     `json:"chain"`
	Action  HopAction `json:"action"`
	Price   float64   `json:"price"`
	FeeRate float64   `json:"fee_rate"`
}

// Costs breaks down everything netted out of the gross spread. All values
// are in quote-currency (USD) units.
type Costs struct {
	Gas      float64 `json:"gas"`
	Fees     float64 `json:"fees"`
	Transfer float64 `json:"transfer"`
	Slippage float64 `json:"slippage"`
}

// Total sums the cost components.
func (c Costs) Total() float64 {
	return c.Gas + c.Fees + c.Transfer + c.Slippage
}

// Opportunity is a scored candidate trade. It is a value type: callers
// hand it downstream with Clone and never share the Route or Quotes slices.
type Opportunity struct {
	ID             string     `json:"id"`
	Pair           Pair       `json:"pair"`
	Route          []Hop      `json:"route"`
	AssetPath      []string   `json:"asset_path"`
	InputAmount    float64    `json:"input_amount"`
	GrossProfit    float64    `json:"gross_profit"`
	Costs          Costs      `json:"costs"`
	TotalCost      float64    `json:"total_cost"`
	NetProfit      float64    `json:"net_profit"`
	Confidence     float64    `json:"confidence"`
	CrossChain     bool       `json:"cross_chain"`
	TransferSource string     `json:"transfer_source,omitempty"`
	Quotes         []QuoteRef `json:"quotes"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RouteKey is a stable identifier for the route, independent of sizing and
// timing. It is used for ranking ties and for history lookups.
func (o Opportunity) RouteKey() string {
	var b strings.Builder
	b.WriteString(o.Pair.String())
	for _, h := range o.Route {
		b.WriteByte('|')
		b.WriteString(string(h.Action))
		b.WriteByte(':')
		b.WriteString(h.Venue)
		b.WriteByte('@')
		b.WriteString(string(h.Chain))
	}
	return b.String()
}

// NetMargin returns net profit as a fraction of the input amount.
func (o Opportunity) NetMargin() float64 {
	if o.InputAmount <= 0 {
		return 0
	}
	return o.NetProfit / o.InputAmount
}

// Fresh reports whether every quote the opportunity was built from is still
// inside its freshness window.
func (o Opportunity) Fresh(now time.Time) bool {
	if len(o.Quotes) == 0 {
		return false
	}
	for _, ref := range o.Quotes {
		if now.After(ref.ExpiresAt) {
			return false
		}
	}
	return true
}

// Chains returns the distinct chains touched by the route in hop order.
func (o Opportunity) Chains() []Chain {
	var out []Chain
	seen := make(map[Chain]bool, len(o.Route))
	for _, h := range o.Route {
		if !seen[h.Chain] {
			seen[h.Chain] = true
			out = append(out, h.Chain)
		}
	}
	return out
}

// Clone returns a deep copy.
func (o Opportunity) Clone() Opportunity {
	c := o
	c.Route = append([]Hop(nil), o.Route...)
	c.AssetPath = append([]string(nil), o.AssetPath...)
	c.Quotes = append([]QuoteRef(nil), o.Quotes...)
	return c
}

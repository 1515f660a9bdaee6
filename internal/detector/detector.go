// Package detector turns a snapshot of fresh quotes into ranked, fully
// costed arbitrage opportunities.
package detector

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// GasEstimator prices one execution leg and recognises native gas assets.
type GasEstimator interface {
	LegCostUSD(chain domain.Chain) (float64, error)
	IsNative(chain domain.Chain, asset string) bool
}

// Config holds the scoring parameters.
type Config struct {
	MinProfitUSD float64
	// MinProfitPercent is in percent of the input amount: 0.5 means 0.5%.
	MinProfitPercent  float64
	SlippageFactor    float64
	MaxTradeUSD       float64
	DepthReference    float64
	HistoryWeight     float64
	ConfidenceTimeout time.Duration
}

// Result is the output of one detection pass.
type Result struct {
	Opportunities []domain.Opportunity
	Stats         domain.DetectionStats
}

// Best returns the top-ranked opportunity.
func (r Result) Best() (domain.Opportunity, bool) {
	if len(r.Opportunities) == 0 {
		return domain.Opportunity{}, false
	}
	return r.Opportunities[0], true
}

// Detector scores candidate routes. It holds no per-cycle state and is safe
// for concurrent use.
type Detector struct {
	cfg     Config
	sizing  SizingPolicy
	gas     GasEstimator
	history domain.ConfidenceSource
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Detector. history may be nil.
func New(cfg Config, sizing SizingPolicy, gas GasEstimator, history domain.ConfidenceSource, logger *slog.Logger) *Detector {
	if cfg.ConfidenceTimeout <= 0 {
		cfg.ConfidenceTimeout = 100 * time.Millisecond
	}
	return &Detector{
		cfg:     cfg,
		sizing:  sizing,
		gas:     gas,
		history: history,
		logger:  logger.With(slog.String("component", "detector")),
		now:     time.Now,
	}
}

// Detect compares every pair of quotes for the same asset pair from
// different sources and returns the surviving opportunities ranked by net
// profit, then confidence, then route key.
func (d *Detector) Detect(ctx context.Context, quotes []domain.Quote, transfers []domain.TransferCostQuote) Result {
	now := d.now()
	var res Result

	byPair := make(map[domain.Pair][]domain.Quote)
	var pairs []domain.Pair
	for _, q := range quotes {
		if q.Expired(now) {
			res.Stats.ExpiredQuotes++
			continue
		}
		if _, ok := byPair[q.Pair()]; !ok {
			pairs = append(pairs, q.Pair())
		}
		byPair[q.Pair()] = append(byPair[q.Pair()], q)
	}

	for _, p := range pairs {
		qs := byPair[p]
		for i := 0; i < len(qs); i++ {
			for j := i + 1; j < len(qs); j++ {
				if qs[i].SourceID() == qs[j].SourceID() {
					continue
				}
				if opp, ok := d.evaluate(ctx, qs[i], qs[j], transfers, now, &res.Stats); ok {
					res.Opportunities = append(res.Opportunities, opp)
				}
			}
		}
	}

	Rank(res.Opportunities)
	return res
}

// evaluate costs one candidate. The cheaper quote is the buy side.
func (d *Detector) evaluate(ctx context.Context, a, b domain.Quote, transfers []domain.TransferCostQuote, now time.Time, st *domain.DetectionStats) (domain.Opportunity, bool) {
	buy, sell := a, b
	if sell.Price() < buy.Price() {
		buy, sell = sell, buy
	}
	if sell.Price() <= buy.Price() {
		return domain.Opportunity{}, false
	}
	st.Candidates++

	pair := buy.Pair()
	if d.degenerate(buy.Chain(), pair) || d.degenerate(sell.Chain(), pair) {
		st.NativeExcluded++
		return domain.Opportunity{}, false
	}

	size, err := d.sizing.Size(ctx, SizeRequest{
		Pair:      pair,
		BuyChain:  buy.Chain(),
		SellChain: sell.Chain(),
		BuyPrice:  buy.Price(),
	})
	if err != nil {
		d.logger.WarnContext(ctx, "sizing failed", slog.String("pair", pair.String()), slog.String("error", err.Error()))
	}
	if d.cfg.MaxTradeUSD > 0 {
		size = math.Min(size, d.cfg.MaxTradeUSD)
	}
	if err != nil || size <= 0 {
		st.InsufficientBalance++
		return domain.Opportunity{}, false
	}

	if buy.Liquidity() < size || sell.Liquidity() < size {
		st.InsufficientLiquidity++
		return domain.Opportunity{}, false
	}

	qty := size / buy.Price()
	proceeds := qty * sell.Price()
	costs := domain.Costs{
		Fees:     size*buy.FeeRate() + proceeds*sell.FeeRate(),
		Slippage: d.cfg.SlippageFactor * size * (size/buy.Liquidity() + size/sell.Liquidity()),
	}

	cross := buy.Chain() != sell.Chain()
	chains := []domain.Chain{buy.Chain()}
	if cross {
		chains = append(chains, sell.Chain())
	}
	for _, c := range chains {
		leg, err := d.gas.LegCostUSD(c)
		if err != nil {
			d.logger.DebugContext(ctx, "gas unpriced", slog.String("chain", string(c)), slog.String("error", err.Error()))
			return domain.Opportunity{}, false
		}
		costs.Gas += leg
	}

	refs := []domain.QuoteRef{buy.Ref(), sell.Ref()}
	route := []domain.Hop{{
		Venue: buy.SourceID(), Chain: buy.Chain(), Action: domain.HopBuy,
		Price: buy.Price(), FeeRate: buy.FeeRate(),
	}}
	var transferSource string
	if cross {
		tq, ok := cheapestTransfer(transfers, domain.TransferRoute{From: buy.Chain(), To: sell.Chain(), Asset: pair.Base}, size, now)
		if !ok {
			st.NoTransferQuote++
			return domain.Opportunity{}, false
		}
		costs.Transfer = tq.Cost(size)
		transferSource = tq.SourceID
		refs = append(refs, tq.Ref())
		route = append(route, domain.Hop{Venue: tq.SourceID, Chain: sell.Chain(), Action: domain.HopTransfer})
	}
	route = append(route, domain.Hop{
		Venue: sell.SourceID(), Chain: sell.Chain(), Action: domain.HopSell,
		Price: sell.Price(), FeeRate: sell.FeeRate(),
	})

	gross := proceeds - size
	total := costs.Total()
	net := gross - total
	if net <= 0 || net < d.floor(size) {
		st.BelowFloor++
		d.logger.DebugContext(ctx, "candidate below floor",
			slog.String("pair", pair.String()),
			slog.String("buy", buy.SourceID()),
			slog.String("sell", sell.SourceID()),
			slog.Float64("gross", gross),
			slog.Float64("cost", total),
		)
		return domain.Opportunity{}, false
	}

	opp := domain.Opportunity{
		ID:             uuid.Must(uuid.NewRandom()).String(),
		Pair:           pair,
		Route:          route,
		AssetPath:      []string{pair.Quote, pair.Base, pair.Quote},
		InputAmount:    size,
		GrossProfit:    gross,
		Costs:          costs,
		TotalCost:      total,
		NetProfit:      net,
		CrossChain:     cross,
		TransferSource: transferSource,
		Quotes:         refs,
		CreatedAt:      now,
	}
	opp.Confidence = d.confidence(ctx, opp.RouteKey(), math.Min(buy.Liquidity(), sell.Liquidity()))
	return opp, true
}

// floor is the minimum net profit for an input amount: both the absolute and
// the percentage floor must hold.
func (d *Detector) floor(input float64) float64 {
	return math.Max(d.cfg.MinProfitUSD, d.cfg.MinProfitPercent/100*input)
}

// degenerate reports a pair whose two sides are both the chain's gas asset,
// such as a wrapped-native token quoted against the native one.
func (d *Detector) degenerate(chain domain.Chain, p domain.Pair) bool {
	return d.gas.IsNative(chain, p.Base) && d.gas.IsNative(chain, p.Quote)
}

// cheapestTransfer picks the lowest-cost valid quote for route.
func cheapestTransfer(transfers []domain.TransferCostQuote, route domain.TransferRoute, amount float64, now time.Time) (domain.TransferCostQuote, bool) {
	var (
		best  domain.TransferCostQuote
		found bool
	)
	for _, t := range transfers {
		if t.Route() != route || t.Expired(now) {
			continue
		}
		if !found || t.Cost(amount) < best.Cost(amount) ||
			(t.Cost(amount) == best.Cost(amount) && t.SourceID < best.SourceID) {
			best, found = t, true
		}
	}
	return best, found
}

// confidence blends liquidity depth with the route's historical success
// rate. History lookups are best effort; a missing or slow history store
// contributes a neutral 0.5.
func (d *Detector) confidence(ctx context.Context, routeKey string, liquidity float64) float64 {
	depth := 1.0
	if d.cfg.DepthReference > 0 {
		depth = math.Min(1, liquidity/d.cfg.DepthReference)
	}
	hist := 0.5
	if d.history != nil {
		hctx, cancel := context.WithTimeout(ctx, d.cfg.ConfidenceTimeout)
		stats, err := d.history.RouteStats(hctx, routeKey)
		cancel()
		if err != nil {
			d.logger.DebugContext(ctx, "route history unavailable", slog.String("error", err.Error()))
		} else if rate, ok := stats.SuccessRate(); ok {
			hist = rate
		}
	}
	w := d.cfg.HistoryWeight
	return (1-w)*depth + w*hist
}

// Rank orders opportunities by net profit descending, then confidence
// descending, then route key ascending.
func Rank(opps []domain.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		a, b := opps[i], opps[j]
		if a.NetProfit != b.NetProfit {
			return a.NetProfit > b.NetProfit
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.RouteKey() < b.RouteKey()
	})
}

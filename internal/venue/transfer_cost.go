package venue

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// transferResponse is the bridge oracle's payload.
type transferResponse struct {
	FeeAmount        decimal.Decimal `json:"fee_amount"`
	FeePercent       decimal.Decimal `json:"fee_percent"`
	EstimatedSeconds int64           `json:"estimated_seconds"`
	QuotedAt         int64           `json:"quoted_at"`
}

// TransferCost asks a bridge oracle what moving an asset between chains
// costs. Bridge settlement itself is out of scope.
type TransferCost struct {
	base
	client *http.Client
}

// NewTransferCost builds a transfer-cost oracle adapter.
func NewTransferCost(cfg SourceConfig, deps Deps) (*TransferCost, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("venue: %s: url is required", cfg.ID)
	}
	cfg.Kind = domain.VenueTransferCost
	client := deps.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &TransferCost{base: newBase(cfg, deps), client: client}, nil
}

// TransferQuote prices route.
func (t *TransferCost) TransferQuote(ctx context.Context, route domain.TransferRoute) (domain.TransferCostQuote, error) {
	q := url.Values{}
	q.Set("from", string(route.From))
	q.Set("to", string(route.To))
	q.Set("asset", route.Asset)

	var resp transferResponse
	if err := getJSON(ctx, t.base, t.client, t.cfg.URL, q, &resp); err != nil {
		return domain.TransferCostQuote{}, err
	}
	if resp.FeeAmount.IsNegative() || resp.FeePercent.IsNegative() {
		return domain.TransferCostQuote{}, t.errorf(domain.SourceMalformedResponse, "negative fee %s + %s%%", resp.FeeAmount, resp.FeePercent)
	}

	quotedAt := t.now()
	if resp.QuotedAt > 0 {
		quotedAt = time.Unix(resp.QuotedAt, 0)
	}
	return domain.TransferCostQuote{
		SourceID:      t.cfg.ID,
		SourceChain:   route.From,
		TargetChain:   route.To,
		Asset:         route.Asset,
		FeeAmount:     resp.FeeAmount.InexactFloat64(),
		FeePercent:    resp.FeePercent.InexactFloat64(),
		EstimatedTime: time.Duration(resp.EstimatedSeconds) * time.Second,
		QuotedAt:      quotedAt,
		TTL:           t.cfg.TTL,
	}, nil
}

package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// proxyResponse is the aggregator's routed-quote payload.
type proxyResponse struct {
	Price     decimal.Decimal `json:"price"`
	Liquidity decimal.Decimal `json:"liquidity"`
	Timestamp int64           `json:"timestamp"`
	Route     []string        `json:"route"`
}

// Proxy asks an HTTP aggregator for a routed multi-hop simulation.
type Proxy struct {
	base
	client *http.Client
}

// NewProxy builds a proxy adapter.
func NewProxy(cfg SourceConfig, deps Deps) (QuoteSource, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("venue: %s: url is required", cfg.ID)
	}
	client := deps.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Proxy{base: newBase(cfg, deps), client: client}, nil
}

// GetQuote fetches the aggregator's price for pair.
func (p *Proxy) GetQuote(ctx context.Context, pair domain.Pair) (domain.Quote, error) {
	q := url.Values{}
	q.Set("chain", string(p.cfg.Chain))
	q.Set("base", pair.Base)
	q.Set("quote", pair.Quote)

	var resp proxyResponse
	if err := getJSON(ctx, p.base, p.client, p.cfg.URL, q, &resp); err != nil {
		return domain.Quote{}, err
	}

	observedAt := p.now()
	if resp.Timestamp > 0 {
		observedAt = time.Unix(resp.Timestamp, 0)
		if observedAt.Add(p.cfg.TTL).Before(p.now()) {
			return domain.Quote{}, p.errorf(domain.SourceStaleData, "quote from %s", observedAt.UTC().Format(time.RFC3339))
		}
	}
	return p.quote(pair, resp.Price.InexactFloat64(), resp.Liquidity.InexactFloat64(), observedAt)
}

// getJSON performs a GET and decodes a JSON body, mapping failures onto
// source error kinds.
func getJSON(ctx context.Context, b base, client *http.Client, endpoint string, query url.Values, dst interface{}) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("venue: %s: parse url: %w", b.cfg.ID, err)
	}
	merged := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	u.RawQuery = merged.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("venue: %s: create request: %w", b.cfg.ID, err)
	}
	req.Header.Set("Accept", "application/json")
	if b.cfg.Auth != nil {
		for k, v := range b.cfg.Auth.Headers(http.MethodGet, u.RequestURI(), "") {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.NewSourceError(b.cfg.ID, domain.SourceUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return b.errorf(domain.SourceAssetNotListed, "status %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return b.errorf(domain.SourceUnreachable, "status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return b.errorf(domain.SourceMalformedResponse, "status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(dst); err != nil {
		return b.errorf(domain.SourceMalformedResponse, "decode: %v", err)
	}
	return nil
}

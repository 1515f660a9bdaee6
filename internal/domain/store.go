package domain

import (
	"context"
	"io"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// AttemptRecord pairs an executed Opportunity with its attempt. It is the
// unit handed to the learning/history collaborator.
type AttemptRecord struct {
	Opportunity Opportunity      `json:"opportunity"`
	Attempt     ExecutionAttempt `json:"attempt"`
}

// RouteStats summarises historical outcomes for one route.
type RouteStats struct {
	RouteKey  string
	Attempts  int
	Successes int
}

// SuccessRate returns the fraction of successful attempts, or ok=false
// when the route has no history.
func (s RouteStats) SuccessRate() (rate float64, ok bool) {
	if s.Attempts == 0 {
		return 0, false
	}
	return float64(s.Successes) / float64(s.Attempts), true
}

// AttemptStore persists attempt history.
type AttemptStore interface {
	Insert(ctx context.Context, rec AttemptRecord) error
	RouteStats(ctx context.Context, routeKey string) (RouteStats, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]ExecutionAttempt, error)
}

// HistorySink receives attempt records. Sinks are best effort.
type HistorySink interface {
	Record(ctx context.Context, rec AttemptRecord) error
}

// ConfidenceSource supplies a historical success rate for a route.
type ConfidenceSource interface {
	RouteStats(ctx context.Context, routeKey string) (RouteStats, error)
}

// BalanceProvider supplies per-chain, per-asset wallet balances in asset
// units.
type BalanceProvider interface {
	Balance(ctx context.Context, chain Chain, asset string) (float64, error)
	Refresh(ctx context.Context) error
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Package history records settled attempts and answers route success-rate
// queries for the detector's confidence score.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// Recorder fans settled attempts out to an optional AttemptStore and any
// number of additional sinks, and keeps per-route outcome counts in memory.
// All writes are best effort: a failing sink never blocks the others.
type Recorder struct {
	store  domain.AttemptStore
	sinks  []domain.HistorySink
	logger *slog.Logger

	mu    sync.Mutex
	stats map[string]domain.RouteStats
}

// NewRecorder creates a Recorder. store may be nil, in which case route
// statistics only cover attempts recorded by this process.
func NewRecorder(store domain.AttemptStore, logger *slog.Logger, sinks ...domain.HistorySink) *Recorder {
	return &Recorder{
		store:  store,
		sinks:  sinks,
		logger: logger.With(slog.String("component", "history")),
		stats:  make(map[string]domain.RouteStats),
	}
}

// Record implements domain.HistorySink.
func (r *Recorder) Record(ctx context.Context, rec domain.AttemptRecord) error {
	r.count(rec.Attempt)

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	if r.store != nil {
		g.Go(func() error {
			if err := r.store.Insert(ctx, rec); err != nil {
				fail(fmt.Errorf("history: store: %w", err))
			}
			return nil
		})
	}
	for i, s := range r.sinks {
		g.Go(func() error {
			if err := s.Record(ctx, rec); err != nil {
				fail(fmt.Errorf("history: sink %d: %w", i, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		r.logger.Warn("attempt not fully recorded",
			slog.String("attempt_id", rec.Attempt.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// count folds the attempt into the in-memory statistics. Simulated attempts
// say nothing about the route's on-chain success rate.
func (r *Recorder) count(a domain.ExecutionAttempt) {
	if a.DryRun || a.Outcome == domain.OutcomeSimulated || a.RouteKey == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[a.RouteKey]
	if !ok {
		if r.store != nil {
			// Not yet loaded from the store; the next lookup fetches the
			// authoritative counts, which will include this attempt.
			return
		}
		s.RouteKey = a.RouteKey
	}
	s.Attempts++
	if a.Outcome == domain.OutcomeSuccess {
		s.Successes++
	}
	r.stats[a.RouteKey] = s
}

// RouteStats implements domain.ConfidenceSource. Counts are loaded from the
// store on first use and maintained in memory afterwards.
func (r *Recorder) RouteStats(ctx context.Context, routeKey string) (domain.RouteStats, error) {
	r.mu.Lock()
	s, ok := r.stats[routeKey]
	r.mu.Unlock()
	if ok {
		return s, nil
	}
	if r.store == nil {
		return domain.RouteStats{RouteKey: routeKey}, nil
	}

	loaded, err := r.store.RouteStats(ctx, routeKey)
	if err != nil {
		return domain.RouteStats{}, fmt.Errorf("history: route stats %s: %w", routeKey, err)
	}
	loaded.RouteKey = routeKey

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.stats[routeKey]; ok {
		return cur, nil
	}
	r.stats[routeKey] = loaded
	return loaded, nil
}

// ListRecent returns recent attempts from the store.
func (r *Recorder) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionAttempt, error) {
	if r.store == nil {
		return nil, fmt.Errorf("history: list recent: %w", domain.ErrNotFound)
	}
	return r.store.ListRecent(ctx, opts)
}

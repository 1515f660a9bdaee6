// Package coordinator runs the scan loop and hands at most one opportunity
// at a time to the execution pipeline.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbitrageur/internal/aggregator"
	"github.com/alanyoungcy/arbitrageur/internal/classifier"
	"github.com/alanyoungcy/arbitrageur/internal/detector"
	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// Alert event names understood by the notifier filter.
const (
	EventSystemFailure = "system_failure"
	EventUnknown       = "unknown"
	EventCircuitOpen   = "circuit_open"
	EventFatal         = "fatal"
)

// Aggregator gathers one cycle of quotes.
type Aggregator interface {
	Collect(ctx context.Context, pairs []domain.Pair, routes []domain.TransferRoute) aggregator.Snapshot
	Statuses() []domain.SourceStatus
}

// Detector scores a quote set.
type Detector interface {
	Detect(ctx context.Context, quotes []domain.Quote, transfers []domain.TransferCostQuote) detector.Result
}

// Pipeline executes a selected opportunity.
type Pipeline interface {
	Execute(ctx context.Context, opp domain.Opportunity) (domain.ExecutionAttempt, error)
	Reconcile(ctx context.Context) error
}

// QuoteObserver sees every cycle's quotes, e.g. to track native prices.
type QuoteObserver interface {
	ObserveQuotes(quotes []domain.Quote)
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Observer receives monitoring events.
type Observer interface {
	ObserveCycle(r domain.CycleReport)
	ObserveSources(s []domain.SourceStatus)
	ObserveSettlement(a domain.ExecutionAttempt, elapsed time.Duration)
	ObserveLock(held bool)
}

// Config holds the scan and execution scheduling parameters.
type Config struct {
	Pairs        []domain.Pair
	Routes       []domain.TransferRoute
	ScanInterval time.Duration
	// ExecutionTimeout bounds one execution as seen by the coordinator. It
	// should exceed the pipeline's own timeout.
	ExecutionTimeout time.Duration
	ReconcileTimeout time.Duration
	RecentAttempts   int
	MonitorOnly      bool
}

// Deps are the coordinator's collaborators. Aggregator, Detector, Pipeline
// and Lock are required; the rest may be nil.
type Deps struct {
	Aggregator Aggregator
	Detector   Detector
	Pipeline   Pipeline
	Lock       *ExecLock
	Balances   domain.BalanceProvider
	History    domain.HistorySink
	Bus        domain.EventBus
	Alerts     Alerter
	Observer   Observer
	Quotes     QuoteObserver
	// OnStatus is called with a fresh snapshot after every cycle and
	// settlement.
	OnStatus func(domain.SystemStatus)
}

type handoff struct {
	opp     domain.Opportunity
	release func()
}

// Coordinator owns the state machine Idle, Scanning, Selecting, Executing,
// Settling. Scanning and execution run on separate goroutines joined by a
// single-slot handoff; the ExecLock is held from selection until the
// attempt is settled.
type Coordinator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	handoff chan handoff

	mu               sync.RWMutex
	state            domain.CoordinatorState
	seq              uint64
	reconcilePending bool
	orphan           chan struct{}
	lastCycle        *domain.CycleReport
	recent           []domain.ExecutionAttempt
	circuits         map[string]domain.CircuitState
}

// New creates a Coordinator.
func New(cfg Config, deps Deps, logger *slog.Logger) *Coordinator {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 45 * time.Second
	}
	if cfg.ReconcileTimeout <= 0 {
		cfg.ReconcileTimeout = 10 * time.Second
	}
	if cfg.RecentAttempts <= 0 {
		cfg.RecentAttempts = 20
	}
	return &Coordinator{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(slog.String("component", "coordinator")),
		now:      time.Now,
		handoff:  make(chan handoff, 1),
		state:    domain.StateIdle,
		circuits: make(map[string]domain.CircuitState),
	}
}

// Run drives the scan loop and the execution loop until ctx is cancelled or
// a FatalError stops the process.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator started",
		slog.Int("pairs", len(c.cfg.Pairs)),
		slog.Int("routes", len(c.cfg.Routes)),
		slog.Duration("scan_interval", c.cfg.ScanInterval),
		slog.Bool("monitor_only", c.cfg.MonitorOnly),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.scanLoop(gctx) })
	g.Go(func() error { return c.executeLoop(gctx) })
	err := g.Wait()

	c.setState(domain.StateStopped)
	c.drainHandoff()
	c.logger.Info("coordinator stopped")
	return err
}

func (c *Coordinator) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		c.RunCycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) executeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case h := <-c.handoff:
			if err := c.execute(ctx, h); err != nil {
				return err
			}
		}
	}
}

// drainHandoff releases an opportunity that was handed off but never
// picked up before shutdown.
func (c *Coordinator) drainHandoff() {
	select {
	case h := <-c.handoff:
		h.release()
	default:
	}
}

// RunCycle performs one scan cycle. While the execution lock is held, or a
// reconciliation is outstanding and cannot be completed, the cycle is
// skipped rather than queued.
func (c *Coordinator) RunCycle(ctx context.Context) domain.CycleReport {
	c.mu.Lock()
	c.seq++
	rep := domain.CycleReport{Seq: c.seq, StartedAt: c.now()}
	c.mu.Unlock()

	defer func() {
		rep.Duration = c.now().Sub(rep.StartedAt)
		c.finishCycle(ctx, rep)
	}()

	if c.deps.Lock.Held() {
		rep.Result = domain.CycleSkippedLocked
		return rep
	}
	if c.ReconcilePending() {
		if err := c.reconcile(ctx); err != nil {
			rep.Result = domain.CycleSkippedReconcile
			rep.Note = err.Error()
			return rep
		}
	}

	c.setState(domain.StateScanning)
	snap := c.deps.Aggregator.Collect(ctx, c.cfg.Pairs, c.cfg.Routes)
	rep.Quotes = len(snap.Quotes)
	rep.TransferQuotes = len(snap.Transfers)
	rep.Skipped = snap.Skipped
	if c.deps.Quotes != nil {
		c.deps.Quotes.ObserveQuotes(snap.Quotes)
	}
	c.checkCircuits(ctx)
	if ctx.Err() != nil {
		c.setState(domain.StateIdle)
		rep.Result = domain.CycleError
		rep.Note = ctx.Err().Error()
		return rep
	}

	res := c.deps.Detector.Detect(ctx, snap.Quotes, snap.Transfers)
	rep.Detection = res.Stats
	rep.Opportunities = len(res.Opportunities)
	best, ok := res.Best()
	if !ok {
		c.setState(domain.StateIdle)
		rep.Result = domain.CycleNoOpportunity
		return rep
	}
	rep.BestNetProfit = best.NetProfit

	if c.cfg.MonitorOnly {
		c.setState(domain.StateIdle)
		rep.Result = domain.CycleFoundNotExecuted
		rep.Note = "monitor mode"
		return rep
	}

	c.setState(domain.StateSelecting)
	opp, release, note := c.selectOpportunity(ctx, res.Opportunities)
	if release == nil {
		c.setState(domain.StateIdle)
		rep.Result = domain.CycleFoundNotExecuted
		rep.Note = note
		return rep
	}

	select {
	case c.handoff <- handoff{opp: opp.Clone(), release: release}:
		rep.Result = domain.CycleDispatched
		rep.SelectedID = opp.ID
		rep.BestNetProfit = opp.NetProfit
	default:
		release()
		c.setState(domain.StateIdle)
		rep.Result = domain.CycleFoundNotExecuted
		rep.Note = "execution slot busy"
	}
	return rep
}

// selectOpportunity takes the lock and returns the best opportunity whose
// quotes are all still fresh. On success the caller owns release.
func (c *Coordinator) selectOpportunity(ctx context.Context, ranked []domain.Opportunity) (domain.Opportunity, func(), string) {
	release, err := c.deps.Lock.TryAcquire(ctx)
	if err != nil {
		return domain.Opportunity{}, nil, "execution lock unavailable: " + err.Error()
	}
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveLock(true)
	}
	now := c.now()
	for _, opp := range ranked {
		if opp.Fresh(now) {
			return opp, release, ""
		}
	}
	c.releaseLock(release)
	return domain.Opportunity{}, nil, "quotes expired before selection"
}

func (c *Coordinator) releaseLock(release func()) {
	release()
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveLock(false)
	}
}

func (c *Coordinator) finishCycle(ctx context.Context, rep domain.CycleReport) {
	c.mu.Lock()
	r := rep
	c.lastCycle = &r
	c.mu.Unlock()

	attrs := []any{
		slog.Uint64("seq", rep.Seq),
		slog.Int("quotes", rep.Quotes),
		slog.Int("skipped_sources", len(rep.Skipped)),
		slog.Duration("duration", rep.Duration),
	}
	switch rep.Result {
	case domain.CycleNoOpportunity:
		c.logger.Debug("no opportunity", append(attrs, slog.Int("candidates", rep.Detection.Candidates))...)
	case domain.CycleFoundNotExecuted:
		c.logger.Info("opportunity found, not executed", append(attrs,
			slog.Float64("best_net_profit", rep.BestNetProfit),
			slog.String("note", rep.Note))...)
	case domain.CycleDispatched:
		c.logger.Info("opportunity dispatched", append(attrs,
			slog.String("opportunity_id", rep.SelectedID),
			slog.Float64("net_profit", rep.BestNetProfit))...)
	case domain.CycleSkippedLocked:
		c.logger.Debug("cycle skipped, execution in progress", attrs...)
	default:
		c.logger.Warn("cycle skipped", append(attrs,
			slog.String("result", string(rep.Result)),
			slog.String("note", rep.Note))...)
	}

	if c.deps.Observer != nil {
		c.deps.Observer.ObserveCycle(rep)
	}
	c.publish(ctx, domain.ChannelCycles, rep)
	c.emitStatus()
}

// checkCircuits alerts when a source's breaker opens.
func (c *Coordinator) checkCircuits(ctx context.Context) {
	statuses := c.deps.Aggregator.Statuses()
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveSources(statuses)
	}
	var opened []domain.SourceStatus
	c.mu.Lock()
	for _, s := range statuses {
		if s.Circuit == domain.CircuitOpen && c.circuits[s.ID] != domain.CircuitOpen {
			opened = append(opened, s)
		}
		c.circuits[s.ID] = s.Circuit
	}
	c.mu.Unlock()
	for _, s := range opened {
		c.logger.Warn("source circuit opened",
			slog.String("source", s.ID),
			slog.Uint64("consecutive_failures", uint64(s.ConsecutiveFailures)),
		)
		c.alert(ctx, EventCircuitOpen, "Source unavailable",
			fmt.Sprintf("source %s on %s opened its circuit after %d consecutive failures", s.ID, s.Chain, s.ConsecutiveFailures))
	}
}

// execute runs one handed-off opportunity. The lock is released on every
// path out of this function.
func (c *Coordinator) execute(ctx context.Context, h handoff) (err error) {
	start := c.now()
	defer c.releaseLock(h.release)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("execution panicked", slog.Any("panic", r))
			c.settle(ctx, h.opp, aborted(h.opp, domain.ClassSystemFailure, fmt.Sprintf("panic: %v", r), start), start)
			err = nil
		}
	}()

	c.setState(domain.StateExecuting)
	a, err := c.runPipeline(ctx, h.opp, start)
	c.settle(ctx, h.opp, a, start)

	if domain.IsFatal(err) {
		c.alert(ctx, EventFatal, "Arbitrageur stopped", err.Error())
		return err
	}
	return nil
}

type pipelineResult struct {
	attempt domain.ExecutionAttempt
	err     error
}

// runPipeline bounds the pipeline by ExecutionTimeout. A pipeline that does
// not return in time is treated as an unconfirmed submission; it is left to
// finish in the background and reconciliation waits for it.
func (c *Coordinator) runPipeline(ctx context.Context, opp domain.Opportunity, start time.Time) (domain.ExecutionAttempt, error) {
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecutionTimeout)
	done := make(chan pipelineResult, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("pipeline panicked", slog.Any("panic", r))
				done <- pipelineResult{attempt: aborted(opp, domain.ClassSystemFailure, fmt.Sprintf("panic: %v", r), start)}
			}
		}()
		a, err := c.deps.Pipeline.Execute(execCtx, opp)
		done <- pipelineResult{a, err}
	}()

	select {
	case r := <-done:
		return r.attempt, r.err
	case <-execCtx.Done():
	}
	// The pipeline observed the same deadline; give it a moment to report.
	select {
	case r := <-done:
		return r.attempt, r.err
	case <-time.After(100 * time.Millisecond):
	}

	c.mu.Lock()
	c.orphan = finished
	c.mu.Unlock()
	a := aborted(opp, domain.ClassConfirmationTimeout, "execution exceeded its deadline without a terminal state", start)
	a.State = domain.AttemptTimedOut
	return a, nil
}

func aborted(opp domain.Opportunity, class domain.ErrorClass, reason string, at time.Time) domain.ExecutionAttempt {
	return domain.ExecutionAttempt{
		ID:            "coordinator-" + opp.ID,
		OpportunityID: opp.ID,
		RouteKey:      opp.RouteKey(),
		State:         domain.AttemptAborted,
		CreatedAt:     at,
		FailureKind:   class,
		Reason:        reason,
	}
}

// settle classifies the attempt, records it and raises alerts. An attempt
// the pipeline handed back before it reached a terminal state may still have
// transactions in flight, so it is settled as timed out.
func (c *Coordinator) settle(ctx context.Context, opp domain.Opportunity, a domain.ExecutionAttempt, start time.Time) {
	c.setState(domain.StateSettling)
	if !a.State.Terminal() {
		a.Reason = "pipeline returned in state " + string(a.State)
		a.State = domain.AttemptTimedOut
		a.FailureKind = domain.ClassConfirmationTimeout
	}
	cls := classifier.Classify(a)
	a.Outcome = cls.Outcome
	if a.FailureKind == "" {
		a.FailureKind = cls.Class
	}
	if a.Reason == "" {
		a.Reason = cls.Reason
	}
	elapsed := c.now().Sub(start)

	attrs := []any{
		slog.String("attempt_id", a.ID),
		slog.String("opportunity_id", opp.ID),
		slog.String("route", a.RouteKey),
		slog.String("state", string(a.State)),
		slog.String("outcome", string(a.Outcome)),
		slog.Any("chains", opp.Chains()),
		slog.Float64("expected_net_profit", opp.NetProfit),
		slog.Float64("expected_net_margin", opp.NetMargin()),
		slog.Float64("realized_net_profit", a.RealizedNetProfit),
		slog.Duration("elapsed", elapsed),
	}
	switch a.Outcome {
	case domain.OutcomeSuccess, domain.OutcomeSimulated:
		c.logger.Info("execution "+string(a.State), attrs...)
	case domain.OutcomeMarketFailure:
		c.logger.Info("execution "+string(a.State), append(attrs, slog.String("reason", a.Reason))...)
	default:
		c.logger.Error("execution "+string(a.State), append(attrs,
			slog.String("class", string(a.FailureKind)),
			slog.String("reason", a.Reason))...)
	}

	// Persistence must not depend on the caller still running.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if c.deps.History != nil {
		if err := c.deps.History.Record(rctx, domain.AttemptRecord{Opportunity: opp, Attempt: a}); err != nil {
			c.logger.Warn("history record failed", slog.String("attempt_id", a.ID), slog.String("error", err.Error()))
		}
	}
	c.publish(rctx, domain.ChannelAttempts, a)

	if a.Outcome.NeedsReconcile() {
		c.mu.Lock()
		c.reconcilePending = true
		c.mu.Unlock()
		event := EventSystemFailure
		if a.Outcome == domain.OutcomeUnknown {
			event = EventUnknown
		}
		c.alert(rctx, event, "Execution "+string(a.Outcome),
			fmt.Sprintf("route %s attempt %s: %s (%s). Trading paused until balances and nonces reconcile.",
				a.RouteKey, a.ID, a.State, a.Reason))
	}

	if c.deps.Observer != nil {
		c.deps.Observer.ObserveSettlement(a, elapsed)
	}

	c.mu.Lock()
	c.recent = append([]domain.ExecutionAttempt{a.Clone()}, c.recent...)
	if len(c.recent) > c.cfg.RecentAttempts {
		c.recent = c.recent[:c.cfg.RecentAttempts]
	}
	if c.state != domain.StateStopped {
		c.state = domain.StateIdle
	}
	c.mu.Unlock()
	c.emitStatus()
}

// reconcile resyncs nonces and balances under the execution lock. It fails
// while an execution that outlived its deadline is still running.
func (c *Coordinator) reconcile(ctx context.Context) error {
	c.mu.RLock()
	orphan := c.orphan
	c.mu.RUnlock()
	if orphan != nil {
		select {
		case <-orphan:
			c.mu.Lock()
			c.orphan = nil
			c.mu.Unlock()
		default:
			return errors.New("coordinator: previous execution still running")
		}
	}

	release, err := c.deps.Lock.TryAcquire(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: reconcile: %w", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReconcileTimeout)
	defer cancel()
	if err := c.deps.Pipeline.Reconcile(ctx); err != nil {
		return fmt.Errorf("coordinator: reconcile nonces: %w", err)
	}
	if c.deps.Balances != nil {
		if err := c.deps.Balances.Refresh(ctx); err != nil {
			return fmt.Errorf("coordinator: reconcile balances: %w", err)
		}
	}

	c.mu.Lock()
	c.reconcilePending = false
	c.mu.Unlock()
	c.logger.Info("reconciliation complete, trading resumed")
	return nil
}

// ReconcilePending reports whether trading is paused for reconciliation.
func (c *Coordinator) ReconcilePending() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconcilePending
}

// State returns the current phase.
func (c *Coordinator) State() domain.CoordinatorState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s domain.CoordinatorState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.StateStopped {
		return
	}
	c.state = s
}

// Status returns a monitoring snapshot.
func (c *Coordinator) Status() domain.SystemStatus {
	sources := c.deps.Aggregator.Statuses()

	c.mu.RLock()
	defer c.mu.RUnlock()
	st := domain.SystemStatus{
		State:            c.state,
		LockHeld:         c.deps.Lock.Held(),
		ReconcilePending: c.reconcilePending,
		RecentAttempts:   make([]domain.ExecutionAttempt, len(c.recent)),
		Sources:          sources,
		UpdatedAt:        c.now(),
	}
	for i, a := range c.recent {
		st.RecentAttempts[i] = a.Clone()
	}
	if c.lastCycle != nil {
		r := *c.lastCycle
		r.Skipped = append([]domain.SourceSkip(nil), c.lastCycle.Skipped...)
		st.LastCycle = &r
	}
	return st
}

func (c *Coordinator) emitStatus() {
	if c.deps.OnStatus != nil {
		c.deps.OnStatus(c.Status())
	}
}

func (c *Coordinator) publish(ctx context.Context, channel string, v any) {
	if c.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("marshal event failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return
	}
	if err := c.deps.Bus.Publish(ctx, channel, payload); err != nil {
		c.logger.Warn("publish event failed", slog.String("channel", channel), slog.String("error", err.Error()))
	}
}

func (c *Coordinator) alert(ctx context.Context, event, title, message string) {
	if c.deps.Alerts == nil {
		return
	}
	if err := c.deps.Alerts.Notify(ctx, event, title, message); err != nil {
		c.logger.Warn("alert delivery failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

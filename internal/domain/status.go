package domain

import "time"

// CircuitState is the externally visible breaker state of a quote source.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitHalfOpen CircuitState = "half_open"
	CircuitOpen     CircuitState = "open"
)

// SourceStatus is a monitoring view of one quote source.
type SourceStatus struct {
	ID                  string       `json:"id"`
	Chain               Chain        `json:"chain"`
	Kind                VenueKind    `json:"kind"`
	Circuit             CircuitState `json:"circuit"`
	ConsecutiveFailures uint32       `json:"consecutive_failures"`
}

// SkipReason explains why a source contributed nothing to a cycle.
type SkipReason string

const (
	SkipCircuitOpen SkipReason = "circuit_open"
	SkipTimeout     SkipReason = "timeout"
	SkipRateLimited SkipReason = "rate_limited"
	SkipNotListed   SkipReason = "asset_not_listed"
	SkipError       SkipReason = "error"
)

// SourceSkip records one skipped (source, pair) fetch.
type SourceSkip struct {
	Source string     `json:"source"`
	Pair   string     `json:"pair,omitempty"`
	Reason SkipReason `json:"reason"`
	Detail string     `json:"detail,omitempty"`
}

// CycleResult is the one-word summary of a scan cycle.
type CycleResult string

const (
	CycleNoOpportunity    CycleResult = "no_opportunity"
	CycleDispatched       CycleResult = "dispatched"
	CycleFoundNotExecuted CycleResult = "found_not_executed"
	CycleSkippedLocked    CycleResult = "skipped_locked"
	CycleSkippedReconcile CycleResult = "skipped_reconcile"
	CycleError            CycleResult = "error"
)

// CycleReport explains a single scan cycle.
type CycleReport struct {
	Seq            uint64         `json:"seq"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
	Result         CycleResult    `json:"result"`
	Quotes         int            `json:"quotes"`
	TransferQuotes int            `json:"transfer_quotes"`
	Skipped        []SourceSkip   `json:"skipped,omitempty"`
	Detection      DetectionStats `json:"detection"`
	Opportunities  int            `json:"opportunities"`
	BestNetProfit  float64        `json:"best_net_profit"`
	SelectedID     string         `json:"selected_id,omitempty"`
	Note           string         `json:"note,omitempty"`
}

// DetectionStats counts candidates the detector discarded, by reason.
type DetectionStats struct {
	Candidates            int `json:"candidates"`
	ExpiredQuotes         int `json:"expired_quotes"`
	NativeExcluded        int `json:"native_excluded"`
	InsufficientLiquidity int `json:"insufficient_liquidity"`
	InsufficientBalance   int `json:"insufficient_balance"`
	NoTransferQuote       int `json:"no_transfer_quote"`
	BelowFloor            int `json:"below_floor"`
}

// CoordinatorState is the execution coordinator's current phase.
type CoordinatorState string

const (
	StateIdle      CoordinatorState = "idle"
	StateScanning  CoordinatorState = "scanning"
	StateSelecting CoordinatorState = "selecting"
	StateExecuting CoordinatorState = "executing"
	StateSettling  CoordinatorState = "settling"
	StateStopped   CoordinatorState = "stopped"
)

// SystemStatus is the monitoring snapshot exposed over the status API.
type SystemStatus struct {
	State            CoordinatorState   `json:"state"`
	LockHeld         bool               `json:"lock_held"`
	ReconcilePending bool               `json:"reconcile_pending"`
	LastCycle        *CycleReport       `json:"last_cycle,omitempty"`
	RecentAttempts   []ExecutionAttempt `json:"recent_attempts"`
	Sources          []SourceStatus     `json:"sources"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

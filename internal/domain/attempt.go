package domain

import (
	"math/big"
	"time"
)

// AttemptState is the lifecycle state of an ExecutionAttempt.
type AttemptState string

const (
	AttemptCreated   AttemptState = "created"
	AttemptPreflight AttemptState = "preflight"
	AttemptSubmitted AttemptState = "submitted"
	AttemptConfirmed AttemptState = "confirmed"
	AttemptReverted  AttemptState = "reverted"
	AttemptTimedOut  AttemptState = "timed_out"
	AttemptAborted   AttemptState = "aborted"
)

// Terminal reports whether the pipeline has finished with the attempt.
func (s AttemptState) Terminal() bool {
	switch s {
	case AttemptConfirmed, AttemptReverted, AttemptTimedOut, AttemptAborted:
		return true
	}
	return false
}

// Outcome is the classified result of a terminal attempt.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeMarketFailure Outcome = "market_failure"
	OutcomeSystemFailure Outcome = "system_failure"
	OutcomeUnknown       Outcome = "unknown"
	// OutcomeSimulated marks a dry run that stopped before submission.
	OutcomeSimulated Outcome = "simulated"
)

// NeedsReconcile reports whether balances and nonces must be re-checked
// before the next execution.
func (o Outcome) NeedsReconcile() bool {
	return o == OutcomeSystemFailure || o == OutcomeUnknown
}

// LegStatus tracks a single transaction of an attempt.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegSubmitted LegStatus = "submitted"
	LegIncluded  LegStatus = "included"
	LegTimedOut  LegStatus = "timed_out"
	LegRejected  LegStatus = "rejected"
	LegSkipped   LegStatus = "skipped"
)

// LegReceipt is the on-chain inclusion record for a leg.
type LegReceipt struct {
	Status            uint64   `json:"status"`
	BlockNumber       uint64   `json:"block_number"`
	GasUsed           uint64   `json:"gas_used"`
	EffectiveGasPrice *big.Int `json:"effective_gas_price,omitempty"`
}

// Succeeded reports an explicit on-chain success status.
func (r *LegReceipt) Succeeded() bool {
	return r != nil && r.Status == 1
}

// LegResult is the per-transaction record of an attempt. A same-chain
// route executes as one leg; a cross-chain route has one leg per chain.
type LegResult struct {
	Chain        Chain       `json:"chain"`
	Status       LegStatus   `json:"status"`
	Nonce        uint64      `json:"nonce"`
	TxHash       string      `json:"tx_hash,omitempty"`
	Receipt      *LegReceipt `json:"receipt,omitempty"`
	RevertReason string      `json:"revert_reason,omitempty"`
	Error        string      `json:"error,omitempty"`
	GasUSD       float64     `json:"gas_usd"`
	// AmountIn and AmountOut are the asset units the leg spent and the
	// signer received, read from the receipt's token transfers.
	AmountIn     float64     `json:"amount_in"`
	AmountOut    float64     `json:"amount_out"`
}

// ExecutionAttempt is one try at executing an Opportunity.
type ExecutionAttempt struct {
	ID                string       `json:"id"`
	OpportunityID     string       `json:"opportunity_id"`
	RouteKey          string       `json:"route_key"`
	State             AttemptState `json:"state"`
	Legs              []LegResult  `json:"legs"`
	DryRun            bool         `json:"dry_run,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	SubmittedAt       time.Time    `json:"submitted_at,omitempty"`
	ConfirmedAt       time.Time    `json:"confirmed_at,omitempty"`
	RealizedGasCost   float64      `json:"realized_gas_cost"`
	RealizedNetProfit float64      `json:"realized_net_profit"`
	Outcome           Outcome      `json:"outcome,omitempty"`
	FailureKind       ErrorClass   `json:"failure_kind,omitempty"`
	Reason            string       `json:"reason,omitempty"`
}

// Clone returns a deep copy.
func (a ExecutionAttempt) Clone() ExecutionAttempt {
	c := a
	c.Legs = make([]LegResult, len(a.Legs))
	for i, l := range a.Legs {
		if l.Receipt != nil {
			r := *l.Receipt
			if r.EffectiveGasPrice != nil {
				r.EffectiveGasPrice = new(big.Int).Set(r.EffectiveGasPrice)
			}
			l.Receipt = &r
		}
		c.Legs[i] = l
	}
	return c
}

// Classification is the Failure Classifier's verdict on a terminal attempt.
type Classification struct {
	Outcome        Outcome    `json:"outcome"`
	Class          ErrorClass `json:"class,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	RealizedProfit float64    `json:"realized_profit"`
}

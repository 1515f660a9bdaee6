package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

func included(status uint64, reason string) domain.LegResult {
	return domain.LegResult{
		Status:       domain.LegIncluded,
		TxHash:       "0xabc",
		Receipt:      &domain.LegReceipt{Status: status, BlockNumber: 10, GasUsed: 21000},
		RevertReason: reason,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		attempt domain.ExecutionAttempt
		outcome domain.Outcome
		class   domain.ErrorClass
	}{
		{
			name: "all legs succeeded",
			attempt: domain.ExecutionAttempt{
				State:             domain.AttemptConfirmed,
				Legs:              []domain.LegResult{included(1, "")},
				RealizedNetProfit: 3.1,
			},
			outcome: domain.OutcomeSuccess,
		},
		{
			name: "confirmed state without receipts is not success",
			attempt: domain.ExecutionAttempt{
				State: domain.AttemptConfirmed,
				Legs:  []domain.LegResult{{Status: domain.LegSubmitted}},
			},
			outcome: domain.OutcomeSystemFailure,
			class:   domain.ClassSystemFailure,
		},
		{
			name: "confirmed state with no legs is not success",
			attempt: domain.ExecutionAttempt{
				State: domain.AttemptConfirmed,
			},
			outcome: domain.OutcomeSystemFailure,
			class:   domain.ClassSystemFailure,
		},
		{
			name: "slippage revert",
			attempt: domain.ExecutionAttempt{
				State: domain.AttemptReverted,
				Legs:  []domain.LegResult{included(0, "UniswapV2Router: INSUFFICIENT_OUTPUT_AMOUNT")},
			},
			outcome: domain.OutcomeMarketFailure,
			class:   domain.ClassMarketFailure,
		},
		{
			name: "unrecognised revert",
			attempt: domain.ExecutionAttempt{
				State: domain.AttemptReverted,
				Legs:  []domain.LegResult{included(0, "ERC20: transfer amount exceeds balance")},
			},
			outcome: domain.OutcomeSystemFailure,
			class:   domain.ClassSystemFailure,
		},
		{
			name: "partial cross-chain execution",
			attempt: domain.ExecutionAttempt{
				State: domain.AttemptReverted,
				Legs:  []domain.LegResult{included(1, ""), included(0, "Too little received")},
			},
			outcome: domain.OutcomeSystemFailure,
			class:   domain.ClassSystemFailure,
		},
		{
			name: "confirmation timeout",
			attempt: domain.ExecutionAttempt{
				State: domain.AttemptTimedOut,
				Legs:  []domain.LegResult{{Status: domain.LegTimedOut, TxHash: "0xabc"}},
			},
			outcome: domain.OutcomeUnknown,
			class:   domain.ClassConfirmationTimeout,
		},
		{
			name: "aborted after broadcast",
			attempt: domain.ExecutionAttempt{
				State: domain.AttemptAborted,
				Legs:  []domain.LegResult{{Status: domain.LegSubmitted, TxHash: "0xabc"}},
			},
			outcome: domain.OutcomeUnknown,
			class:   domain.ClassConfirmationTimeout,
		},
		{
			name: "preflight found quotes expired",
			attempt: domain.ExecutionAttempt{
				State:       domain.AttemptAborted,
				FailureKind: domain.ClassQuoteExpired,
			},
			outcome: domain.OutcomeMarketFailure,
			class:   domain.ClassQuoteExpired,
		},
		{
			name: "preflight found no gas money",
			attempt: domain.ExecutionAttempt{
				State:       domain.AttemptAborted,
				FailureKind: domain.ClassSystemFailure,
				Reason:      "native balance below fee estimate",
			},
			outcome: domain.OutcomeSystemFailure,
			class:   domain.ClassSystemFailure,
		},
		{
			name: "missing signer",
			attempt: domain.ExecutionAttempt{
				State:       domain.AttemptAborted,
				FailureKind: domain.ClassFatalConfiguration,
			},
			outcome: domain.OutcomeSystemFailure,
			class:   domain.ClassFatalConfiguration,
		},
		{
			name: "dry run",
			attempt: domain.ExecutionAttempt{
				State:  domain.AttemptAborted,
				DryRun: true,
				Legs:   []domain.LegResult{{Status: domain.LegSkipped}},
			},
			outcome: domain.OutcomeSimulated,
		},
		{
			name: "non-terminal state",
			attempt: domain.ExecutionAttempt{
				State: domain.AttemptSubmitted,
			},
			outcome: domain.OutcomeUnknown,
			class:   domain.ClassConfirmationTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.attempt)
			assert.Equal(t, tt.outcome, got.Outcome)
			assert.Equal(t, tt.class, got.Class)
			assert.Equal(t, got, Classify(tt.attempt), "classification must be idempotent")
		})
	}
}

func TestSuccessCarriesRealizedProfit(t *testing.T) {
	got := Classify(domain.ExecutionAttempt{
		State:             domain.AttemptConfirmed,
		Legs:              []domain.LegResult{included(1, ""), included(1, "")},
		RealizedNetProfit: 4.25,
	})
	assert.Equal(t, domain.OutcomeSuccess, got.Outcome)
	assert.Equal(t, 4.25, got.RealizedProfit)
}

func TestIsMarketRevert(t *testing.T) {
	for reason, want := range map[string]bool{
		"K":                                true,
		"Too little received":              true,
		"BAL#507":                          true,
		"UniswapV2Router: EXPIRED":         true,
		"executor: unprofitable":           true,
		"Ownable: caller is not the owner": false,
		"":                                 false,
		"STF":                              false,
	} {
		assert.Equal(t, want, IsMarketRevert(reason), reason)
	}
}

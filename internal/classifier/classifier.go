// Package classifier maps terminal execution attempts onto outcomes.
//
// Classification is a pure function of the attempt: classifying the same
// attempt twice yields the same verdict. Success is only ever derived from
// an explicit on-chain receipt status.
package classifier

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/arbitrageur/internal/domain"
)

// marketReverts are revert reason fragments that mean the price moved or
// liquidity changed between quoting and inclusion.
var marketReverts = []string{
	"insufficient_output_amount",
	"insufficient output amount",
	"excessive_input_amount",
	"too little received",
	"too much requested",
	"slippage",
	"price impact",
	"min return",
	"minreturn",
	"insufficient_liquidity",
	"insufficient liquidity",
	"bal#507",
	"bal#508",
	"transaction too old",
	"expired",
	"deadline",
	"unprofitable",
	"no profit",
}

// exactMarketReverts must match the whole reason.
var exactMarketReverts = map[string]bool{
	"k":   true,
	"spl": true,
}

// IsMarketRevert reports whether a revert reason describes a market move
// rather than a defect.
func IsMarketRevert(reason string) bool {
	r := strings.ToLower(strings.TrimSpace(reason))
	if r == "" {
		return false
	}
	if exactMarketReverts[r] {
		return true
	}
	for _, frag := range marketReverts {
		if strings.Contains(r, frag) {
			return true
		}
	}
	return false
}

// Classify returns the verdict for a terminal attempt.
func Classify(a domain.ExecutionAttempt) domain.Classification {
	c := domain.Classification{RealizedProfit: a.RealizedNetProfit}

	switch a.State {
	case domain.AttemptConfirmed:
		if len(a.Legs) > 0 && allSucceeded(a.Legs) {
			c.Outcome = domain.OutcomeSuccess
			return c
		}
		return systemFailure(c, domain.ClassSystemFailure, "confirmed without a successful receipt for every leg")

	case domain.AttemptReverted:
		reason := revertReason(a.Legs)
		if n := succeeded(a.Legs); n > 0 {
			return systemFailure(c, domain.ClassSystemFailure,
				fmt.Sprintf("partial execution: %d of %d legs included: %s", n, len(a.Legs), reason))
		}
		if IsMarketRevert(reason) {
			c.Outcome = domain.OutcomeMarketFailure
			c.Class = domain.ClassMarketFailure
			c.Reason = reason
			return c
		}
		return systemFailure(c, domain.ClassSystemFailure, "reverted: "+reason)

	case domain.AttemptTimedOut:
		return unknown(c, a)

	case domain.AttemptAborted:
		if inFlight(a.Legs) {
			return unknown(c, a)
		}
		if a.DryRun && a.FailureKind == "" {
			c.Outcome = domain.OutcomeSimulated
			c.Reason = a.Reason
			return c
		}
		switch a.FailureKind {
		case domain.ClassQuoteExpired, domain.ClassInsufficientLiquidity, domain.ClassMarketFailure:
			c.Outcome = domain.OutcomeMarketFailure
			c.Class = a.FailureKind
			c.Reason = a.Reason
			return c
		case "":
			return systemFailure(c, domain.ClassSystemFailure, a.Reason)
		default:
			return systemFailure(c, a.FailureKind, a.Reason)
		}
	}

	return unknown(c, a)
}

func systemFailure(c domain.Classification, class domain.ErrorClass, reason string) domain.Classification {
	c.Outcome = domain.OutcomeSystemFailure
	c.Class = class
	c.Reason = reason
	return c
}

func unknown(c domain.Classification, a domain.ExecutionAttempt) domain.Classification {
	c.Outcome = domain.OutcomeUnknown
	c.Class = domain.ClassConfirmationTimeout
	c.Reason = a.Reason
	if c.Reason == "" {
		c.Reason = "no receipt in state " + string(a.State)
	}
	return c
}

func allSucceeded(legs []domain.LegResult) bool {
	return succeeded(legs) == len(legs)
}

func succeeded(legs []domain.LegResult) int {
	n := 0
	for _, l := range legs {
		if l.Receipt.Succeeded() {
			n++
		}
	}
	return n
}

// inFlight reports a leg that was broadcast but never resolved.
func inFlight(legs []domain.LegResult) bool {
	for _, l := range legs {
		if l.TxHash != "" && l.Receipt == nil {
			return true
		}
	}
	return false
}

func revertReason(legs []domain.LegResult) string {
	for _, l := range legs {
		if l.Receipt != nil && !l.Receipt.Succeeded() {
			if l.RevertReason != "" {
				return l.RevertReason
			}
			return "execution reverted"
		}
	}
	return "execution reverted"
}

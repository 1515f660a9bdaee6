package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")
	ErrCircuitOpen   = errors.New("circuit open")
	ErrInvalidQuote  = errors.New("invalid quote")
)

// ErrorClass is the operator-facing error taxonomy. Every error that reaches
// a log line or an alert maps to exactly one class.
type ErrorClass string

const (
	ClassSourceUnreachable     ErrorClass = "source_unreachable"
	ClassSourceDataInvalid     ErrorClass = "source_data_invalid"
	ClassQuoteExpired          ErrorClass = "quote_expired"
	ClassInsufficientLiquidity ErrorClass = "insufficient_liquidity"
	ClassMarketFailure         ErrorClass = "market_failure"
	ClassSystemFailure         ErrorClass = "system_failure"
	ClassConfirmationTimeout   ErrorClass = "confirmation_timeout"
	ClassFatalConfiguration    ErrorClass = "fatal_configuration"
)

// SourceErrorKind enumerates the ways a quote source can fail.
type SourceErrorKind string

const (
	SourceUnreachable       SourceErrorKind = "unreachable"
	SourceMalformedResponse SourceErrorKind = "malformed_response"
	SourceAssetNotListed    SourceErrorKind = "asset_not_listed"
	SourceStaleData         SourceErrorKind = "stale_data"
)

// SourceError is returned by quote source adapters.
type SourceError struct {
	Source string
	Kind   SourceErrorKind
	Err    error
}

// NewSourceError wraps err with the given source and kind.
func NewSourceError(source string, kind SourceErrorKind, err error) *SourceError {
	return &SourceError{Source: source, Kind: kind, Err: err}
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("source %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Class maps the source failure onto the error taxonomy.
func (e *SourceError) Class() ErrorClass {
	if e.Kind == SourceUnreachable {
		return ClassSourceUnreachable
	}
	return ClassSourceDataInvalid
}

// SourceErrorKindOf extracts the SourceErrorKind from err, if any.
func SourceErrorKindOf(err error) (SourceErrorKind, bool) {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// FatalError stops the process. It is reserved for configuration problems
// that no amount of retrying can fix, such as a missing signing capability.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return "fatal configuration: " + e.Reason
	}
	return fmt.Sprintf("fatal configuration: %s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err (or anything it wraps) is a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

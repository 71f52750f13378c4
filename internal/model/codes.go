package model

import (
	"fmt"
	"time"
)

// Code identifies why a trade intent did not execute.
type Code string

const (
	CodeOK                   Code = "ok"
	CodeSymbolDenied         Code = "E_SYMBOL_DENIED"
	CodeSymbolNotAllowed     Code = "E_SYMBOL_NOT_ALLOWED"
	CodeUniverseEmpty        Code = "E_UNIVERSE_EMPTY"
	CodeDuplicateOrder       Code = "E_DUPLICATE_ORDER"
	CodeBurstRateLimit       Code = "E_BURST_RATE_LIMIT"
	CodeHourlyRateLimit      Code = "E_HOURLY_RATE_LIMIT"
	CodeConsecutiveLossLimit Code = "E_CONSECUTIVE_LOSS_LIMIT"
	CodeFeatureDisabled      Code = "E_FEATURE_DISABLED"
	CodeRegimeMismatch       Code = "E_REGIME_MISMATCH"
	CodeSignalNotAuthorized  Code = "E_SIGNAL_NOT_AUTHORIZED"
	CodeMissingCredentials   Code = "E_MISSING_CREDENTIALS"
	CodeCircuitBreaker       Code = "E_CIRCUIT_BREAKER"
	CodePositionOpen         Code = "E_POSITION_OPEN"
	CodeMaxPositions         Code = "E_MAX_POSITIONS"
	CodeInsufficientBalance  Code = "E_INSUFFICIENT_BALANCE"
	CodeInvalidSignal        Code = "E_INVALID_SIGNAL"
	CodeExchange             Code = "E_EXCHANGE"
)

// RejectError is a policy rejection. It is returned by gates, never surfaced
// to callers of the engine as a Go error.
type RejectError struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
}

func (e *RejectError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Reject(code Code, format string, args ...any) *RejectError {
	return &RejectError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvariantError marks a broken caller contract. These must fail loudly.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %s: %s", e.Invariant, e.Detail)
}

// Action is the engine's answer to a trade intent.
type Action string

const (
	ActionExecute   Action = "execute"
	ActionWait      Action = "wait"
	ActionRejected  Action = "rejected"
	ActionBlocked   Action = "blocked"
	ActionDuplicate Action = "duplicate"
)

package domain

import (
	"context"
	"errors"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrCycleDetected       = errors.New("upline cycle detected")
	ErrDanglingReference   = errors.New("dangling upline reference")
	ErrInvalidTransition   = errors.New("invalid activation transition")
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different event")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrInvalidInput        = errors.New("invalid input")
)

// Retryable reports whether the caller should redeliver the request after backing off.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// KindOf returns a short label for the error's taxonomy kind, used in logs and metrics.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCycleDetected):
		return "cycle_detected"
	case errors.Is(err, ErrDanglingReference):
		return "dangling_reference"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case Retryable(err):
		return "store_unavailable"
	default:
		return "internal"
	}
}

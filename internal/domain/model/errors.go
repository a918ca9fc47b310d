package model

import "errors"

// Sentinel errors for the matching core. Callers classify failures with
// errors.Is; wrapping layers add context with fmt.Errorf("...: %w", err).
var (
	// ErrNotFound indicates a referenced transaction, receipt, match, or
	// job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates malformed input (amount, date, currency)
	// rejected at the boundary before scoring.
	ErrValidation = errors.New("validation failed")

	// ErrConfigInvalid indicates a MatchingConfig write that failed
	// validation. The prior config is retained.
	ErrConfigInvalid = errors.New("invalid matching config")

	// ErrConcurrencyConflict indicates an activation race was lost.
	// The orchestrator retries once, then downgrades to a suggestion.
	ErrConcurrencyConflict = errors.New("concurrent match activation conflict")

	// ErrProcessingTimeout indicates candidate scoring exceeded its
	// deadline. The candidate is skipped; the job continues.
	ErrProcessingTimeout = errors.New("processing timeout")
)

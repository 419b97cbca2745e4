package service

import "errors"

var (
	// ErrInvalidTransition is returned when a period status write violates the state machine.
	ErrInvalidTransition = errors.New("invalid pull status transition")
	// ErrRetryBudgetExhausted is returned when a RetryFailed period has no retries left.
	ErrRetryBudgetExhausted = errors.New("period retry budget exhausted")
	// ErrConcurrentUpdate is returned when a conditional status write lost a race.
	ErrConcurrentUpdate = errors.New("cron job period changed concurrently")
	// ErrNotProcessable is returned when a download record is not eligible for import.
	ErrNotProcessable = errors.New("download record is not processable")
	// ErrIncompleteRange is returned for a rollup update that has data but no full range.
	ErrIncompleteRange = errors.New("rollup update needs both range bounds or an explicit no-data flag")
	// ErrNoValidRecords is returned when a document has records but none could be mapped.
	ErrNoValidRecords = errors.New("report document has no valid records")
)

package models

import "errors"

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")

	// ErrInsufficientBalance rejects a debit that would drive a balance negative.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateTransaction is returned when a unique ledger constraint
	// (one spend/refund per job, one purchase per event) is hit.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrRefundExists         = errors.New("refund already recorded for job")

	// ErrStaleTransition means the record changed state between read and write.
	ErrStaleTransition = errors.New("stale state transition")
	// ErrInvalidTransition is an edge the job state machine does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTransientStore surfaces once store contention retries are exhausted.
	ErrTransientStore = errors.New("store contention, try again")
)

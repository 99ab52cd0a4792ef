package domain

import "errors"

var (
	// ErrNotFound is returned when a subscription, event, or delivery
	// attempt does not exist (or has been deleted).
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input that is rejected
	// synchronously and never retried.
	ErrValidation = errors.New("validation failed")
)

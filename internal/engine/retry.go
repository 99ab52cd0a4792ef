package engine

import "time"

// Decision is the outcome of evaluating one delivery try. Retry
// decisions are data threaded through the attempt state machine, not
// control flow.
type Decision int

const (
	// DecisionSucceeded means the receiver accepted the event (2xx).
	DecisionSucceeded Decision = iota

	// DecisionRetry means the try failed and another try is due later.
	DecisionRetry

	// DecisionFail means tries are exhausted; the attempt chain is
	// permanently failed.
	DecisionFail
)

// RetryPolicy is the configured retry behavior: how many tries a
// delivery gets and how the delay between them grows.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Decide evaluates one try. statusCode is the HTTP response status, or
// 0 for a network or timeout error.
func (p RetryPolicy) Decide(statusCode, tryNumber int) Decision {
	if statusCode >= 200 && statusCode < 300 {
		return DecisionSucceeded
	}
	if tryNumber < p.MaxAttempts {
		return DecisionRetry
	}
	return DecisionFail
}

// Backoff returns the delay before the try after tryNumber:
// base_delay x 2^(tryNumber-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(tryNumber int) time.Duration {
	if tryNumber < 1 {
		tryNumber = 1
	}
	delay := p.BaseDelay
	for i := 1; i < tryNumber; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

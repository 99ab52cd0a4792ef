package domain

import "time"

// Delivery attempt statuses. Succeeded and failed_permanent are
// terminal: no further attempt row is created for the same
// (event, subscription) pair after either.
const (
	StatusPending         = "pending"
	StatusInFlight        = "in_flight"
	StatusSucceeded       = "succeeded"
	StatusRetryScheduled  = "retry_scheduled"
	StatusFailedPermanent = "failed_permanent"
)

// DeliveryAttempt is one try of sending one event to one subscription.
// Rows are never deleted; they form the audit trail of the delivery
// subsystem.
type DeliveryAttempt struct {
	ID             string     `json:"id"`
	EventID        string     `json:"event_id"`
	SubscriptionID string     `json:"subscription_id"`
	TryNumber      int        `json:"try_number"`
	Status         string     `json:"status"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	AttemptedAt    *time.Time `json:"attempted_at,omitempty"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	ResponseBody   *string    `json:"response_body,omitempty"`
	ResponseTimeMs *int       `json:"response_time_ms,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

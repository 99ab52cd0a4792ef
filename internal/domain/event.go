package domain

import (
	"encoding/json"
	"time"
)

// Event types published by the fund administration services.
const (
	EventMemberRegistered    = "member.registered"
	EventMemberUpdated       = "member.updated"
	EventContributionCreated = "contribution.created"
	EventContributionUpdated = "contribution.updated"
	EventPaymentSucceeded    = "payment.succeeded"
	EventPaymentFailed       = "payment.failed"
	EventBenefitApproved     = "benefit.approved"
	EventBenefitRejected     = "benefit.rejected"
	EventBenefitPaid         = "benefit.paid"
)

// EventTypes is the catalog of publishable event types.
var EventTypes = []string{
	EventMemberRegistered,
	EventMemberUpdated,
	EventContributionCreated,
	EventContributionUpdated,
	EventPaymentSucceeded,
	EventPaymentFailed,
	EventBenefitApproved,
	EventBenefitRejected,
	EventBenefitPaid,
}

// KnownEventType reports whether eventType is in the catalog.
func KnownEventType(eventType string) bool {
	for _, t := range EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Event is an immutable fact recorded by a domain service. Once
// published it is never mutated; delivery is at-least-once, so
// receivers de-duplicate on ID.
type Event struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurred_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Envelope is the wire body posted to receivers. The serialized bytes
// are signed and stay byte-identical across retries of the same event.
type Envelope struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

package domain

import "time"

// Subscription is a registered external receiver: a target URL, the
// event types it wants, and its signing secret. The secret is generated
// once at registration and returned exactly once.
type Subscription struct {
	ID                  string    `json:"id"`
	TargetURL           string    `json:"target_url"`
	Secret              string    `json:"secret,omitempty"`
	EventTypes          []string  `json:"event_types"`
	IsActive            bool      `json:"is_active"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DisableReason       *string   `json:"disable_reason,omitempty"`
	RateLimitPerSecond  int       `json:"rate_limit_per_second"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type RegisterSubscriptionRequest struct {
	TargetURL          string   `json:"target_url"`
	EventTypes         []string `json:"event_types"`
	RateLimitPerSecond int      `json:"rate_limit_per_second,omitempty"`
}

// RegisterSubscriptionResponse is the only place the secret ever
// appears after registration.
type RegisterSubscriptionResponse struct {
	ID         string   `json:"id"`
	TargetURL  string   `json:"target_url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
}

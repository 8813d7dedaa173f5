package models

import "time"

// Security event types emitted by the auth flow.
const (
	EventOTPRequested = "otp_requested"
	EventOTPLocked    = "otp_locked"
	EventLoginSuccess = "login_success"
	EventLoginFailed  = "login_failed"
)

// AuthEvent is the audit record published to Kafka and written to the
// ClickHouse audit table. Identifier is already masked by the producer.
type AuthEvent struct {
	EventBucket int       `json:"event_bucket"`
	EventType   string    `json:"event_type"`
	Channel     string    `json:"channel"`
	Identifier  string    `json:"identifier"`
	UserID      string    `json:"user_id,omitempty"`
	EventDate   string    `json:"event_date"`
	EventTime   time.Time `json:"event_time"`
	Detail      string    `json:"detail,omitempty"`
}

package entity

import "time"

const (
	WebhookProcessed int32 = 10
	WebhookIgnored   int32 = 11
	WebhookFailed    int32 = 20
)

// WebhookEvent records every gateway notification received, including the
// ones that were ignored or failed to reconcile. The gateway retries
// delivery on its own schedule, so failures are recorded rather than
// surfaced to the sender.
type WebhookEvent struct {
	ID uint64

	PaymentID *uint64

	Gateway        string
	GatewayEventID *string
	EventType      string
	PayloadJSON    string
	Status         int32
	Error          *string

	CreatedAt time.Time
}

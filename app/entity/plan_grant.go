package entity

import "time"

// PlanGrant is the single entitlement row per owner, refreshed when a
// payment first settles. Expiry is absolute; redelivered settlement
// notifications must not extend it.
type PlanGrant struct {
	ID uint64

	OwnerID       uint64
	Plan          string
	BillingPeriod string
	ExpiresAt     time.Time

	SourcePaymentID *uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}

package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment record statuses. Transitions are forward-only: a row never leaves
// a terminal status once it reaches one.
const (
	StatusPending   int32 = 1
	StatusAttached  int32 = 2
	StatusSettled   int32 = 10
	StatusDenied    int32 = 20
	StatusCancelled int32 = 21
)

// PaymentRecord is one ledger row per attempted payment. OwnerID may be nil
// for rows created from an anonymous gateway notification; once set it never
// changes to a different owner.
type PaymentRecord struct {
	ID uint64

	OwnerID       *uint64
	Plan          string
	BillingPeriod string

	Amount   decimal.Decimal
	Currency string

	Status int32

	GatewayOrderID   *string
	GatewayCaptureID *string
	ClientToken      *string

	Reason     *string
	ChangeTo   *string
	PayerEmail *string
	PayerRef   *string

	CreatedAt     time.Time
	CreatedBucket time.Time
	UpdatedAt     time.Time
}

// IsOpen reports whether the record is in the pending-like set that the
// open-bucket unique index constrains.
func (r *PaymentRecord) IsOpen() bool {
	return r.Status == StatusPending || r.Status == StatusAttached
}

// IsTerminal reports whether the record reached a final status.
func (r *PaymentRecord) IsTerminal() bool {
	switch r.Status {
	case StatusSettled, StatusDenied, StatusCancelled:
		return true
	default:
		return false
	}
}

// MinuteBucket truncates a timestamp to the minute. The bucket is the coarse
// correlation key shared by signals that carry no explicit identifier.
func MinuteBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

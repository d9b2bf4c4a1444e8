package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway-reported order statuses the service reacts to. Anything else is
// treated as "still in progress".
const (
	OrderStatusCreated   = "CREATED"
	OrderStatusApproved  = "APPROVED"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusVoided    = "VOIDED"
)

type OrderRequest struct {
	ReferenceID string
	InvoiceID   string
	Amount      decimal.Decimal
	Currency    string
	Description string
}

// OrderState is the authoritative view of a gateway order. The service never
// trusts client- or webhook-supplied amounts; it always works from this.
type OrderState struct {
	OrderID    string
	Status     string
	ApproveURL string

	CaptureID string
	Amount    decimal.Decimal
	Currency  string

	PayerEmail string
	PayerRef   string

	CreateTime time.Time
}

type Gateway interface {
	CreateOrder(ctx context.Context, req *OrderRequest) (*OrderState, error)
	GetOrder(ctx context.Context, orderID string) (*OrderState, error)
	CaptureOrder(ctx context.Context, orderID string) (*OrderState, error)
}

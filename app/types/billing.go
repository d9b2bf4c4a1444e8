package types

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

// HeaderOwnerID carries the authenticated account id, set by the fronting
// auth proxy.
const HeaderOwnerID = "X-Owner-ID"

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type PaymentRecord struct {
	Id               uint64 `json:"id"`
	OwnerId          uint64 `json:"owner_id,omitempty"`
	Plan             string `json:"plan"`
	BillingPeriod    string `json:"billing_period"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Status           int32  `json:"status"`
	GatewayOrderId   string `json:"gateway_order_id,omitempty"`
	GatewayCaptureId string `json:"gateway_capture_id,omitempty"`
	ClientToken      string `json:"client_token,omitempty"`
	Reason           string `json:"reason,omitempty"`
	ChangeTo         string `json:"change_to,omitempty"`
	PayerEmail       string `json:"payer_email,omitempty"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

type PaymentEnvelopeResponse struct {
	Payment *PaymentRecord `json:"payment"`
}

type ListPaymentsResponse struct {
	Payments []*PaymentRecord `json:"payments"`
}

type OrderResponse struct {
	Payment    *PaymentRecord `json:"payment"`
	ApproveUrl string         `json:"approve_url,omitempty"`
}

type EntitlementResponse struct {
	Allowed            bool   `json:"allowed"`
	Plan               string `json:"plan"`
	BillingPeriod      string `json:"billing_period,omitempty"`
	ExpiresAt          string `json:"expires_at,omitempty"`
	HasSettledPayment  bool   `json:"has_settled_payment"`
	PendingAmount      string `json:"pending_amount,omitempty"`
	PendingDescription string `json:"pending_description,omitempty"`
}

// OwnerIDFromContext reads the authenticated account id from the request
// headers.
func OwnerIDFromContext(ctx echo.Context) (uint64, error) {
	raw := strings.TrimSpace(ctx.Request().Header.Get(HeaderOwnerID))
	if raw == "" {
		return 0, errors.New("missing owner header")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid owner header")
	}
	return id, nil
}

type CreatePaymentRequest struct {
	Plan          string `json:"plan"`
	BillingPeriod string `json:"billing_period"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	ClientToken   string `json:"client_token"`
	RequestedAt   string `json:"requested_at"`
	Reason        string `json:"reason"`
	ChangeTo      string `json:"change_to"`

	ParsedAmount      decimal.Decimal `json:"-"`
	ParsedRequestedAt time.Time       `json:"-"`
}

func NewCreatePaymentRequestFromContext(ctx echo.Context) (*CreatePaymentRequest, error) {
	var body CreatePaymentRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.Plan = strings.TrimSpace(body.Plan)
	body.BillingPeriod = strings.ToLower(strings.TrimSpace(body.BillingPeriod))
	body.Amount = strings.TrimSpace(body.Amount)
	body.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))
	body.ClientToken = strings.TrimSpace(body.ClientToken)
	body.RequestedAt = strings.TrimSpace(body.RequestedAt)
	body.Reason = strings.TrimSpace(body.Reason)
	body.ChangeTo = strings.TrimSpace(body.ChangeTo)

	return &body, nil
}

func (r *CreatePaymentRequest) Validate() error {
	if r.Plan == "" {
		return errors.New("plan is required")
	}
	if r.BillingPeriod != "monthly" && r.BillingPeriod != "yearly" {
		return errors.New("billing_period must be monthly or yearly")
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil || !amount.IsPositive() {
		return errors.New("amount must be a positive decimal")
	}
	r.ParsedAmount = amount
	if len(r.Currency) != 3 {
		return errors.New("currency must be 3 letters")
	}
	if r.RequestedAt != "" {
		requestedAt, err := time.Parse(time.RFC3339, r.RequestedAt)
		if err != nil {
			return errors.New("requested_at must be RFC3339")
		}
		r.ParsedRequestedAt = requestedAt
	}
	return nil
}

type AttachOrderRequest struct {
	PaymentId      uint64 `json:"payment_id"`
	ClientToken    string `json:"client_token"`
	GatewayOrderId string `json:"gateway_order_id"`
	Reason         string `json:"reason"`
	ChangeTo       string `json:"change_to"`
}

func NewAttachOrderRequestFromContext(ctx echo.Context) (*AttachOrderRequest, error) {
	var body AttachOrderRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.ClientToken = strings.TrimSpace(body.ClientToken)
	body.GatewayOrderId = strings.TrimSpace(body.GatewayOrderId)
	body.Reason = strings.TrimSpace(body.Reason)
	body.ChangeTo = strings.TrimSpace(body.ChangeTo)

	return &body, nil
}

func (r *AttachOrderRequest) Validate() error {
	if r.GatewayOrderId == "" {
		return errors.New("gateway_order_id is required")
	}
	if r.PaymentId == 0 && r.ClientToken == "" {
		return errors.New("payment_id or client_token is required")
	}
	return nil
}

type PaymentIDRequest struct {
	Id uint64
}

func NewPaymentIDRequestFromContext(ctx echo.Context) (*PaymentIDRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}
	return &PaymentIDRequest{Id: id}, nil
}

func (r *PaymentIDRequest) Validate() error {
	if r.Id == 0 {
		return errors.New("invalid payment id")
	}
	return nil
}

type CaptureOrderRequest struct {
	OrderId string
}

func NewCaptureOrderRequestFromContext(ctx echo.Context) (*CaptureOrderRequest, error) {
	return &CaptureOrderRequest{OrderId: strings.TrimSpace(ctx.Param("orderID"))}, nil
}

func (r *CaptureOrderRequest) Validate() error {
	if r.OrderId == "" {
		return errors.New("invalid order id")
	}
	return nil
}

type ListPaymentsRequest struct {
	Limit  int32
	Offset int32
}

func NewListPaymentsRequestFromContext(ctx echo.Context) (*ListPaymentsRequest, error) {
	req := &ListPaymentsRequest{Limit: 100, Offset: 0}

	if raw := strings.TrimSpace(ctx.QueryParam("limit")); raw != "" {
		limit, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, errors.New("invalid limit")
		}
		req.Limit = int32(limit)
	}
	if raw := strings.TrimSpace(ctx.QueryParam("offset")); raw != "" {
		offset, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return nil, errors.New("invalid offset")
		}
		req.Offset = int32(offset)
	}

	return req, nil
}

func (r *ListPaymentsRequest) Validate() error {
	if r.Limit <= 0 || r.Limit > 1000 {
		return errors.New("limit must be between 1 and 1000")
	}
	if r.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	return nil
}

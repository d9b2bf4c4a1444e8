package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/plutov/paypal/v4"
	"github.com/shopspring/decimal"
	"github.com/solvera-apps/ms-go-billing/config"
)

type PayPalGateway struct {
	client *paypal.Client
	cfg    config.PayPalConfig
}

func NewPayPalGateway(cfg config.PayPalConfig) (*PayPalGateway, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("paypal client id and secret are required")
	}

	base := paypal.APIBaseSandBox
	if cfg.Live {
		base = paypal.APIBaseLive
	}

	client, err := paypal.NewClient(cfg.ClientID, cfg.Secret, base)
	if err != nil {
		return nil, err
	}
	if _, err := client.GetAccessToken(context.Background()); err != nil {
		return nil, err
	}

	return &PayPalGateway{client: client, cfg: cfg}, nil
}

func (g *PayPalGateway) CreateOrder(ctx context.Context, req *OrderRequest) (*OrderState, error) {
	units := []paypal.PurchaseUnitRequest{
		{
			ReferenceID: req.ReferenceID,
			InvoiceID:   req.InvoiceID,
			Description: req.Description,
			Amount: &paypal.PurchaseUnitAmount{
				Currency: strings.ToUpper(req.Currency),
				Value:    req.Amount.StringFixed(2),
			},
		},
	}

	appContext := &paypal.ApplicationContext{
		BrandName: g.cfg.BrandName,
		ReturnURL: g.cfg.ReturnURL,
		CancelURL: g.cfg.CancelURL,
	}

	order, err := g.client.CreateOrder(ctx, "CAPTURE", units, nil, appContext)
	if err != nil {
		return nil, err
	}

	return orderStateFromOrder(order), nil
}

func (g *PayPalGateway) GetOrder(ctx context.Context, orderID string) (*OrderState, error) {
	order, err := g.client.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return orderStateFromOrder(order), nil
}

func (g *PayPalGateway) CaptureOrder(ctx context.Context, orderID string) (*OrderState, error) {
	capture, err := g.client.CaptureOrder(ctx, orderID, paypal.CaptureOrderRequest{})
	if err != nil {
		return nil, err
	}

	state := &OrderState{
		OrderID: capture.ID,
		Status:  capture.Status,
	}
	if capture.Payer != nil {
		state.PayerEmail = capture.Payer.EmailAddress
		state.PayerRef = capture.Payer.PayerID
	}
	for _, unit := range capture.PurchaseUnits {
		assignCaptureFields(state, unit.Payments)
	}

	return state, nil
}

func orderStateFromOrder(order *paypal.Order) *OrderState {
	state := &OrderState{
		OrderID: order.ID,
		Status:  order.Status,
	}
	if order.CreateTime != nil {
		state.CreateTime = *order.CreateTime
	}
	if order.Payer != nil {
		state.PayerEmail = order.Payer.EmailAddress
		state.PayerRef = order.Payer.PayerID
	}
	for _, link := range order.Links {
		if link.Rel == "approve" {
			state.ApproveURL = link.Href
		}
	}
	for _, unit := range order.PurchaseUnits {
		if unit.Amount != nil && state.Amount.IsZero() {
			if amount, err := decimal.NewFromString(unit.Amount.Value); err == nil {
				state.Amount = amount
				state.Currency = strings.ToUpper(unit.Amount.Currency)
			}
		}
		assignCaptureFields(state, unit.Payments)
	}

	return state
}

func assignCaptureFields(state *OrderState, payments *paypal.CapturedPayments) {
	if payments == nil {
		return
	}
	for _, capture := range payments.Captures {
		if strings.TrimSpace(capture.ID) == "" {
			continue
		}
		state.CaptureID = capture.ID
		if capture.Amount != nil {
			if amount, err := decimal.NewFromString(capture.Amount.Value); err == nil {
				state.Amount = amount
				state.Currency = strings.ToUpper(capture.Amount.Currency)
			}
		}
		return
	}
}

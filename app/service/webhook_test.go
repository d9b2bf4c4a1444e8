package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solvera-apps/ms-go-billing/app/entity"
	"github.com/solvera-apps/ms-go-billing/app/gateway"
)

func captureCompletedPayload(eventID, captureID, orderID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"resource": {
			"id": %q,
			"status": "COMPLETED",
			"supplementary_data": {"related_ids": {"order_id": %q}}
		}
	}`, eventID, captureID, orderID))
}

func attachedWebhookFixture(t *testing.T) (*serviceFixture, *entity.PaymentRecord) {
	t.Helper()
	f := newServiceFixture()

	record, err := f.svc.ProvisionalCreate(context.Background(), provisionalInput("tok-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	attached, _, err := f.svc.CreateGatewayOrder(context.Background(), 42, record.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return f, attached
}

func TestHandleGatewayWebhookCaptureCompleted(t *testing.T) {
	f, record := attachedWebhookFixture(t)
	orderID := *record.GatewayOrderID

	f.gw.setOrder(&gateway.OrderState{
		OrderID:    orderID,
		Status:     gateway.OrderStatusCompleted,
		CaptureID:  "CAP-1",
		Amount:     decimal.NewFromFloat(9.99),
		Currency:   "USD",
		PayerEmail: "payer@example.com",
		CreateTime: time.Now().UTC(),
	})

	f.svc.HandleGatewayWebhook(context.Background(), captureCompletedPayload("WH-1", "CAP-1", orderID))

	got := f.records.get(record.ID)
	if got.Status != entity.StatusSettled {
		t.Fatalf("expected settled status, got %d", got.Status)
	}
	audit := f.webhooks.last()
	if audit == nil || audit.Status != entity.WebhookProcessed {
		t.Fatalf("expected processed audit row, got %+v", audit)
	}
	if audit.PaymentID == nil || *audit.PaymentID != record.ID {
		t.Fatalf("expected audit tied to payment %d, got %+v", record.ID, audit.PaymentID)
	}
}

func TestHandleGatewayWebhookRedelivery(t *testing.T) {
	f, record := attachedWebhookFixture(t)
	orderID := *record.GatewayOrderID

	f.gw.setOrder(&gateway.OrderState{
		OrderID:    orderID,
		Status:     gateway.OrderStatusCompleted,
		CaptureID:  "CAP-1",
		Amount:     decimal.NewFromFloat(9.99),
		Currency:   "USD",
		CreateTime: time.Now().UTC(),
	})

	payload := captureCompletedPayload("WH-1", "CAP-1", orderID)
	f.svc.HandleGatewayWebhook(context.Background(), payload)
	grantBefore, _ := f.grants.FindByOwner(context.Background(), 42)

	f.svc.HandleGatewayWebhook(context.Background(), payload)

	grantAfter, _ := f.grants.FindByOwner(context.Background(), 42)
	if !grantAfter.ExpiresAt.Equal(grantBefore.ExpiresAt) {
		t.Fatal("redelivered webhook must not extend the grant")
	}
}

func TestHandleGatewayWebhookCaptureDenied(t *testing.T) {
	f, record := attachedWebhookFixture(t)
	orderID := *record.GatewayOrderID

	payload := []byte(fmt.Sprintf(`{
		"id": "WH-2",
		"event_type": "PAYMENT.CAPTURE.DENIED",
		"resource": {
			"id": "CAP-1",
			"status": "DECLINED",
			"supplementary_data": {"related_ids": {"order_id": %q}}
		}
	}`, orderID))

	f.svc.HandleGatewayWebhook(context.Background(), payload)

	got := f.records.get(record.ID)
	if got.Status != entity.StatusDenied {
		t.Fatalf("expected denied status, got %d", got.Status)
	}
	if f.grants.upserts != 0 {
		t.Fatal("denied capture must not create a grant")
	}
}

func TestHandleGatewayWebhookIgnoresUnknownEvent(t *testing.T) {
	f := newServiceFixture()

	f.svc.HandleGatewayWebhook(context.Background(), []byte(`{
		"id": "WH-3",
		"event_type": "BILLING.SUBSCRIPTION.CREATED",
		"resource": {"id": "SUB-1"}
	}`))

	audit := f.webhooks.last()
	if audit == nil || audit.Status != entity.WebhookIgnored {
		t.Fatalf("expected ignored audit row, got %+v", audit)
	}
}

func TestHandleGatewayWebhookApprovalBeforeCapture(t *testing.T) {
	f, record := attachedWebhookFixture(t)
	orderID := *record.GatewayOrderID

	// Order approved but not yet captured: nothing to settle.
	f.gw.setOrder(&gateway.OrderState{
		OrderID:  orderID,
		Status:   gateway.OrderStatusApproved,
		Amount:   decimal.NewFromFloat(9.99),
		Currency: "USD",
	})

	f.svc.HandleGatewayWebhook(context.Background(), []byte(fmt.Sprintf(`{
		"id": "WH-4",
		"event_type": "CHECKOUT.ORDER.APPROVED",
		"resource": {"id": %q, "status": "APPROVED"}
	}`, orderID)))

	got := f.records.get(record.ID)
	if got.Status != entity.StatusAttached {
		t.Fatalf("approval event must not change status, got %d", got.Status)
	}
	audit := f.webhooks.last()
	if audit == nil || audit.Status != entity.WebhookIgnored {
		t.Fatalf("expected ignored audit row, got %+v", audit)
	}
}

func TestHandleGatewayWebhookSwallowsGatewayFailure(t *testing.T) {
	f, record := attachedWebhookFixture(t)
	orderID := *record.GatewayOrderID
	f.gw.getErr = fmt.Errorf("gateway timeout")

	f.svc.HandleGatewayWebhook(context.Background(), captureCompletedPayload("WH-5", "CAP-1", orderID))

	audit := f.webhooks.last()
	if audit == nil || audit.Status != entity.WebhookFailed {
		t.Fatalf("expected failed audit row, got %+v", audit)
	}
	got := f.records.get(record.ID)
	if got.Status != entity.StatusAttached {
		t.Fatalf("failed reconciliation must not change status, got %d", got.Status)
	}
}

func TestHandleGatewayWebhookMalformedPayload(t *testing.T) {
	f := newServiceFixture()

	f.svc.HandleGatewayWebhook(context.Background(), []byte("not json"))

	audit := f.webhooks.last()
	if audit == nil || audit.Status != entity.WebhookFailed {
		t.Fatalf("expected failed audit row, got %+v", audit)
	}
}

func TestHandleGatewayWebhookCaptureForUnknownOrderCreatesAnonymousRow(t *testing.T) {
	f := newServiceFixture()

	f.gw.setOrder(&gateway.OrderState{
		OrderID:    "ORD-EXT",
		Status:     gateway.OrderStatusCompleted,
		CaptureID:  "CAP-EXT",
		Amount:     decimal.NewFromFloat(19.99),
		Currency:   "USD",
		CreateTime: time.Now().UTC(),
	})

	f.svc.HandleGatewayWebhook(context.Background(), captureCompletedPayload("WH-6", "CAP-EXT", "ORD-EXT"))

	record, err := f.records.FindByGatewayCaptureID(context.Background(), "CAP-EXT")
	if err != nil || record == nil {
		t.Fatalf("expected anonymous settled row, got %v %v", record, err)
	}
	if record.OwnerID != nil {
		t.Fatal("expected row without owner")
	}
	if record.Status != entity.StatusSettled {
		t.Fatalf("expected settled status, got %d", record.Status)
	}
}

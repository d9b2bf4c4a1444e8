package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/solvera-apps/ms-go-billing/app/entity"
)

type webhookEnvelope struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime time.Time       `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type webhookResource struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	CreateTime        time.Time `json:"create_time"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
}

// HandleGatewayWebhook reconciles a gateway notification against the ledger.
// The payload is treated as a hint only: the order is re-fetched from the
// gateway and that state decides what, if anything, changes. Every delivery
// is acknowledged; failures are logged and stored but never surfaced, so the
// gateway does not retry into the same error forever.
func (s *BillingService) HandleGatewayWebhook(ctx context.Context, payload []byte) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		s.logger.WithError(err).Warn("Webhook payload is not valid JSON")
		s.recordWebhook(ctx, nil, "", "invalid", string(payload), entity.WebhookFailed, err.Error())
		return
	}

	eventLogger := s.logger.WithField("gateway_event_id", envelope.ID).WithField("event_type", envelope.EventType)

	if !handledWebhookEvent(envelope.EventType) {
		s.recordWebhook(ctx, nil, envelope.ID, envelope.EventType, string(payload), entity.WebhookIgnored, "")
		return
	}

	var resource webhookResource
	if err := json.Unmarshal(envelope.Resource, &resource); err != nil {
		eventLogger.WithError(err).Warn("Webhook resource is not valid JSON")
		s.recordWebhook(ctx, nil, envelope.ID, envelope.EventType, string(payload), entity.WebhookFailed, err.Error())
		return
	}

	orderID, captureID := webhookIdentifiers(envelope.EventType, &resource)
	if orderID == "" && captureID == "" {
		eventLogger.Warn("Webhook carries no usable gateway identifiers")
		s.recordWebhook(ctx, nil, envelope.ID, envelope.EventType, string(payload), entity.WebhookFailed, "no gateway identifiers in resource")
		return
	}

	if orderID == "" {
		// Capture events without related order ids still resolve through
		// the ledger's capture index.
		if record, err := s.records.FindByGatewayCaptureID(ctx, captureID); err == nil && record != nil && record.GatewayOrderID != nil {
			orderID = *record.GatewayOrderID
		}
	}

	if orderID == "" {
		eventLogger.Warn("Webhook capture cannot be tied to an order")
		s.recordWebhook(ctx, nil, envelope.ID, envelope.EventType, string(payload), entity.WebhookFailed, "capture has no related order")
		return
	}

	state, err := s.gw.GetOrder(ctx, orderID)
	if err != nil {
		eventLogger.WithError(err).Error("Order re-fetch failed during webhook reconciliation")
		s.recordWebhook(ctx, nil, envelope.ID, envelope.EventType, string(payload), entity.WebhookFailed, err.Error())
		return
	}

	finalStatus, ok := finalStatusForOrderState(state)
	if envelope.EventType == "PAYMENT.CAPTURE.DENIED" {
		finalStatus, ok = entity.StatusDenied, true
	}
	if !ok {
		// Approval-stage events land here: nothing to settle yet, the
		// capture event will arrive later.
		s.recordWebhook(ctx, nil, envelope.ID, envelope.EventType, string(payload), entity.WebhookIgnored, "")
		return
	}

	if state.CaptureID == "" && captureID != "" {
		state.CaptureID = captureID
	}

	captureTime := state.CreateTime
	if !resource.CreateTime.IsZero() {
		captureTime = resource.CreateTime
	}

	record, err := s.SettleCapture(ctx, &SettleCaptureInput{
		GatewayOrderID:   orderID,
		GatewayCaptureID: state.CaptureID,
		FinalStatus:      finalStatus,
		Amount:           state.Amount,
		Currency:         state.Currency,
		PayerEmail:       state.PayerEmail,
		PayerRef:         state.PayerRef,
		CaptureTime:      captureTime,
		GatewayEventID:   envelope.ID,
	})
	if err != nil {
		eventLogger.WithError(err).Error("Webhook settlement failed")
		s.recordWebhook(ctx, nil, envelope.ID, envelope.EventType, string(payload), entity.WebhookFailed, err.Error())
		return
	}

	s.recordWebhook(ctx, &record.ID, envelope.ID, envelope.EventType, string(payload), entity.WebhookProcessed, "")
}

func handledWebhookEvent(eventType string) bool {
	switch eventType {
	case "PAYMENT.CAPTURE.COMPLETED",
		"PAYMENT.CAPTURE.DENIED",
		"CHECKOUT.ORDER.APPROVED",
		"CHECKOUT.ORDER.COMPLETED":
		return true
	default:
		return false
	}
}

func webhookIdentifiers(eventType string, resource *webhookResource) (orderID, captureID string) {
	if strings.HasPrefix(eventType, "PAYMENT.CAPTURE.") {
		return strings.TrimSpace(resource.SupplementaryData.RelatedIDs.OrderID), strings.TrimSpace(resource.ID)
	}
	return strings.TrimSpace(resource.ID), ""
}

func (s *BillingService) recordWebhook(ctx context.Context, paymentID *uint64, gatewayEventID, eventType, payload string, status int32, errMsg string) {
	event := &entity.WebhookEvent{
		PaymentID:      paymentID,
		Gateway:        "paypal",
		GatewayEventID: normalizeOptionalString(gatewayEventID),
		EventType:      eventType,
		PayloadJSON:    payload,
		Status:         status,
		Error:          normalizeOptionalString(errMsg),
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.webhooks.Create(ctx, event); err != nil {
		s.logger.WithError(err).Warn("Webhook audit write failed")
	}
}

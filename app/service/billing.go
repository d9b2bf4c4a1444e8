package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/solvera-apps/ms-go-billing/app/entity"
	"github.com/solvera-apps/ms-go-billing/app/factory"
	"github.com/solvera-apps/ms-go-billing/app/gateway"
	"github.com/solvera-apps/ms-go-billing/app/repository"
	"github.com/solvera-apps/ms-go-billing/config"
)

const (
	defaultListLimit = int32(100)
	defaultBatchSize = int32(100)

	// Client-supplied creation timestamps are accepted within this window
	// only; anything else is replaced by the server clock before bucketing.
	maxCreatedAtSkew = 5 * time.Minute
)

type recordRepository interface {
	Create(ctx context.Context, record *entity.PaymentRecord) error
	Update(ctx context.Context, record *entity.PaymentRecord) error
	FindByID(ctx context.Context, id uint64) (*entity.PaymentRecord, error)
	FindByClientToken(ctx context.Context, token string) (*entity.PaymentRecord, error)
	FindByGatewayOrderID(ctx context.Context, orderID string) (*entity.PaymentRecord, error)
	FindByGatewayCaptureID(ctx context.Context, captureID string) (*entity.PaymentRecord, error)
	FindOpenByBucket(ctx context.Context, ownerID uint64, plan, billingPeriod string, bucket time.Time) (*entity.PaymentRecord, error)
	ListOpenByBucketAmount(ctx context.Context, bucket time.Time, amount decimal.Decimal) ([]*entity.PaymentRecord, error)
	FindLatestOpenByOwner(ctx context.Context, ownerID uint64) (*entity.PaymentRecord, error)
	HasSettledForOwner(ctx context.Context, ownerID uint64) (bool, error)
	ListByOwner(ctx context.Context, ownerID uint64, limit, offset int32) ([]*entity.PaymentRecord, error)
	ListStaleOpenWithOrder(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentRecord, error)
	ListExpiredOpen(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.PaymentRecord, error)
	DeleteOpenByOwner(ctx context.Context, id, ownerID uint64) error
}

type eventRepository interface {
	Create(ctx context.Context, event *entity.PaymentEvent) error
}

type webhookEventRepository interface {
	Create(ctx context.Context, event *entity.WebhookEvent) error
}

type grantRepository interface {
	Upsert(ctx context.Context, grant *entity.PlanGrant) error
	FindByOwner(ctx context.Context, ownerID uint64) (*entity.PlanGrant, error)
}

type BillingService struct {
	records    recordRepository
	events     eventRepository
	webhooks   webhookEventRepository
	grants     grantRepository
	gw         gateway.Gateway
	billingCfg config.BillingConfig
	logger     logrus.FieldLogger
}

func NewBillingService(
	records recordRepository,
	events eventRepository,
	webhooks webhookEventRepository,
	grants grantRepository,
	gw gateway.Gateway,
	billingCfg config.BillingConfig,
) *BillingService {
	return &BillingService{
		records:    records,
		events:     events,
		webhooks:   webhooks,
		grants:     grants,
		gw:         gw,
		billingCfg: billingCfg,
		logger:     factory.NewModuleLogger("billing-service"),
	}
}

type ProvisionalCreateInput struct {
	OwnerID       uint64
	Plan          string
	BillingPeriod string
	Amount        decimal.Decimal
	Currency      string
	ClientToken   string
	RequestedAt   time.Time
	Reason        string
	ChangeTo      string
}

// ProvisionalCreate puts a pending row in the ledger before any gateway
// order exists. Identical concurrent calls converge on one row: the fast
// path is the token/bucket lookup, the slow path is losing the insert race
// on the open-bucket unique index and re-reading the winner.
func (s *BillingService) ProvisionalCreate(ctx context.Context, input *ProvisionalCreateInput) (*entity.PaymentRecord, error) {
	plan := strings.TrimSpace(input.Plan)
	billingPeriod := strings.ToLower(strings.TrimSpace(input.BillingPeriod))
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))

	if input.OwnerID == 0 || plan == "" {
		return nil, ErrInvalidRequest
	}
	if billingPeriod != "monthly" && billingPeriod != "yearly" {
		return nil, fmt.Errorf("%w: billing period must be monthly or yearly", ErrInvalidRequest)
	}
	if !input.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be 3 letters", ErrInvalidRequest)
	}

	now := time.Now().UTC()
	createdAt := input.RequestedAt.UTC()
	if createdAt.IsZero() || createdAt.After(now) || now.Sub(createdAt) > maxCreatedAtSkew {
		createdAt = now
	}
	bucket := entity.MinuteBucket(createdAt)
	clientToken := strings.TrimSpace(input.ClientToken)

	existing, err := s.resolveProvisional(ctx, input.OwnerID, plan, billingPeriod, clientToken, bucket)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	ownerID := input.OwnerID
	record := &entity.PaymentRecord{
		OwnerID:       &ownerID,
		Plan:          plan,
		BillingPeriod: billingPeriod,
		Amount:        input.Amount,
		Currency:      currency,
		Status:        entity.StatusPending,
		ClientToken:   normalizeOptionalString(clientToken),
		Reason:        normalizeOptionalString(input.Reason),
		ChangeTo:      normalizeOptionalString(input.ChangeTo),
		CreatedAt:     createdAt,
		UpdatedAt:     now,
	}

	if err := s.records.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateRecord) {
			winner, findErr := s.records.FindOpenByBucket(ctx, ownerID, plan, billingPeriod, bucket)
			if findErr != nil {
				return nil, findErr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}

	s.recordEvent(ctx, record.ID, "payment_created", nil, record.Status, nil, now)
	return record, nil
}

// CreateGatewayOrder asks the gateway for an order covering an existing
// provisional row and attaches the issued order id. Calling it again for a
// row that already holds an order returns the existing order's approval URL.
func (s *BillingService) CreateGatewayOrder(ctx context.Context, ownerID, recordID uint64) (*entity.PaymentRecord, string, error) {
	record, err := s.ownedRecord(ctx, ownerID, recordID)
	if err != nil {
		return nil, "", err
	}
	if record.IsTerminal() {
		return nil, "", fmt.Errorf("%w: payment already finalized", ErrConflict)
	}

	if record.GatewayOrderID != nil {
		state, err := s.gw.GetOrder(ctx, *record.GatewayOrderID)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return record, state.ApproveURL, nil
	}

	state, err := s.gw.CreateOrder(ctx, &gateway.OrderRequest{
		ReferenceID: fmt.Sprintf("pr-%d", record.ID),
		InvoiceID:   uuid.NewString(),
		Amount:      record.Amount,
		Currency:    record.Currency,
		Description: fmt.Sprintf("%s subscription (%s)", record.Plan, record.BillingPeriod),
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	attached, err := s.AttachOrder(ctx, &AttachOrderInput{
		OwnerID:        ownerID,
		RecordID:       record.ID,
		GatewayOrderID: state.OrderID,
	})
	if err != nil {
		return nil, "", err
	}

	return attached, state.ApproveURL, nil
}

type AttachOrderInput struct {
	OwnerID        uint64
	RecordID       uint64
	ClientToken    string
	GatewayOrderID string
	Reason         string
	ChangeTo       string
}

// AttachOrder binds a gateway order id to a ledger row. The order-id unique
// index makes a double bind impossible; re-attaching the same id to the same
// row is a no-op.
func (s *BillingService) AttachOrder(ctx context.Context, input *AttachOrderInput) (*entity.PaymentRecord, error) {
	orderID := strings.TrimSpace(input.GatewayOrderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: gateway order id is required", ErrInvalidRequest)
	}

	var record *entity.PaymentRecord
	var err error
	switch {
	case input.RecordID > 0:
		record, err = s.ownedRecord(ctx, input.OwnerID, input.RecordID)
		if err != nil {
			return nil, err
		}
	case strings.TrimSpace(input.ClientToken) != "":
		record, err = s.records.FindByClientToken(ctx, strings.TrimSpace(input.ClientToken))
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, ErrRecordNotFound
		}
	default:
		return nil, fmt.Errorf("%w: record id or client token is required", ErrInvalidRequest)
	}

	if record.GatewayOrderID != nil {
		if *record.GatewayOrderID == orderID {
			return record, nil
		}
		return nil, ErrConflict
	}

	other, err := s.records.FindByGatewayOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if other != nil && other.ID != record.ID {
		return nil, ErrConflict
	}

	now := time.Now().UTC()
	oldStatus := record.Status
	record.GatewayOrderID = &orderID
	if record.Status == entity.StatusPending {
		record.Status = entity.StatusAttached
	}
	if record.OwnerID == nil && input.OwnerID > 0 {
		ownerID := input.OwnerID
		record.OwnerID = &ownerID
	}
	if reason := normalizeOptionalString(input.Reason); reason != nil {
		record.Reason = reason
	}
	if changeTo := normalizeOptionalString(input.ChangeTo); changeTo != nil {
		record.ChangeTo = changeTo
	}
	record.UpdatedAt = now

	if err := s.records.Update(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateRecord) {
			return nil, ErrConflict
		}
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	s.recordEvent(ctx, record.ID, "order_attached", &oldStatus, record.Status, nil, now)
	return record, nil
}

type SettleCaptureInput struct {
	GatewayOrderID   string
	GatewayCaptureID string
	FinalStatus      int32
	Amount           decimal.Decimal
	Currency         string
	PayerEmail       string
	PayerRef         string
	CaptureTime      time.Time
	GatewayEventID   string
}

// SettleCapture advances a row to its terminal status exactly once. Lookup
// order: gateway identifiers, then the time+amount heuristic, then a fresh
// anonymous terminal row so the payment is never dropped. A redelivery
// against an already-terminal row is a strict no-op: in particular the plan
// grant is not recomputed, so duplicate webhooks cannot extend a
// subscription.
func (s *BillingService) SettleCapture(ctx context.Context, input *SettleCaptureInput) (*entity.PaymentRecord, error) {
	orderID := strings.TrimSpace(input.GatewayOrderID)
	captureID := strings.TrimSpace(input.GatewayCaptureID)
	if captureID == "" {
		return nil, fmt.Errorf("%w: gateway capture id is required", ErrInvalidRequest)
	}
	if !terminalStatus(input.FinalStatus) {
		return nil, fmt.Errorf("%w: final status must be terminal", ErrInvalidRequest)
	}

	now := time.Now().UTC()
	captureTime := input.CaptureTime.UTC()
	if captureTime.IsZero() {
		captureTime = now
	}

	record, err := s.resolveByGatewayIDs(ctx, orderID, captureID)
	if err != nil {
		return nil, err
	}

	if record == nil {
		match, result, err := s.resolveHeuristic(ctx, entity.MinuteBucket(captureTime), input.Amount)
		if err != nil {
			return nil, err
		}
		if result == heuristicMatched {
			record = match
		}
	}

	if record == nil {
		return s.insertAnonymousTerminal(ctx, input, orderID, captureID, captureTime, now)
	}

	if record.IsTerminal() {
		return record, nil
	}

	if record.GatewayCaptureID != nil && *record.GatewayCaptureID != captureID {
		return nil, ErrConflict
	}

	if !record.Amount.Equal(input.Amount) && !input.Amount.IsZero() {
		s.logger.WithFields(logrus.Fields{
			"payment_id":      record.ID,
			"ledger_amount":   record.Amount.String(),
			"gateway_amount":  input.Amount.String(),
			"gateway_capture": captureID,
		}).Warn("Gateway-reported amount differs from ledger amount")
	}

	oldStatus := record.Status
	record.GatewayCaptureID = &captureID
	if record.GatewayOrderID == nil && orderID != "" {
		record.GatewayOrderID = &orderID
	}
	record.Status = input.FinalStatus
	if record.PayerEmail == nil {
		record.PayerEmail = normalizeOptionalString(input.PayerEmail)
	}
	if record.PayerRef == nil {
		record.PayerRef = normalizeOptionalString(input.PayerRef)
	}
	record.UpdatedAt = now

	if err := s.records.Update(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateRecord) {
			// Another row won the capture-id index: this delivery already
			// settled elsewhere. Treat as redelivery.
			winner, findErr := s.records.FindByGatewayCaptureID(ctx, captureID)
			if findErr != nil {
				return nil, findErr
			}
			if winner != nil {
				return winner, nil
			}
			return nil, ErrConflict
		}
		if errors.Is(err, repository.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	s.recordEvent(ctx, record.ID, settleEventType(record.Status), &oldStatus, record.Status, normalizeOptionalString(input.GatewayEventID), now)

	if record.Status == entity.StatusSettled && record.OwnerID != nil {
		s.refreshGrant(ctx, record, now)
	}

	return record, nil
}

func (s *BillingService) insertAnonymousTerminal(ctx context.Context, input *SettleCaptureInput, orderID, captureID string, captureTime, now time.Time) (*entity.PaymentRecord, error) {
	record := &entity.PaymentRecord{
		Amount:           input.Amount,
		Currency:         strings.ToUpper(strings.TrimSpace(input.Currency)),
		Status:           input.FinalStatus,
		GatewayOrderID:   normalizeOptionalString(orderID),
		GatewayCaptureID: &captureID,
		Reason:           normalizeOptionalString("gateway notification without matching ledger row"),
		PayerEmail:       normalizeOptionalString(input.PayerEmail),
		PayerRef:         normalizeOptionalString(input.PayerRef),
		CreatedAt:        captureTime,
		UpdatedAt:        now,
	}

	if err := s.records.Create(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateRecord) {
			// Lost to a concurrent delivery of the same capture.
			winner, findErr := s.resolveByGatewayIDs(ctx, orderID, captureID)
			if findErr != nil {
				return nil, findErr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}

	s.recordEvent(ctx, record.ID, settleEventType(record.Status), nil, record.Status, normalizeOptionalString(input.GatewayEventID), now)
	return record, nil
}

// CaptureApprovedOrder is the synchronous settlement path taken when the
// payer returns from gateway approval. The capture result (or, if the order
// was already captured, the re-fetched order) is authoritative for amount
// and status.
func (s *BillingService) CaptureApprovedOrder(ctx context.Context, orderID string) (*entity.PaymentRecord, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: gateway order id is required", ErrInvalidRequest)
	}

	existing, err := s.records.FindByGatewayOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsTerminal() {
		return existing, nil
	}

	state, err := s.gw.CaptureOrder(ctx, orderID)
	if err != nil {
		// The order may have been captured by a concurrent return or an
		// earlier webhook; the re-fetch settles redelivery.
		state, err = s.gw.GetOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
	}

	finalStatus, ok := finalStatusForOrderState(state)
	if !ok {
		return nil, fmt.Errorf("%w: order %s not captured (status %s)", ErrGatewayUnavailable, orderID, state.Status)
	}

	return s.SettleCapture(ctx, &SettleCaptureInput{
		GatewayOrderID:   orderID,
		GatewayCaptureID: state.CaptureID,
		FinalStatus:      finalStatus,
		Amount:           state.Amount,
		Currency:         state.Currency,
		PayerEmail:       state.PayerEmail,
		PayerRef:         state.PayerRef,
		CaptureTime:      state.CreateTime,
	})
}

func (s *BillingService) GetPaymentRecord(ctx context.Context, ownerID, id uint64) (*entity.PaymentRecord, error) {
	return s.ownedRecord(ctx, ownerID, id)
}

func (s *BillingService) ListPaymentRecords(ctx context.Context, ownerID uint64, limit, offset int32) ([]*entity.PaymentRecord, error) {
	if ownerID == 0 {
		return nil, ErrInvalidRequest
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.records.ListByOwner(ctx, ownerID, limit, offset)
}

// DeletePaymentRecord is the administrative removal path: owner-scoped and
// refused for terminal rows (the repository predicate enforces both).
func (s *BillingService) DeletePaymentRecord(ctx context.Context, ownerID, id uint64) error {
	if ownerID == 0 || id == 0 {
		return ErrInvalidRequest
	}
	if err := s.records.DeleteOpenByOwner(ctx, id, ownerID); err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return ErrRecordNotFound
		}
		return err
	}
	return nil
}

func (s *BillingService) ownedRecord(ctx context.Context, ownerID, id uint64) (*entity.PaymentRecord, error) {
	if ownerID == 0 || id == 0 {
		return nil, ErrInvalidRequest
	}
	record, err := s.records.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil || record.OwnerID == nil || *record.OwnerID != ownerID {
		return nil, ErrRecordNotFound
	}
	return record, nil
}

func (s *BillingService) refreshGrant(ctx context.Context, record *entity.PaymentRecord, now time.Time) {
	sourceID := record.ID
	grant := &entity.PlanGrant{
		OwnerID:         *record.OwnerID,
		Plan:            record.Plan,
		BillingPeriod:   record.BillingPeriod,
		ExpiresAt:       now.Add(s.grantDuration(record.BillingPeriod)),
		SourcePaymentID: &sourceID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.grants.Upsert(ctx, grant); err != nil {
		// The entitlement projection also accepts "has a settled payment",
		// so a failed refresh degrades to that until the next settle.
		s.logger.WithError(err).WithField("payment_id", record.ID).Error("Plan grant refresh failed")
	}
}

func (s *BillingService) grantDuration(billingPeriod string) time.Duration {
	if billingPeriod == "yearly" && s.billingCfg.YearlyGrant > 0 {
		return s.billingCfg.YearlyGrant
	}
	if s.billingCfg.MonthlyGrant > 0 {
		return s.billingCfg.MonthlyGrant
	}
	return 30 * 24 * time.Hour
}

func (s *BillingService) recordEvent(ctx context.Context, paymentID uint64, eventType string, oldStatus *int32, newStatus int32, gatewayEventID *string, now time.Time) {
	_ = s.events.Create(ctx, &entity.PaymentEvent{
		PaymentID:      paymentID,
		EventType:      eventType,
		OldStatus:      oldStatus,
		NewStatus:      newStatus,
		GatewayEventID: gatewayEventID,
		CreatedAt:      now,
	})
}

func (s *BillingService) batchSize() int32 {
	if s.billingCfg.JobBatchSize > 0 {
		return s.billingCfg.JobBatchSize
	}
	return defaultBatchSize
}

func terminalStatus(status int32) bool {
	switch status {
	case entity.StatusSettled, entity.StatusDenied, entity.StatusCancelled:
		return true
	default:
		return false
	}
}

func settleEventType(status int32) string {
	switch status {
	case entity.StatusSettled:
		return "payment_settled"
	case entity.StatusDenied:
		return "payment_denied"
	default:
		return "payment_cancelled"
	}
}

func finalStatusForOrderState(state *gateway.OrderState) (int32, bool) {
	switch {
	case state.Status == gateway.OrderStatusCompleted && state.CaptureID != "":
		return entity.StatusSettled, true
	case state.Status == gateway.OrderStatusVoided:
		return entity.StatusCancelled, true
	default:
		return 0, false
	}
}

func normalizeOptionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

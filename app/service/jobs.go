package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solvera-apps/ms-go-billing/app/entity"
	"github.com/solvera-apps/ms-go-billing/app/gateway"
)

// RunReconcileBatch sweeps rows that hold a gateway order but never received
// a capture confirmation, and asks the gateway what actually happened. It is
// the safety net for lost webhooks and abandoned return redirects.
func (s *BillingService) RunReconcileBatch(ctx context.Context) (int, error) {
	staleAfter := s.billingCfg.ReconcileStaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	before := time.Now().UTC().Add(-staleAfter)

	records, err := s.records.ListStaleOpenWithOrder(ctx, before, s.batchSize())
	if err != nil {
		return 0, err
	}

	var processed int
	var firstErr error
	for _, record := range records {
		if err := s.reconcileRecord(ctx, record); err != nil {
			s.logger.WithError(err).WithField("payment_id", record.ID).Error("Reconciliation failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		processed++
	}

	return processed, firstErr
}

func (s *BillingService) reconcileRecord(ctx context.Context, record *entity.PaymentRecord) error {
	state, err := s.gw.GetOrder(ctx, *record.GatewayOrderID)
	if err != nil {
		return err
	}

	switch {
	case state.Status == gateway.OrderStatusCompleted && state.CaptureID != "":
		_, err = s.SettleCapture(ctx, &SettleCaptureInput{
			GatewayOrderID:   *record.GatewayOrderID,
			GatewayCaptureID: state.CaptureID,
			FinalStatus:      entity.StatusSettled,
			Amount:           state.Amount,
			Currency:         state.Currency,
			PayerEmail:       state.PayerEmail,
			PayerRef:         state.PayerRef,
			CaptureTime:      state.CreateTime,
		})
		return err
	case state.Status == gateway.OrderStatusVoided:
		return s.cancelRecord(ctx, record, "gateway order voided")
	default:
		// Still awaiting payer action; the expiry sweep will close it if
		// the window runs out.
		s.logger.WithFields(logrus.Fields{
			"payment_id": record.ID,
			"status":     state.Status,
		}).Debug("Order still open at gateway")
		return nil
	}
}

// RunExpireOpenBatch closes provisional rows whose payment window has run
// out, freeing the open-bucket slot for a fresh attempt.
func (s *BillingService) RunExpireOpenBatch(ctx context.Context) (int, error) {
	timeout := s.billingCfg.PendingTimeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	cutoff := time.Now().UTC().Add(-timeout)

	records, err := s.records.ListExpiredOpen(ctx, cutoff, s.batchSize())
	if err != nil {
		return 0, err
	}

	var processed int
	var firstErr error
	for _, record := range records {
		if err := s.cancelRecord(ctx, record, "payment window expired"); err != nil {
			s.logger.WithError(err).WithField("payment_id", record.ID).Error("Expiry cancellation failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		processed++
	}

	return processed, firstErr
}

func (s *BillingService) cancelRecord(ctx context.Context, record *entity.PaymentRecord, reason string) error {
	if record.IsTerminal() {
		return nil
	}

	now := time.Now().UTC()
	oldStatus := record.Status
	record.Status = entity.StatusCancelled
	record.Reason = normalizeOptionalString(reason)
	record.UpdatedAt = now

	if err := s.records.Update(ctx, record); err != nil {
		return err
	}

	s.recordEvent(ctx, record.ID, "payment_cancelled", &oldStatus, record.Status, nil, now)
	return nil
}

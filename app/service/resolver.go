package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solvera-apps/ms-go-billing/app/entity"
)

// Heuristic correlation is a tagged result: an ambiguous bucket is handled
// exactly like no match, never as a guess.
type heuristicResult int32

const (
	heuristicMatched heuristicResult = iota
	heuristicAmbiguous
	heuristicNone
)

// resolveProvisional runs the create-path strategies in order: exact client
// token match first, then the open row for the owner/plan/period minute
// bucket.
func (s *BillingService) resolveProvisional(ctx context.Context, ownerID uint64, plan, billingPeriod, clientToken string, bucket time.Time) (*entity.PaymentRecord, error) {
	if clientToken != "" {
		record, err := s.records.FindByClientToken(ctx, clientToken)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
	}

	return s.records.FindOpenByBucket(ctx, ownerID, plan, billingPeriod, bucket)
}

// resolveByGatewayIDs looks a record up by the identifiers the gateway
// issued, order id first.
func (s *BillingService) resolveByGatewayIDs(ctx context.Context, orderID, captureID string) (*entity.PaymentRecord, error) {
	if strings.TrimSpace(orderID) != "" {
		record, err := s.records.FindByGatewayOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return record, nil
		}
	}

	if strings.TrimSpace(captureID) != "" {
		return s.records.FindByGatewayCaptureID(ctx, captureID)
	}

	return nil, nil
}

// resolveHeuristic bridges anonymous gateway notifications to an owned open
// row via the minute bucket of the gateway-reported capture time plus the
// amount. More than one candidate means no match.
func (s *BillingService) resolveHeuristic(ctx context.Context, bucket time.Time, amount decimal.Decimal) (*entity.PaymentRecord, heuristicResult, error) {
	candidates, err := s.records.ListOpenByBucketAmount(ctx, bucket, amount)
	if err != nil {
		return nil, heuristicNone, err
	}

	switch len(candidates) {
	case 0:
		return nil, heuristicNone, nil
	case 1:
		return candidates[0], heuristicMatched, nil
	default:
		return nil, heuristicAmbiguous, nil
	}
}

package service

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Entitlement struct {
	Allowed            bool
	Plan               string
	BillingPeriod      string
	Expiry             *time.Time
	HasSettledPayment  bool
	PendingAmount      *decimal.Decimal
	PendingDescription string
}

// ComputeEntitlement projects the ledger into an access decision. The free
// plan is always allowed. A paid plan is allowed while its grant is
// unexpired, or whenever the owner has any settled payment at all, which
// covers a missed grant refresh.
func (s *BillingService) ComputeEntitlement(ctx context.Context, ownerID uint64) (*Entitlement, error) {
	if ownerID == 0 {
		return nil, ErrInvalidRequest
	}

	now := time.Now().UTC()
	out := &Entitlement{Plan: s.billingCfg.FreePlan}

	grant, err := s.grants.FindByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if grant != nil {
		out.Plan = grant.Plan
		out.BillingPeriod = grant.BillingPeriod
		expiry := grant.ExpiresAt
		out.Expiry = &expiry
	}

	settled, err := s.records.HasSettledForOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out.HasSettledPayment = settled

	if s.isFreePlan(out.Plan) {
		out.Allowed = true
	} else {
		out.Allowed = (out.Expiry != nil && out.Expiry.After(now)) || settled
	}

	pending, err := s.records.FindLatestOpenByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		amount := pending.Amount
		out.PendingAmount = &amount
		out.PendingDescription = pending.Plan + " (" + pending.BillingPeriod + ")"
	}

	return out, nil
}

func (s *BillingService) isFreePlan(plan string) bool {
	if plan == "" {
		return true
	}
	free := s.billingCfg.FreePlan
	if free == "" {
		free = "Free"
	}
	return strings.EqualFold(plan, free)
}

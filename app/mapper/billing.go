package mapper

import (
	"time"

	"github.com/solvera-apps/ms-go-billing/app/entity"
	"github.com/solvera-apps/ms-go-billing/app/service"
	"github.com/solvera-apps/ms-go-billing/app/types"
)

func PaymentRecordToResponse(item *entity.PaymentRecord) *types.PaymentRecord {
	if item == nil {
		return nil
	}

	return &types.PaymentRecord{
		Id:               item.ID,
		OwnerId:          derefUint64(item.OwnerID),
		Plan:             item.Plan,
		BillingPeriod:    item.BillingPeriod,
		Amount:           item.Amount.StringFixed(2),
		Currency:         item.Currency,
		Status:           item.Status,
		GatewayOrderId:   derefString(item.GatewayOrderID),
		GatewayCaptureId: derefString(item.GatewayCaptureID),
		ClientToken:      derefString(item.ClientToken),
		Reason:           derefString(item.Reason),
		ChangeTo:         derefString(item.ChangeTo),
		PayerEmail:       derefString(item.PayerEmail),
		CreatedAt:        item.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        item.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func PaymentRecordsToResponse(items []*entity.PaymentRecord) []*types.PaymentRecord {
	result := make([]*types.PaymentRecord, 0, len(items))
	for _, item := range items {
		result = append(result, PaymentRecordToResponse(item))
	}
	return result
}

func EntitlementToResponse(item *service.Entitlement) *types.EntitlementResponse {
	if item == nil {
		return nil
	}

	resp := &types.EntitlementResponse{
		Allowed:            item.Allowed,
		Plan:               item.Plan,
		BillingPeriod:      item.BillingPeriod,
		HasSettledPayment:  item.HasSettledPayment,
		PendingDescription: item.PendingDescription,
	}
	if item.Expiry != nil {
		resp.ExpiresAt = item.Expiry.UTC().Format(time.RFC3339)
	}
	if item.PendingAmount != nil {
		resp.PendingAmount = item.PendingAmount.StringFixed(2)
	}
	return resp
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefUint64(v *uint64) uint64 {
	if v == nil {
		return 0
	}
	return *v
}

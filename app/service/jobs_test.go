package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solvera-apps/ms-go-billing/app/entity"
	"github.com/solvera-apps/ms-go-billing/app/gateway"
)

func staleAttachedRecord(f *serviceFixture, orderID string, age time.Duration) *entity.PaymentRecord {
	now := time.Now().UTC()
	return f.records.seed(&entity.PaymentRecord{
		OwnerID:        uint64Ptr(42),
		Plan:           "Pro",
		BillingPeriod:  "monthly",
		Amount:         decimal.NewFromFloat(9.99),
		Currency:       "USD",
		Status:         entity.StatusAttached,
		GatewayOrderID: &orderID,
		CreatedAt:      now.Add(-age),
		UpdatedAt:      now.Add(-age),
	})
}

func TestRunReconcileBatchSettlesCompletedOrder(t *testing.T) {
	f := newServiceFixture()
	record := staleAttachedRecord(f, "ORD-1", time.Hour)

	f.gw.setOrder(&gateway.OrderState{
		OrderID:    "ORD-1",
		Status:     gateway.OrderStatusCompleted,
		CaptureID:  "CAP-1",
		Amount:     decimal.NewFromFloat(9.99),
		Currency:   "USD",
		CreateTime: time.Now().UTC(),
	})

	processed, err := f.svc.RunReconcileBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}

	got := f.records.get(record.ID)
	if got.Status != entity.StatusSettled {
		t.Fatalf("expected settled status, got %d", got.Status)
	}
	grant, _ := f.grants.FindByOwner(context.Background(), 42)
	if grant == nil {
		t.Fatal("expected grant after reconciled settlement")
	}
}

func TestRunReconcileBatchCancelsVoidedOrder(t *testing.T) {
	f := newServiceFixture()
	record := staleAttachedRecord(f, "ORD-1", time.Hour)

	f.gw.setOrder(&gateway.OrderState{
		OrderID: "ORD-1",
		Status:  gateway.OrderStatusVoided,
	})

	if _, err := f.svc.RunReconcileBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.records.get(record.ID)
	if got.Status != entity.StatusCancelled {
		t.Fatalf("expected cancelled status, got %d", got.Status)
	}
	if got.Reason == nil || *got.Reason != "gateway order voided" {
		t.Fatalf("expected void reason, got %v", got.Reason)
	}
}

func TestRunReconcileBatchLeavesOpenOrderAlone(t *testing.T) {
	f := newServiceFixture()
	record := staleAttachedRecord(f, "ORD-1", time.Hour)

	f.gw.setOrder(&gateway.OrderState{
		OrderID: "ORD-1",
		Status:  gateway.OrderStatusApproved,
	})

	if _, err := f.svc.RunReconcileBatch(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := f.records.get(record.ID)
	if got.Status != entity.StatusAttached {
		t.Fatalf("expected attached status, got %d", got.Status)
	}
}

func TestRunReconcileBatchSkipsFreshRows(t *testing.T) {
	f := newServiceFixture()
	staleAttachedRecord(f, "ORD-1", time.Minute)

	processed, err := f.svc.RunReconcileBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 processed, got %d", processed)
	}
	if f.gw.getCalls != 0 {
		t.Fatal("fresh rows must not be re-fetched")
	}
}

func TestRunReconcileBatchReportsFirstError(t *testing.T) {
	f := newServiceFixture()
	staleAttachedRecord(f, "ORD-1", time.Hour)
	record := staleAttachedRecord(f, "ORD-2", time.Hour)

	// ORD-1 is unknown at the gateway; ORD-2 still settles.
	f.gw.setOrder(&gateway.OrderState{
		OrderID:    "ORD-2",
		Status:     gateway.OrderStatusCompleted,
		CaptureID:  "CAP-2",
		Amount:     decimal.NewFromFloat(9.99),
		Currency:   "USD",
		CreateTime: time.Now().UTC(),
	})

	processed, err := f.svc.RunReconcileBatch(context.Background())
	if err == nil {
		t.Fatal("expected error from unknown order")
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed despite error, got %d", processed)
	}
	if got := f.records.get(record.ID); got.Status != entity.StatusSettled {
		t.Fatalf("expected second row settled, got %d", got.Status)
	}
}

func TestRunExpireOpenBatch(t *testing.T) {
	f := newServiceFixture()

	now := time.Now().UTC()
	expired := f.records.seed(&entity.PaymentRecord{
		OwnerID:       uint64Ptr(42),
		Plan:          "Pro",
		BillingPeriod: "monthly",
		Amount:        decimal.NewFromFloat(9.99),
		Currency:      "USD",
		Status:        entity.StatusPending,
		CreatedAt:     now.Add(-25 * time.Hour),
		UpdatedAt:     now.Add(-25 * time.Hour),
	})
	fresh := f.records.seed(&entity.PaymentRecord{
		OwnerID:       uint64Ptr(7),
		Plan:          "Pro",
		BillingPeriod: "monthly",
		Amount:        decimal.NewFromFloat(9.99),
		Currency:      "USD",
		Status:        entity.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	})

	processed, err := f.svc.RunExpireOpenBatch(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}

	if got := f.records.get(expired.ID); got.Status != entity.StatusCancelled {
		t.Fatalf("expected cancelled status, got %d", got.Status)
	}
	if got := f.records.get(fresh.ID); got.Status != entity.StatusPending {
		t.Fatalf("fresh row must stay pending, got %d", got.Status)
	}
}

package repository

import (
	"context"
	"database/sql"

	"github.com/solvera-apps/ms-go-billing/app/entity"
)

type PlanGrantRepository struct {
	db DBTX
}

func NewPlanGrantRepository(db DBTX) *PlanGrantRepository {
	return &PlanGrantRepository{db: db}
}

// Upsert writes the owner's single grant row. The unique index on owner_id
// turns concurrent refreshes into a last-writer-wins update.
func (r *PlanGrantRepository) Upsert(ctx context.Context, grant *entity.PlanGrant) error {
	query := `
		INSERT INTO plan_grants (
			owner_id, plan, billing_period, expires_at, source_payment_id, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			plan = VALUES(plan),
			billing_period = VALUES(billing_period),
			expires_at = VALUES(expires_at),
			source_payment_id = VALUES(source_payment_id),
			updated_at = VALUES(updated_at)
	`

	_, err := r.db.ExecContext(ctx, query,
		grant.OwnerID,
		grant.Plan,
		grant.BillingPeriod,
		grant.ExpiresAt,
		nullableUint64Value(grant.SourcePaymentID),
		grant.CreatedAt,
		grant.UpdatedAt,
	)
	return err
}

func (r *PlanGrantRepository) FindByOwner(ctx context.Context, ownerID uint64) (*entity.PlanGrant, error) {
	query := `
		SELECT id, owner_id, plan, billing_period, expires_at, source_payment_id, created_at, updated_at
		FROM plan_grants
		WHERE owner_id = ?
	`

	grant := &entity.PlanGrant{}
	var sourcePaymentID sql.NullInt64

	err := r.db.QueryRowContext(ctx, query, ownerID).Scan(
		&grant.ID,
		&grant.OwnerID,
		&grant.Plan,
		&grant.BillingPeriod,
		&grant.ExpiresAt,
		&sourcePaymentID,
		&grant.CreatedAt,
		&grant.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	grant.SourcePaymentID = uint64PtrFromNull(sourcePaymentID)
	return grant, nil
}

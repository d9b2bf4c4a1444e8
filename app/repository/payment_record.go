package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/solvera-apps/ms-go-billing/app/entity"
)

var (
	ErrRecordNotFound  = errors.New("payment record not found")
	ErrDuplicateRecord = errors.New("payment record violates a uniqueness constraint")
)

const paymentRecordColumns = `id, owner_id, plan, billing_period, amount, currency, status,
		gateway_order_id, gateway_capture_id, client_token,
		reason, change_to, payer_email, payer_ref,
		created_at, created_bucket, updated_at`

type PaymentRecordRepository struct {
	db DBTX
}

func NewPaymentRecordRepository(db DBTX) *PaymentRecordRepository {
	return &PaymentRecordRepository{db: db}
}

// Create inserts the record, deriving created_bucket and the open-flag
// server-side. A unique-index collision (concurrent identical create, or an
// already-bound gateway identifier) comes back as ErrDuplicateRecord so the
// caller can fetch and reuse the winning row instead of failing.
func (r *PaymentRecordRepository) Create(ctx context.Context, record *entity.PaymentRecord) error {
	record.CreatedBucket = entity.MinuteBucket(record.CreatedAt)

	query := `
		INSERT INTO payment_records (
			owner_id, plan, billing_period, amount, currency, status,
			gateway_order_id, gateway_capture_id, client_token,
			reason, change_to, payer_email, payer_ref,
			open_flag, created_at, created_bucket, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableUint64Value(record.OwnerID),
		record.Plan,
		record.BillingPeriod,
		record.Amount,
		record.Currency,
		record.Status,
		nullableStringValue(record.GatewayOrderID),
		nullableStringValue(record.GatewayCaptureID),
		nullableStringValue(record.ClientToken),
		nullableStringValue(record.Reason),
		nullableStringValue(record.ChangeTo),
		nullableStringValue(record.PayerEmail),
		nullableStringValue(record.PayerRef),
		openFlagValue(record),
		record.CreatedAt,
		record.CreatedBucket,
		record.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrDuplicateRecord
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	record.ID = uint64(id)
	return nil
}

func (r *PaymentRecordRepository) Update(ctx context.Context, record *entity.PaymentRecord) error {
	query := `
		UPDATE payment_records SET
			owner_id = ?,
			status = ?,
			gateway_order_id = ?,
			gateway_capture_id = ?,
			reason = ?,
			change_to = ?,
			payer_email = ?,
			payer_ref = ?,
			open_flag = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		nullableUint64Value(record.OwnerID),
		record.Status,
		nullableStringValue(record.GatewayOrderID),
		nullableStringValue(record.GatewayCaptureID),
		nullableStringValue(record.Reason),
		nullableStringValue(record.ChangeTo),
		nullableStringValue(record.PayerEmail),
		nullableStringValue(record.PayerRef),
		openFlagValue(record),
		record.UpdatedAt,
		record.ID,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrDuplicateRecord
		}
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}

	return nil
}

func (r *PaymentRecordRepository) FindByID(ctx context.Context, id uint64) (*entity.PaymentRecord, error) {
	query := `SELECT ` + paymentRecordColumns + ` FROM payment_records WHERE id = ?`
	return r.findOne(ctx, query, id)
}

func (r *PaymentRecordRepository) FindByClientToken(ctx context.Context, token string) (*entity.PaymentRecord, error) {
	query := `SELECT ` + paymentRecordColumns + ` FROM payment_records WHERE client_token = ? ORDER BY id DESC LIMIT 1`
	return r.findOne(ctx, query, token)
}

func (r *PaymentRecordRepository) FindByGatewayOrderID(ctx context.Context, orderID string) (*entity.PaymentRecord, error) {
	query := `SELECT ` + paymentRecordColumns + ` FROM payment_records WHERE gateway_order_id = ?`
	return r.findOne(ctx, query, orderID)
}

func (r *PaymentRecordRepository) FindByGatewayCaptureID(ctx context.Context, captureID string) (*entity.PaymentRecord, error) {
	query := `SELECT ` + paymentRecordColumns + ` FROM payment_records WHERE gateway_capture_id = ?`
	return r.findOne(ctx, query, captureID)
}

// FindOpenByBucket returns the single open row for an owner/plan/period
// minute bucket. The open-flag unique index guarantees there is at most one.
func (r *PaymentRecordRepository) FindOpenByBucket(ctx context.Context, ownerID uint64, plan, billingPeriod string, bucket time.Time) (*entity.PaymentRecord, error) {
	query := `
		SELECT ` + paymentRecordColumns + `
		FROM payment_records
		WHERE owner_id = ? AND plan = ? AND billing_period = ? AND created_bucket = ? AND open_flag = 1
	`
	return r.findOne(ctx, query, ownerID, plan, billingPeriod, bucket)
}

// ListOpenByBucketAmount returns open owned rows matching a minute bucket and
// amount. Callers treat more than one hit as no match, so no LIMIT here.
func (r *PaymentRecordRepository) ListOpenByBucketAmount(ctx context.Context, bucket time.Time, amount decimal.Decimal) ([]*entity.PaymentRecord, error) {
	query := `
		SELECT ` + paymentRecordColumns + `
		FROM payment_records
		WHERE created_bucket = ? AND amount = ? AND open_flag = 1 AND owner_id IS NOT NULL
		ORDER BY id ASC
	`
	return r.list(ctx, query, bucket, amount)
}

func (r *PaymentRecordRepository) FindLatestOpenByOwner(ctx context.Context, ownerID uint64) (*entity.PaymentRecord, error) {
	query := `
		SELECT ` + paymentRecordColumns + `
		FROM payment_records
		WHERE owner_id = ? AND open_flag = 1
		ORDER BY id DESC
		LIMIT 1
	`
	return r.findOne(ctx, query, ownerID)
}

func (r *PaymentRecordRepository) HasSettledForOwner(ctx context.Context, ownerID uint64) (bool, error) {
	query := `SELECT 1 FROM payment_records WHERE owner_id = ? AND status = ? LIMIT 1`

	var one int
	err := r.db.QueryRowContext(ctx, query, ownerID, entity.StatusSettled).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PaymentRecordRepository) ListByOwner(ctx context.Context, ownerID uint64, limit, offset int32) ([]*entity.PaymentRecord, error) {
	query := `
		SELECT ` + paymentRecordColumns + `
		FROM payment_records
		WHERE owner_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	return r.list(ctx, query, ownerID, limit, offset)
}

// ListStaleOpenWithOrder feeds the reconcile job: open rows that already hold
// a gateway order id but have not moved for a while.
func (r *PaymentRecordRepository) ListStaleOpenWithOrder(ctx context.Context, before time.Time, limit int32) ([]*entity.PaymentRecord, error) {
	query := `
		SELECT ` + paymentRecordColumns + `
		FROM payment_records
		WHERE open_flag = 1
		  AND gateway_order_id IS NOT NULL
		  AND updated_at <= ?
		ORDER BY updated_at ASC
		LIMIT ?
	`
	return r.list(ctx, query, before, limit)
}

func (r *PaymentRecordRepository) ListExpiredOpen(ctx context.Context, cutoff time.Time, limit int32) ([]*entity.PaymentRecord, error) {
	query := `
		SELECT ` + paymentRecordColumns + `
		FROM payment_records
		WHERE open_flag = 1
		  AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?
	`
	return r.list(ctx, query, cutoff, limit)
}

// DeleteOpenByOwner removes a non-terminal row belonging to the given owner.
// Terminal rows are never deleted.
func (r *PaymentRecordRepository) DeleteOpenByOwner(ctx context.Context, id, ownerID uint64) error {
	query := `DELETE FROM payment_records WHERE id = ? AND owner_id = ? AND open_flag = 1`

	result, err := r.db.ExecContext(ctx, query, id, ownerID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *PaymentRecordRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.PaymentRecord, error) {
	record := &entity.PaymentRecord{}
	if err := scanPaymentRecord(r.db.QueryRowContext(ctx, query, args...), record); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *PaymentRecordRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.PaymentRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*entity.PaymentRecord, 0)
	for rows.Next() {
		item := &entity.PaymentRecord{}
		if err := scanPaymentRecord(rows, item); err != nil {
			return nil, err
		}
		records = append(records, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaymentRecord(scan rowScanner, record *entity.PaymentRecord) error {
	var ownerID sql.NullInt64
	var gatewayOrderID sql.NullString
	var gatewayCaptureID sql.NullString
	var clientToken sql.NullString
	var reason sql.NullString
	var changeTo sql.NullString
	var payerEmail sql.NullString
	var payerRef sql.NullString

	err := scan.Scan(
		&record.ID,
		&ownerID,
		&record.Plan,
		&record.BillingPeriod,
		&record.Amount,
		&record.Currency,
		&record.Status,
		&gatewayOrderID,
		&gatewayCaptureID,
		&clientToken,
		&reason,
		&changeTo,
		&payerEmail,
		&payerRef,
		&record.CreatedAt,
		&record.CreatedBucket,
		&record.UpdatedAt,
	)
	if err != nil {
		return err
	}

	record.OwnerID = uint64PtrFromNull(ownerID)
	record.GatewayOrderID = stringPtrFromNull(gatewayOrderID)
	record.GatewayCaptureID = stringPtrFromNull(gatewayCaptureID)
	record.ClientToken = stringPtrFromNull(clientToken)
	record.Reason = stringPtrFromNull(reason)
	record.ChangeTo = stringPtrFromNull(changeTo)
	record.PayerEmail = stringPtrFromNull(payerEmail)
	record.PayerRef = stringPtrFromNull(payerRef)

	return nil
}

func openFlagValue(record *entity.PaymentRecord) interface{} {
	if record.IsOpen() {
		return int8(1)
	}
	return nil
}

package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("payment record not found")

// StatusChange is a conditional status write. FromStatus and FromLastUpdatedAt
// must match the current row or the write is not applied.
type StatusChange struct {
	PaymentID         uuid.UUID
	FromStatus        string
	FromLastUpdatedAt time.Time
	ToStatus          string
	StatusDetail      string
	ExternalPaymentID string
	UpdatedAt         time.Time
}

type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) Create(ctx context.Context, entity *PaymentEntity) error {
	metadata := entity.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	query := `INSERT INTO payment (id, external_reference, external_payment_id, amount, currency, status, status_detail, payer_email, metadata, created_at, last_updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.pool.Exec(ctx, query,
		entity.ID, entity.ExternalReference, entity.ExternalPaymentID, entity.Amount,
		entity.Currency, entity.Status, entity.StatusDetail, entity.PayerEmail,
		metadata, entity.CreatedAt, entity.LastUpdatedAt)
	if err != nil {
		return errors.Wrap(err, "inserting payment")
	}
	return nil
}

func (r *PaymentRepository) GetByExternalReference(ctx context.Context, externalReference uuid.UUID) (*PaymentEntity, error) {
	query := selectPayment + ` WHERE external_reference = $1`
	return r.get(ctx, query, externalReference)
}

func (r *PaymentRepository) GetByExternalPaymentID(ctx context.Context, externalPaymentID string) (*PaymentEntity, error) {
	query := selectPayment + ` WHERE external_payment_id = $1`
	return r.get(ctx, query, externalPaymentID)
}

// ApplyStatus performs the compare-and-swap status write. It returns false
// without error when the row no longer matches the expected status and
// timestamp, which means a competing consumer got there first.
func (r *PaymentRepository) ApplyStatus(ctx context.Context, change StatusChange) (bool, error) {
	query := `UPDATE payment
	          SET status = $1,
	              status_detail = NULLIF($2, ''),
	              external_payment_id = COALESCE(NULLIF($3, ''), external_payment_id),
	              last_updated_at = $4
	          WHERE id = $5 AND status = $6 AND last_updated_at = $7`
	tag, err := r.pool.Exec(ctx, query,
		change.ToStatus, change.StatusDetail, change.ExternalPaymentID, change.UpdatedAt,
		change.PaymentID, change.FromStatus, change.FromLastUpdatedAt)
	if err != nil {
		return false, errors.Wrap(err, "updating payment status")
	}
	return tag.RowsAffected() == 1, nil
}

const selectPayment = `SELECT id, external_reference, external_payment_id, amount, currency, status, status_detail, payer_email, metadata, created_at, last_updated_at FROM payment`

func (r *PaymentRepository) get(ctx context.Context, query string, arg any) (*PaymentEntity, error) {
	row := r.pool.QueryRow(ctx, query, arg)

	var entity PaymentEntity
	err := row.Scan(&entity.ID, &entity.ExternalReference, &entity.ExternalPaymentID,
		&entity.Amount, &entity.Currency, &entity.Status, &entity.StatusDetail,
		&entity.PayerEmail, &entity.Metadata, &entity.CreatedAt, &entity.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scanning payment")
	}
	return &entity, nil
}

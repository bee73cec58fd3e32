package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"pix-notification-service/internal/model"
)

// ErrChargeNotFound is returned when no charge exists for the requested id.
var ErrChargeNotFound = errors.New("charge not found")

type ChargeRepository struct {
	pool *pgxpool.Pool
}

func NewChargeRepository(pool *pgxpool.Pool) *ChargeRepository {
	return &ChargeRepository{pool: pool}
}

func (r *ChargeRepository) Create(ctx context.Context, charge *model.Charge) (*model.Charge, error) {
	query := `INSERT INTO charges (id, payer_name, payer_document, amount, description, pix_key, expiration_date, status, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.pool.Exec(ctx, query,
		charge.ID, charge.PayerName, charge.PayerDocument, charge.Amount, charge.Description,
		charge.PixKey, charge.ExpirationDate, charge.Status, charge.CreatedAt, charge.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "inserting charge")
	}
	return charge, nil
}

func (r *ChargeRepository) FindByID(ctx context.Context, id string) (*model.Charge, error) {
	query := `SELECT id, payer_name, payer_document, amount, description, pix_key, expiration_date, status, created_at, updated_at
	          FROM charges WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)

	var charge model.Charge
	err := row.Scan(&charge.ID, &charge.PayerName, &charge.PayerDocument, &charge.Amount,
		&charge.Description, &charge.PixKey, &charge.ExpirationDate, &charge.Status,
		&charge.CreatedAt, &charge.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChargeNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting charge")
	}
	return &charge, nil
}

// Save persists the charge's current status. This is a plain update: two
// concurrent read-modify-write cycles on the same charge can both observe
// pending and both write paid. A conditional
// UPDATE ... WHERE status = 'pending' would close that window.
func (r *ChargeRepository) Save(ctx context.Context, charge *model.Charge) (*model.Charge, error) {
	charge.UpdatedAt = time.Now().UTC()

	query := `UPDATE charges SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, charge.ID, charge.Status, charge.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "updating charge")
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrChargeNotFound
	}
	return charge, nil
}

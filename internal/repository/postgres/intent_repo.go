package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/model"
)

// IntentRepo implements IntentRepository using PostgreSQL.
type IntentRepo struct{ db *DB }

// NewIntentRepo constructs a payment intent repository.
func NewIntentRepo(db *DB) *IntentRepo { return &IntentRepo{db: db} }

// Create inserts a payment intent.
func (r *IntentRepo) Create(ctx context.Context, in *model.PaymentIntent) error {
	const q = `INSERT INTO payment_intents (reference, sale_id, created_by, created_at) VALUES ($1,$2,$3,$4)`
	_, err := r.db.Pool.Exec(ctx, q, in.Reference, in.SaleID, in.CreatedBy, in.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// SaleByReference resolves a gateway reference to a sale.
func (r *IntentRepo) SaleByReference(ctx context.Context, ref string) (uuid.UUID, error) {
	const q = `SELECT sale_id FROM payment_intents WHERE reference=$1`
	var id uuid.UUID
	err := r.db.Pool.QueryRow(ctx, q, ref).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, errs.ErrNotFound
	}
	return id, err
}

package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/model"
)

// WebhookRepo implements WebhookRepository using PostgreSQL.
type WebhookRepo struct{ db *DB }

// NewWebhookRepo constructs a webhook journal repository.
func NewWebhookRepo(db *DB) *WebhookRepo { return &WebhookRepo{db: db} }

const webhookCols = `id, external_ref, event_type, amount, payload, outcome, resolution, sale_id, payment_id,
received_at, resolved_at`

func scanWebhook(row rowScanner) (*model.WebhookEvent, error) {
	var (
		ev            model.WebhookEvent
		amount        int64
		payload       []byte
		outcome       string
		saleID, payID uuid.NullUUID
	)
	if err := row.Scan(&ev.ID, &ev.ExternalRef, &ev.EventType, &amount, &payload, &outcome, &ev.Resolution,
		&saleID, &payID, &ev.ReceivedAt, &ev.ResolvedAt); err != nil {
		return nil, err
	}
	ev.Amount = model.Money(amount)
	ev.Payload = payload
	ev.Outcome = model.WebhookOutcome(outcome)
	ev.SaleID = uuidPtr(saleID)
	ev.PaymentID = uuidPtr(payID)
	return &ev, nil
}

// Record inserts a journal entry.
func (r *WebhookRepo) Record(ctx context.Context, ev *model.WebhookEvent) error {
	const q = `
INSERT INTO webhook_events (` + webhookCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	_, err := r.db.Pool.Exec(ctx, q, ev.ID, ev.ExternalRef, ev.EventType, int64(ev.Amount), []byte(ev.Payload),
		string(ev.Outcome), ev.Resolution, nullUUID(ev.SaleID), nullUUID(ev.PaymentID), ev.ReceivedAt, ev.ResolvedAt)
	return err
}

// Get loads a journal entry.
func (r *WebhookRepo) Get(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error) {
	const q = `SELECT ` + webhookCols + ` FROM webhook_events WHERE id=$1`
	ev, err := scanWebhook(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return ev, err
}

// ListUnresolved returns unmatched or rejected entries awaiting an operator.
func (r *WebhookRepo) ListUnresolved(ctx context.Context, limit int) ([]model.WebhookEvent, error) {
	const q = `
SELECT ` + webhookCols + `
FROM webhook_events
WHERE outcome IN ('unmatched','rejected') AND resolved_at IS NULL
ORDER BY received_at
LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WebhookEvent
	for rows.Next() {
		ev, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// Resolve stamps the outcome of an entry that was still open.
func (r *WebhookRepo) Resolve(ctx context.Context, ev *model.WebhookEvent) error {
	const q = `
UPDATE webhook_events SET outcome=$2, resolution=$3, sale_id=$4, payment_id=$5, resolved_at=$6
WHERE id=$1 AND resolved_at IS NULL`
	tag, err := r.db.Pool.Exec(ctx, q, ev.ID, string(ev.Outcome), ev.Resolution,
		nullUUID(ev.SaleID), nullUUID(ev.PaymentID), ev.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return errs.ErrVersionConflict
	}
	return nil
}

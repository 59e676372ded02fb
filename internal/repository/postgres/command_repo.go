package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/model"
)

// CommandRepo implements CommandRepository using PostgreSQL.
type CommandRepo struct{ db *DB }

// NewCommandRepo constructs a command repository.
func NewCommandRepo(db *DB) *CommandRepo { return &CommandRepo{db: db} }

const commandCols = `id, device_id, sale_id, type, status, reason, token_hash, token_salt, token_expires_at,
issued_by, issued_at, sent_at, acknowledged_at`

func scanCommand(row rowScanner) (*model.DeviceCommand, error) {
	var (
		c       model.DeviceCommand
		saleID  uuid.NullUUID
		typ, st string
	)
	if err := row.Scan(&c.ID, &c.DeviceID, &saleID, &typ, &st, &c.Reason, &c.TokenHash, &c.TokenSalt,
		&c.TokenExpiresAt, &c.IssuedBy, &c.IssuedAt, &c.SentAt, &c.AcknowledgedAt); err != nil {
		return nil, err
	}
	c.SaleID = uuidPtr(saleID)
	c.Type = model.CommandType(typ)
	c.Status = model.CommandStatus(st)
	return &c, nil
}

func insertCommand(ctx context.Context, ex execer, c *model.DeviceCommand) error {
	const q = `
INSERT INTO device_commands (` + commandCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	_, err := ex.Exec(ctx, q, c.ID, c.DeviceID, nullUUID(c.SaleID), string(c.Type), string(c.Status), c.Reason,
		c.TokenHash, c.TokenSalt, c.TokenExpiresAt, c.IssuedBy, c.IssuedAt, c.SentAt, c.AcknowledgedAt)
	return err
}

// Create inserts a command.
func (r *CommandRepo) Create(ctx context.Context, c *model.DeviceCommand) error {
	return insertCommand(ctx, r.db.Pool, c)
}

// Get loads a command by id.
func (r *CommandRepo) Get(ctx context.Context, id uuid.UUID) (*model.DeviceCommand, error) {
	const q = `SELECT ` + commandCols + ` FROM device_commands WHERE id=$1`
	c, err := scanCommand(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return c, err
}

// ListDeliverable returns unexpired pending commands for a device in issue order.
func (r *CommandRepo) ListDeliverable(ctx context.Context, deviceID string, now time.Time) ([]model.DeviceCommand, error) {
	const q = `
SELECT ` + commandCols + `
FROM device_commands
WHERE device_id=$1 AND status='pending' AND token_expires_at >= $2
ORDER BY issued_at, id`
	return r.list(ctx, q, deviceID, now)
}

// MarkSent performs the pending to sent transition and swaps in the re-minted secret hash.
func (r *CommandRepo) MarkSent(ctx context.Context, id uuid.UUID, now time.Time, hash, salt []byte) (bool, error) {
	const q = `
UPDATE device_commands SET status='sent', sent_at=$2, token_hash=$3, token_salt=$4
WHERE id=$1 AND status='pending' AND token_expires_at >= $2`
	tag, err := r.db.Pool.Exec(ctx, q, id, now, hash, salt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkAcknowledged performs the sent to acknowledged transition.
func (r *CommandRepo) MarkAcknowledged(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	const q = `
UPDATE device_commands SET status='acknowledged', acknowledged_at=$2
WHERE id=$1 AND status='sent' AND token_expires_at >= $2`
	tag, err := r.db.Pool.Exec(ctx, q, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListByDevice returns the newest commands for a device.
func (r *CommandRepo) ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.DeviceCommand, error) {
	const q = `SELECT ` + commandCols + ` FROM device_commands WHERE device_id=$1 ORDER BY issued_at DESC, id LIMIT $2`
	return r.list(ctx, q, deviceID, limit)
}

// ExpireStale persists expired for pending or sent commands past expiry.
func (r *CommandRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE device_commands SET status='expired'
WHERE status IN ('pending','sent') AND token_expires_at < $1`
	tag, err := r.db.Pool.Exec(ctx, q, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *CommandRepo) list(ctx context.Context, q string, args ...any) ([]model.DeviceCommand, error) {
	rows, err := r.db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeviceCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

package limiter

import (
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/and161185/lockpay/internal/clock"
)

// PG is a PostgreSQL-backed limiter implementation with sliding window and lockout.
type PG struct {
	pool     pgxQuerier
	clock    clock.Clock
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return NewPGWithQuerier(pool, clock.Real{}, window, maxFails, blockFor)
}

// NewPGWithQuerier constructs a limiter over any querier and clock.
func NewPGWithQuerier(q pgxQuerier, c clock.Clock, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	if c == nil {
		c = clock.Real{}
	}
	return &PG{pool: q, clock: c, window: window, maxFails: maxFails, blockFor: blockFor}
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

// Allow reports whether an acknowledgment is currently allowed and a retry-after duration.
func (l *PG) Allow(ctx context.Context, commandID uuid.UUID, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM ack_limiter WHERE command_id=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.pool.QueryRow(ctx, q, commandID, ipHash).Scan(&blockedUntil)
	switch {
	case err == nil:
		now := l.clock.Now()
		if blockedUntil.After(now) {
			return false, blockedUntil.Sub(now), nil
		}
		return true, 0, nil
	case errors.Is(err, pgx.ErrNoRows):
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for (command, ip).
func (l *PG) Success(ctx context.Context, commandID uuid.UUID, ipHash []byte) error {
	const q = `
INSERT INTO ack_limiter (command_id, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',$3)
ON CONFLICT (command_id, ip_hash)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=$3`
	_, err := l.pool.Exec(ctx, q, commandID, ipHash, l.clock.Now())
	return err
}

// Failure records a rejected attempt; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, commandID uuid.UUID, ipHash []byte) (bool, time.Duration, error) {
	now := l.clock.Now()

	const q = `
INSERT INTO ack_limiter (command_id, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',$4)
ON CONFLICT (command_id, ip_hash) DO UPDATE
SET
  fail_count = CASE WHEN $4 - ack_limiter.updated_at > $3::interval THEN 1 ELSE ack_limiter.fail_count + 1 END,
  updated_at = $4
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, commandID, ipHash, l.window, now).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		blockUntil := now.Add(l.blockFor)
		const upd = `UPDATE ack_limiter SET blocked_until=$3 WHERE command_id=$1 AND ip_hash=$2`
		if _, err := l.pool.Exec(ctx, upd, commandID, ipHash, blockUntil); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}

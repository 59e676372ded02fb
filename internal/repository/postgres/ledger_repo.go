package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/ledger"
	"github.com/and161185/lockpay/internal/model"
	"github.com/and161185/lockpay/internal/repository"
)

// LedgerRepo implements LedgerRepository using PostgreSQL.
type LedgerRepo struct{ db *DB }

// NewLedgerRepo constructs a ledger repository.
func NewLedgerRepo(db *DB) *LedgerRepo { return &LedgerRepo{db: db} }

const paymentCols = `id, sale_id, installment_id, amount, method, balance_before, balance_after,
external_ref, recorded_by, created_at`

// errRefTaken signals that a concurrent transaction recorded the same external reference first.
var errRefTaken = errors.New("external reference already recorded")

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanPayment(row rowScanner) (*model.Payment, error) {
	var (
		p                     model.Payment
		inst                  uuid.NullUUID
		amount, before, after int64
		method                string
	)
	if err := row.Scan(&p.ID, &p.SaleID, &inst, &amount, &method, &before, &after,
		&p.ExternalRef, &p.RecordedBy, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.InstallmentID = uuidPtr(inst)
	p.Amount = model.Money(amount)
	p.Method = model.PaymentMethod(method)
	p.BalanceBefore = model.Money(before)
	p.BalanceAfter = model.Money(after)
	return &p, nil
}

// ApplyPayment applies a payment under a row lock on the sale and appends the payment record.
func (r *LedgerRepo) ApplyPayment(
	ctx context.Context, in model.PaymentInput, now time.Time, unlock repository.UnlockFunc,
) (model.PaymentOutcome, error) {
	if in.ExternalRef != "" {
		prior, err := r.PaymentByExternalRef(ctx, in.ExternalRef)
		switch {
		case err == nil:
			return r.duplicate(ctx, prior)
		case !errors.Is(err, errs.ErrNotFound):
			return model.PaymentOutcome{}, err
		}
	}

	out, err := r.apply(ctx, in, now, unlock)
	if errors.Is(err, errRefTaken) {
		prior, err := r.PaymentByExternalRef(ctx, in.ExternalRef)
		if err != nil {
			return model.PaymentOutcome{}, err
		}
		return r.duplicate(ctx, prior)
	}
	return out, err
}

func (r *LedgerRepo) apply(
	ctx context.Context, in model.PaymentInput, now time.Time, unlock repository.UnlockFunc,
) (out model.PaymentOutcome, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.PaymentOutcome{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const selSale = `SELECT ` + saleCols + ` FROM sales WHERE id=$1 FOR UPDATE`
	sale, err := scanSale(tx.QueryRow(ctx, selSale, in.SaleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentOutcome{}, errs.ErrNotFound
		}
		return model.PaymentOutcome{}, err
	}

	const selInst = `SELECT ` + installmentCols + ` FROM installments WHERE sale_id=$1 ORDER BY sequence FOR UPDATE`
	insts, err := queryInstallments(ctx, tx, selInst, in.SaleID)
	if err != nil {
		return model.PaymentOutcome{}, err
	}

	baseVer := sale.Version
	res, err := ledger.Apply(sale, insts, in, now)
	if err != nil {
		return model.PaymentOutcome{}, err
	}

	const updSale = `
UPDATE sales SET balance_remaining=$2, status=$3, completion_date=$4, version=$5
WHERE id=$1 AND version=$6`
	tag, err := tx.Exec(ctx, updSale, sale.ID, int64(sale.BalanceRemaining), string(sale.Status),
		sale.CompletionDate, sale.Version, baseVer)
	if err != nil {
		return model.PaymentOutcome{}, err
	}
	if tag.RowsAffected() != 1 {
		return model.PaymentOutcome{}, errs.ErrVersionConflict
	}

	const updInst = `UPDATE installments SET amount_paid=$2, paid=$3, paid_date=$4 WHERE id=$1`
	for _, idx := range res.Touched {
		inst := insts[idx]
		if _, err = tx.Exec(ctx, updInst, inst.ID, int64(inst.AmountPaid), inst.Paid, inst.PaidDate); err != nil {
			return model.PaymentOutcome{}, err
		}
	}

	p := model.Payment{
		ID:            uuid.Must(uuid.NewV4()),
		SaleID:        sale.ID,
		InstallmentID: res.InstallmentID,
		Amount:        res.Applied,
		Method:        in.Method,
		BalanceBefore: res.BalanceBefore,
		BalanceAfter:  res.BalanceAfter,
		RecordedBy:    in.RecordedBy,
		CreatedAt:     now,
	}
	if in.ExternalRef != "" {
		ref := in.ExternalRef
		p.ExternalRef = &ref
	}

	const insPay = `
INSERT INTO payments (` + paymentCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (external_ref) DO NOTHING
RETURNING id`
	var inserted uuid.UUID
	err = tx.QueryRow(ctx, insPay, p.ID, p.SaleID, nullUUID(p.InstallmentID), int64(p.Amount), string(p.Method),
		int64(p.BalanceBefore), int64(p.BalanceAfter), p.ExternalRef, p.RecordedBy, p.CreatedAt).Scan(&inserted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.PaymentOutcome{}, errRefTaken
		}
		return model.PaymentOutcome{}, err
	}

	out = model.PaymentOutcome{Payment: p, Completed: res.Completed, Sale: *sale}
	if res.Completed && unlock != nil {
		cmd, err := unlock(*sale)
		if err != nil {
			return model.PaymentOutcome{}, fmt.Errorf("build unlock: %w", err)
		}
		if cmd != nil {
			if err = insertCommand(ctx, tx, cmd); err != nil {
				return model.PaymentOutcome{}, fmt.Errorf("insert unlock: %w", err)
			}
			out.Unlock = cmd
		}
	}
	return out, nil
}

func (r *LedgerRepo) duplicate(ctx context.Context, p *model.Payment) (model.PaymentOutcome, error) {
	const q = `SELECT ` + saleCols + ` FROM sales WHERE id=$1`
	sale, err := scanSale(r.db.Pool.QueryRow(ctx, q, p.SaleID))
	if err != nil {
		return model.PaymentOutcome{}, err
	}
	return model.PaymentOutcome{Payment: *p, Duplicate: true, Sale: *sale}, nil
}

// PaymentByExternalRef returns the payment recorded for a gateway reference.
func (r *LedgerRepo) PaymentByExternalRef(ctx context.Context, ref string) (*model.Payment, error) {
	const q = `SELECT ` + paymentCols + ` FROM payments WHERE external_ref=$1`
	p, err := scanPayment(r.db.Pool.QueryRow(ctx, q, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return p, err
}

// Payments lists the payment history of a sale.
func (r *LedgerRepo) Payments(ctx context.Context, saleID uuid.UUID) ([]model.Payment, error) {
	const q = `SELECT ` + paymentCols + ` FROM payments WHERE sale_id=$1 ORDER BY created_at, id`
	rows, err := r.db.Pool.Query(ctx, q, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

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

// SaleRepo implements SaleRepository using PostgreSQL.
type SaleRepo struct{ db *DB }

// NewSaleRepo constructs a sale repository.
func NewSaleRepo(db *DB) *SaleRepo { return &SaleRepo{db: db} }

const saleCols = `id, device_id, customer_ref, selling_price, down_payment, balance_remaining,
installment_amount, frequency, installment_count, status, sale_date, completion_date, version, created_by`

const installmentCols = `id, sale_id, sequence, amount_due, amount_paid, due_date, paid, paid_date`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*model.Sale, error) {
	var (
		s                             model.Sale
		price, down, balance, instAmt int64
		freq, status                  string
	)
	err := row.Scan(&s.ID, &s.DeviceID, &s.CustomerRef, &price, &down, &balance,
		&instAmt, &freq, &s.InstallmentCount, &status, &s.SaleDate, &s.CompletionDate, &s.Version, &s.CreatedBy)
	if err != nil {
		return nil, err
	}
	s.SellingPrice = model.Money(price)
	s.DownPayment = model.Money(down)
	s.BalanceRemaining = model.Money(balance)
	s.InstallmentAmount = model.Money(instAmt)
	s.Frequency = model.Frequency(freq)
	s.Status = model.SaleStatus(status)
	return &s, nil
}

func scanInstallment(row rowScanner) (model.Installment, error) {
	var (
		in        model.Installment
		due, paid int64
	)
	err := row.Scan(&in.ID, &in.SaleID, &in.Sequence, &due, &paid, &in.DueDate, &in.Paid, &in.PaidDate)
	if err != nil {
		return model.Installment{}, err
	}
	in.AmountDue = model.Money(due)
	in.AmountPaid = model.Money(paid)
	return in, nil
}

// Create inserts the sale and its schedule in one transaction.
func (r *SaleRepo) Create(ctx context.Context, s *model.Sale, installments []model.Installment) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
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

	const ins = `
INSERT INTO sales (` + saleCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err = tx.Exec(ctx, ins, s.ID, s.DeviceID, s.CustomerRef, int64(s.SellingPrice), int64(s.DownPayment),
		int64(s.BalanceRemaining), int64(s.InstallmentAmount), string(s.Frequency), s.InstallmentCount,
		string(s.Status), s.SaleDate, s.CompletionDate, s.Version, s.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrDeviceHasOpenSale
		}
		return err
	}

	const insInst = `
INSERT INTO installments (` + installmentCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	for _, in := range installments {
		if _, err = tx.Exec(ctx, insInst, in.ID, s.ID, in.Sequence, int64(in.AmountDue), int64(in.AmountPaid),
			in.DueDate, in.Paid, in.PaidDate); err != nil {
			return err
		}
	}
	return nil
}

// Get loads a sale by id.
func (r *SaleRepo) Get(ctx context.Context, id uuid.UUID) (*model.Sale, error) {
	const q = `SELECT ` + saleCols + ` FROM sales WHERE id=$1`
	s, err := scanSale(r.db.Pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return s, err
}

// Installments returns the schedule of a sale ordered by sequence.
func (r *SaleRepo) Installments(ctx context.Context, saleID uuid.UUID) ([]model.Installment, error) {
	const q = `SELECT ` + installmentCols + ` FROM installments WHERE sale_id=$1 ORDER BY sequence`
	return queryInstallments(ctx, r.db.Pool, q, saleID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryInstallments(ctx context.Context, q querier, sql string, args ...any) ([]model.Installment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Installment
	for rows.Next() {
		in, err := scanInstallment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ActiveByDevice returns the active sale for a device.
func (r *SaleRepo) ActiveByDevice(ctx context.Context, deviceID string) (*model.Sale, error) {
	const q = `SELECT ` + saleCols + ` FROM sales WHERE device_id=$1 AND status='active'`
	s, err := scanSale(r.db.Pool.QueryRow(ctx, q, deviceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return s, err
}

// ActiveByCustomerRef returns active sales with an exactly matching customer reference.
func (r *SaleRepo) ActiveByCustomerRef(ctx context.Context, ref string) ([]model.Sale, error) {
	const q = `SELECT ` + saleCols + ` FROM sales WHERE customer_ref=$1 AND status='active' ORDER BY sale_date DESC`
	rows, err := r.db.Pool.Query(ctx, q, ref)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// ListOverdue returns unpaid installments of active sales due before now.
func (r *SaleRepo) ListOverdue(ctx context.Context, now time.Time) ([]model.OverdueInstallment, error) {
	const q = `
SELECT i.id, i.sale_id, i.sequence, i.amount_due, i.amount_paid, i.due_date, i.paid, i.paid_date,
       s.device_id, s.customer_ref
FROM installments i
JOIN sales s ON s.id = i.sale_id
WHERE s.status='active' AND NOT i.paid AND i.due_date < $1
ORDER BY i.due_date, i.sequence`
	rows, err := r.db.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OverdueInstallment
	for rows.Next() {
		var (
			o         model.OverdueInstallment
			due, paid int64
		)
		if err := rows.Scan(&o.ID, &o.SaleID, &o.Sequence, &due, &paid, &o.DueDate, &o.Paid, &o.PaidDate,
			&o.DeviceID, &o.CustomerRef); err != nil {
			return nil, err
		}
		o.AmountDue = model.Money(due)
		o.AmountPaid = model.Money(paid)
		o.DaysOverdue = int(now.Sub(o.DueDate) / (24 * time.Hour))
		out = append(out, o)
	}
	return out, rows.Err()
}

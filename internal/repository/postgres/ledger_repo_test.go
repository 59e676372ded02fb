package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/model"
)

const (
	selSaleForUpdate = `SELECT .+ FROM sales WHERE id=\$1 FOR UPDATE`
	selInstForUpdate = `FROM installments WHERE sale_id=\$1 ORDER BY sequence FOR UPDATE`
	updSaleCAS       = `UPDATE sales SET balance_remaining=\$2, status=\$3, completion_date=\$4, version=\$5 WHERE id=\$1 AND version=\$6`
	updInstallment   = `UPDATE installments SET amount_paid=\$2, paid=\$3, paid_date=\$4 WHERE id=\$1`
	insPayment       = `INSERT INTO payments .+ ON CONFLICT \(external_ref\) DO NOTHING RETURNING id`
	selPaymentByRef  = `FROM payments WHERE external_ref=\$1`
)

func TestLedgerRepo_ApplyPayment_TargetedCash(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	s, insts := weeklyFixture()
	now := ts0.Add(time.Hour)
	target := insts[0].ID

	mock.ExpectBegin()
	mock.ExpectQuery(selSaleForUpdate).WithArgs(s.ID).WillReturnRows(saleRows(s))
	mock.ExpectQuery(selInstForUpdate).WithArgs(s.ID).WillReturnRows(installmentRows(insts...))
	mock.ExpectExec(updSaleCAS).
		WithArgs(s.ID, int64(60_000), "active", pgxmock.AnyArg(), int64(1), int64(0)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(updInstallment).
		WithArgs(target, int64(20_000), true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(insPayment).
		WithArgs(pgxmock.AnyArg(), s.ID, uuid.NullUUID{UUID: target, Valid: true}, int64(20_000), "cash",
			int64(80_000), int64(60_000), (*string)(nil), "op", now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.Must(uuid.NewV4())))
	mock.ExpectCommit()

	out, err := r.ApplyPayment(context.Background(), model.PaymentInput{
		SaleID: s.ID, Amount: 20_000, Method: model.MethodCash, InstallmentID: &target, RecordedBy: "op",
	}, now, nil)
	require.NoError(t, err)
	require.False(t, out.Duplicate)
	require.False(t, out.Completed)
	require.Equal(t, model.Money(80_000), out.Payment.BalanceBefore)
	require.Equal(t, model.Money(60_000), out.Payment.BalanceAfter)
	require.Equal(t, target, *out.Payment.InstallmentID)
	require.Equal(t, model.Money(60_000), out.Sale.BalanceRemaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ApplyPayment_WebhookCompletesAndIssuesUnlock(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	s, insts := weeklyFixture()
	s.BalanceRemaining = 60_000
	s.Version = 1
	paidAt := ts0.Add(time.Hour)
	insts[0].AmountPaid = 20_000
	insts[0].Paid = true
	insts[0].PaidDate = &paidAt
	now := ts0.Add(48 * time.Hour)

	mock.ExpectQuery(selPaymentByRef).WithArgs("X").WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(selSaleForUpdate).WithArgs(s.ID).WillReturnRows(saleRows(s))
	mock.ExpectQuery(selInstForUpdate).WithArgs(s.ID).WillReturnRows(installmentRows(insts...))
	mock.ExpectExec(updSaleCAS).
		WithArgs(s.ID, int64(0), "completed", pgxmock.AnyArg(), int64(2), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	for _, in := range insts[1:] {
		mock.ExpectExec(updInstallment).
			WithArgs(in.ID, int64(20_000), true, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	}
	mock.ExpectQuery(insPayment).WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.Must(uuid.NewV4())))
	mock.ExpectExec(`INSERT INTO device_commands`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	calls := 0
	unlock := func(sale model.Sale) (*model.DeviceCommand, error) {
		calls++
		require.Equal(t, model.SaleCompleted, sale.Status)
		return &model.DeviceCommand{
			ID: uuid.Must(uuid.NewV4()), DeviceID: sale.DeviceID, SaleID: &sale.ID,
			Type: model.CommandUnlock, Status: model.CommandPending, TokenHash: []byte("h"), TokenSalt: []byte("s"),
			TokenExpiresAt: now.Add(24 * time.Hour), IssuedAt: now,
		}, nil
	}

	out, err := r.ApplyPayment(context.Background(), model.PaymentInput{
		SaleID: s.ID, Amount: 60_000, Method: model.MethodGateway, ExternalRef: "X", Mode: model.Truncate,
	}, now, unlock)
	require.NoError(t, err)
	require.True(t, out.Completed)
	require.Equal(t, 1, calls)
	require.NotNil(t, out.Unlock)
	require.Equal(t, model.CommandUnlock, out.Unlock.Type)
	require.Equal(t, model.SaleCompleted, out.Sale.Status)
	require.Equal(t, now, *out.Sale.CompletionDate)
	require.Equal(t, "X", *out.Payment.ExternalRef)
	require.Equal(t, insts[1].ID, *out.Payment.InstallmentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ApplyPayment_DuplicateFastPath(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	s, _ := weeklyFixture()
	s.BalanceRemaining = 0
	s.Status = model.SaleCompleted
	ref := "X"
	prior := model.Payment{
		ID: uuid.Must(uuid.NewV4()), SaleID: s.ID, Amount: 60_000, Method: model.MethodGateway,
		BalanceBefore: 60_000, BalanceAfter: 0, ExternalRef: &ref, CreatedAt: ts0,
	}

	mock.ExpectQuery(selPaymentByRef).WithArgs("X").WillReturnRows(paymentRows(prior))
	mock.ExpectQuery(`FROM sales WHERE id=\$1`).WithArgs(s.ID).WillReturnRows(saleRows(s))

	out, err := r.ApplyPayment(context.Background(), model.PaymentInput{
		SaleID: s.ID, Amount: 60_000, Method: model.MethodGateway, ExternalRef: "X", Mode: model.Truncate,
	}, ts0, func(model.Sale) (*model.DeviceCommand, error) {
		t.Fatal("unlock must not be issued for a duplicate")
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.False(t, out.Completed)
	require.Equal(t, prior.ID, out.Payment.ID)
	require.Nil(t, out.Payment.InstallmentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ApplyPayment_ConcurrentDuplicateRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	s, insts := weeklyFixture()
	ref := "Y"
	prior := model.Payment{
		ID: uuid.Must(uuid.NewV4()), SaleID: s.ID, Amount: 10_000, Method: model.MethodGateway,
		BalanceBefore: 80_000, BalanceAfter: 70_000, ExternalRef: &ref, CreatedAt: ts0,
	}
	after := s
	after.BalanceRemaining = 70_000

	mock.ExpectQuery(selPaymentByRef).WithArgs("Y").WillReturnError(pgx.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(selSaleForUpdate).WithArgs(s.ID).WillReturnRows(saleRows(s))
	mock.ExpectQuery(selInstForUpdate).WithArgs(s.ID).WillReturnRows(installmentRows(insts...))
	mock.ExpectExec(updSaleCAS).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(updInstallment).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(insPayment).WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectRollback()
	mock.ExpectQuery(selPaymentByRef).WithArgs("Y").WillReturnRows(paymentRows(prior))
	mock.ExpectQuery(`FROM sales WHERE id=\$1`).WithArgs(s.ID).WillReturnRows(saleRows(after))

	out, err := r.ApplyPayment(context.Background(), model.PaymentInput{
		SaleID: s.ID, Amount: 10_000, Method: model.MethodGateway, ExternalRef: "Y", Mode: model.Truncate,
	}, ts0, nil)
	require.NoError(t, err)
	require.True(t, out.Duplicate)
	require.Equal(t, prior.ID, out.Payment.ID)
	require.Equal(t, model.Money(70_000), out.Sale.BalanceRemaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ApplyPayment_VersionConflict(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	s, insts := weeklyFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(selSaleForUpdate).WithArgs(s.ID).WillReturnRows(saleRows(s))
	mock.ExpectQuery(selInstForUpdate).WithArgs(s.ID).WillReturnRows(installmentRows(insts...))
	mock.ExpectExec(updSaleCAS).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := r.ApplyPayment(context.Background(), model.PaymentInput{
		SaleID: s.ID, Amount: 1_000, Method: model.MethodCash,
	}, ts0, nil)
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ApplyPayment_OverdrawRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	s, insts := weeklyFixture()

	mock.ExpectBegin()
	mock.ExpectQuery(selSaleForUpdate).WithArgs(s.ID).WillReturnRows(saleRows(s))
	mock.ExpectQuery(selInstForUpdate).WithArgs(s.ID).WillReturnRows(installmentRows(insts...))
	mock.ExpectRollback()

	_, err := r.ApplyPayment(context.Background(), model.PaymentInput{
		SaleID: s.ID, Amount: 80_001, Method: model.MethodCash,
	}, ts0, nil)
	require.ErrorIs(t, err, errs.ErrOverdraw)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_ApplyPayment_SaleNotFound(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	id := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(selSaleForUpdate).WithArgs(id).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := r.ApplyPayment(context.Background(), model.PaymentInput{SaleID: id, Amount: 1}, ts0, nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLedgerRepo_ApplyPayment_UnlockBuilderErrRollsBack(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	s, _ := weeklyFixture()
	s.InstallmentCount, s.Frequency, s.InstallmentAmount = 0, "", 0

	mock.ExpectBegin()
	mock.ExpectQuery(selSaleForUpdate).WithArgs(s.ID).WillReturnRows(saleRows(s))
	mock.ExpectQuery(selInstForUpdate).WithArgs(s.ID).WillReturnRows(installmentRows())
	mock.ExpectExec(updSaleCAS).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(insPayment).WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(uuid.Must(uuid.NewV4())))
	mock.ExpectRollback()

	_, err := r.ApplyPayment(context.Background(), model.PaymentInput{SaleID: s.ID, Amount: 80_000}, ts0,
		func(model.Sale) (*model.DeviceCommand, error) { return nil, errors.New("rng") })
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepo_Payments(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLedgerRepo(db)
	s, insts := weeklyFixture()
	p := model.Payment{
		ID: uuid.Must(uuid.NewV4()), SaleID: s.ID, InstallmentID: &insts[0].ID, Amount: 20_000,
		Method: model.MethodCash, BalanceBefore: 80_000, BalanceAfter: 60_000, CreatedAt: ts0,
	}

	mock.ExpectQuery(`FROM payments WHERE sale_id=\$1 ORDER BY created_at, id`).
		WithArgs(s.ID).WillReturnRows(paymentRows(p))
	out, err := r.Payments(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, insts[0].ID, *out[0].InstallmentID)
	require.Equal(t, model.MethodCash, out[0].Method)
	require.Nil(t, out[0].ExternalRef)
}

package postgres

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/lockpay/internal/model"
)

var ts0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var saleColNames = []string{"id", "device_id", "customer_ref", "selling_price", "down_payment", "balance_remaining",
	"installment_amount", "frequency", "installment_count", "status", "sale_date", "completion_date", "version", "created_by"}

func saleRows(s model.Sale) *pgxmock.Rows {
	return pgxmock.NewRows(saleColNames).AddRow(s.ID, s.DeviceID, s.CustomerRef, int64(s.SellingPrice),
		int64(s.DownPayment), int64(s.BalanceRemaining), int64(s.InstallmentAmount), string(s.Frequency),
		s.InstallmentCount, string(s.Status), s.SaleDate, s.CompletionDate, s.Version, s.CreatedBy)
}

var installmentColNames = []string{"id", "sale_id", "sequence", "amount_due", "amount_paid", "due_date", "paid", "paid_date"}

func installmentRows(insts ...model.Installment) *pgxmock.Rows {
	rows := pgxmock.NewRows(installmentColNames)
	for _, in := range insts {
		rows.AddRow(in.ID, in.SaleID, in.Sequence, int64(in.AmountDue), int64(in.AmountPaid), in.DueDate, in.Paid, in.PaidDate)
	}
	return rows
}

var paymentColNames = []string{"id", "sale_id", "installment_id", "amount", "method", "balance_before",
	"balance_after", "external_ref", "recorded_by", "created_at"}

func paymentRows(p model.Payment) *pgxmock.Rows {
	var inst any
	if p.InstallmentID != nil {
		inst = *p.InstallmentID
	}
	return pgxmock.NewRows(paymentColNames).AddRow(p.ID, p.SaleID, inst, int64(p.Amount), string(p.Method),
		int64(p.BalanceBefore), int64(p.BalanceAfter), p.ExternalRef, p.RecordedBy, p.CreatedAt)
}

// weeklyFixture is a 100,000 sale with 20,000 down and four weekly installments of 20,000.
func weeklyFixture() (model.Sale, []model.Installment) {
	s := model.Sale{
		ID:                uuid.Must(uuid.NewV4()),
		DeviceID:          "356938035643809",
		CustomerRef:       "08031234567",
		SellingPrice:      100_000,
		DownPayment:       20_000,
		BalanceRemaining:  80_000,
		InstallmentAmount: 20_000,
		Frequency:         model.Weekly,
		InstallmentCount:  4,
		Status:            model.SaleActive,
		SaleDate:          ts0,
		CreatedBy:         "op",
	}
	insts := make([]model.Installment, 4)
	for i := range insts {
		insts[i] = model.Installment{
			ID:        uuid.Must(uuid.NewV4()),
			SaleID:    s.ID,
			Sequence:  i + 1,
			AmountDue: 20_000,
			DueDate:   ts0.Add(time.Duration(i+1) * 7 * 24 * time.Hour),
		}
	}
	return s, insts
}

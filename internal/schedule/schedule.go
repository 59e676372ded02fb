// Package schedule generates installment due dates from sale terms.
package schedule

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/model"
)

// Generate returns Count installments numbered 1..N, each due amount/frequency periods after start.
// Terms without an installment plan yield a nil schedule (lump-sum credit).
//
// Periods are fixed length: a monthly cadence is 30 days, not a calendar month.
func Generate(saleID uuid.UUID, t model.Terms, start time.Time) ([]model.Installment, error) {
	if !t.HasSchedule() {
		return nil, nil
	}
	period, ok := t.Frequency.Period()
	if !ok {
		return nil, fmt.Errorf("%w: unknown frequency %q", errs.ErrInvalidTerms, t.Frequency)
	}

	out := make([]model.Installment, 0, t.Count)
	for seq := 1; seq <= t.Count; seq++ {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, err
		}
		out = append(out, model.Installment{
			ID:        id,
			SaleID:    saleID,
			Sequence:  seq,
			AmountDue: t.InstallmentAmount,
			DueDate:   start.Add(time.Duration(seq) * period),
		})
	}
	return out, nil
}

// Package ledger holds the balance and installment rules of a sale. It is pure: callers load the
// sale under a row lock, call Apply, and persist the mutated values in the same transaction.
package ledger

import (
	"sort"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/model"
)

// Result describes a successfully applied payment.
type Result struct {
	BalanceBefore model.Money
	BalanceAfter  model.Money
	Applied       model.Money // may be less than requested in Truncate mode
	Completed     bool
	InstallmentID *uuid.UUID // installment the payment record links to
	Touched       []int      // indexes into the installments slice that changed
}

// Apply validates the payment against the sale and mutates sale and installments in place.
// Nothing is mutated when an error is returned.
func Apply(sale *model.Sale, installments []model.Installment, in model.PaymentInput, now time.Time) (Result, error) {
	if in.Amount <= 0 {
		return Result{}, errs.ErrInvalidAmount
	}
	if sale.Status != model.SaleActive {
		return Result{}, &errs.SaleStateError{Status: string(sale.Status)}
	}

	amount := in.Amount
	if amount > sale.BalanceRemaining {
		if in.Mode != model.Truncate {
			return Result{}, errs.ErrOverdraw
		}
		amount = sale.BalanceRemaining
	}

	order := bySequence(installments)
	start := -1
	if in.InstallmentID != nil {
		for _, idx := range order {
			if installments[idx].ID == *in.InstallmentID {
				start = idx
				break
			}
		}
		if start < 0 {
			return Result{}, errs.ErrInstallmentNotFound
		}
	}

	res := Result{
		BalanceBefore: sale.BalanceRemaining,
		BalanceAfter:  sale.BalanceRemaining - amount,
		Applied:       amount,
	}

	// target first, then remaining unpaid installments by sequence
	queue := order
	if start >= 0 {
		queue = make([]int, 0, len(order))
		queue = append(queue, start)
		for _, idx := range order {
			if idx != start {
				queue = append(queue, idx)
			}
		}
	}

	left := amount
	for _, idx := range queue {
		if left == 0 {
			break
		}
		inst := &installments[idx]
		owed := inst.Outstanding()
		if owed == 0 {
			continue
		}
		part := min(owed, left)
		inst.AmountPaid += part
		left -= part
		if !inst.Paid && inst.AmountPaid >= inst.AmountDue {
			inst.Paid = true
			paidAt := now
			inst.PaidDate = &paidAt
		}
		// the record links the first installment that actually received money
		if res.InstallmentID == nil {
			id := inst.ID
			res.InstallmentID = &id
		}
		res.Touched = append(res.Touched, idx)
	}

	sale.BalanceRemaining = res.BalanceAfter
	sale.Version++
	if sale.BalanceRemaining == 0 {
		sale.Status = model.SaleCompleted
		done := now
		sale.CompletionDate = &done
		res.Completed = true
	}
	return res, nil
}

// ValidateTerms checks selling price, down payment and the optional installment group.
func ValidateTerms(t model.Terms) error {
	switch {
	case t.DeviceID == "":
		return errs.ErrInvalidTerms
	case t.SellingPrice < 0, t.DownPayment < 0, t.DownPayment > t.SellingPrice:
		return errs.ErrInvalidTerms
	case t.InstallmentAmount < 0, t.Count < 0:
		return errs.ErrInvalidTerms
	}
	if t.Frequency != "" {
		if _, ok := t.Frequency.Period(); !ok {
			return errs.ErrInvalidTerms
		}
	}
	return nil
}

// NewSale builds an active sale from validated terms. A zero balance yields a completed sale.
func NewSale(id uuid.UUID, t model.Terms, now time.Time, createdBy string) model.Sale {
	s := model.Sale{
		ID:               id,
		DeviceID:         t.DeviceID,
		CustomerRef:      t.CustomerRef,
		SellingPrice:     t.SellingPrice,
		DownPayment:      t.DownPayment,
		BalanceRemaining: t.SellingPrice - t.DownPayment,
		Status:           model.SaleActive,
		SaleDate:         now,
		CreatedBy:        createdBy,
	}
	if t.HasSchedule() {
		s.InstallmentAmount = t.InstallmentAmount
		s.Frequency = t.Frequency
		s.InstallmentCount = t.Count
	}
	if s.BalanceRemaining == 0 {
		s.Status = model.SaleCompleted
		done := now
		s.CompletionDate = &done
	}
	return s
}

// CountOverdue returns unpaid installments due strictly before now.
func CountOverdue(installments []model.Installment, now time.Time) int {
	n := 0
	for _, inst := range installments {
		if !inst.Paid && inst.DueDate.Before(now) {
			n++
		}
	}
	return n
}

func bySequence(installments []model.Installment) []int {
	order := make([]int, len(installments))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return installments[order[a]].Sequence < installments[order[b]].Sequence
	})
	return order
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/ledger"
	"github.com/and161185/lockpay/internal/model"
	"github.com/and161185/lockpay/internal/repository"
)

// EnforcementService answers whether a device should be locked.
type EnforcementService interface {
	// ShouldLock reports lock=true iff the device's active sale has an unpaid installment past due.
	ShouldLock(ctx context.Context, deviceID string) (model.EnforcementStatus, error)
}

type EnforcementImpl struct {
	sales repository.SaleRepository
	deps  Deps
}

// NewEnforcement constructs EnforcementService. It only reads ledger state and never issues commands.
func NewEnforcement(sales repository.SaleRepository, deps Deps) *EnforcementImpl {
	return &EnforcementImpl{sales: sales, deps: deps.withDefaults()}
}

func (e *EnforcementImpl) ShouldLock(ctx context.Context, deviceID string) (model.EnforcementStatus, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return model.EnforcementStatus{}, fmt.Errorf("%w: empty device id", errs.ErrValidation)
	}
	sale, err := e.sales.ActiveByDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			e.deps.Metrics.ObserveEnforcement(false)
			return model.EnforcementStatus{}, nil
		}
		return model.EnforcementStatus{}, err
	}
	insts, err := e.sales.Installments(ctx, sale.ID)
	if err != nil {
		return model.EnforcementStatus{}, err
	}

	id := sale.ID
	st := model.EnforcementStatus{
		OverdueCount: ledger.CountOverdue(insts, e.deps.Clock.Now()),
		Balance:      sale.BalanceRemaining,
		SaleID:       &id,
	}
	st.Lock = st.OverdueCount > 0
	e.deps.Metrics.ObserveEnforcement(st.Lock)
	if st.Lock {
		e.deps.Log.Debug("device overdue",
			zap.String("device_id", deviceID),
			zap.String("sale_id", id.String()),
			zap.Int("overdue", st.OverdueCount),
		)
	}
	return st, nil
}

package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/ledger"
	"github.com/and161185/lockpay/internal/model"
	"github.com/and161185/lockpay/internal/repository"
	"github.com/and161185/lockpay/internal/schedule"
)

// SaleService defines sale creation and ledger queries.
type SaleService interface {
	// CreateSale validates terms and persists the sale with its installment schedule.
	CreateSale(ctx context.Context, terms model.Terms, actor string) (model.SaleDetail, error)
	// GetSale returns a sale with its schedule and payment history.
	GetSale(ctx context.Context, id uuid.UUID) (model.SaleDetail, error)
	// ListOverdue returns unpaid installments past their due date across active sales.
	ListOverdue(ctx context.Context) ([]model.OverdueInstallment, error)
}

type SaleServiceImpl struct {
	sales  repository.SaleRepository
	ledger repository.LedgerRepository
	deps   Deps
}

// NewSaleService constructs SaleService.
func NewSaleService(sales repository.SaleRepository, ledgerRepo repository.LedgerRepository, deps Deps) *SaleServiceImpl {
	return &SaleServiceImpl{sales: sales, ledger: ledgerRepo, deps: deps.withDefaults()}
}

// CreateSale builds the sale and schedule anchored at the current instant.
func (s *SaleServiceImpl) CreateSale(ctx context.Context, terms model.Terms, actor string) (model.SaleDetail, error) {
	terms.DeviceID = strings.TrimSpace(terms.DeviceID)
	terms.CustomerRef = strings.TrimSpace(terms.CustomerRef)
	if err := ledger.ValidateTerms(terms); err != nil {
		return model.SaleDetail{}, err
	}

	now := s.deps.Clock.Now()
	id, err := uuid.NewV4()
	if err != nil {
		return model.SaleDetail{}, err
	}
	sale := ledger.NewSale(id, terms, now, actor)

	var insts []model.Installment
	if sale.Status == model.SaleActive {
		if insts, err = schedule.Generate(sale.ID, terms, now); err != nil {
			return model.SaleDetail{}, err
		}
	}
	if err := s.sales.Create(ctx, &sale, insts); err != nil {
		return model.SaleDetail{}, fmt.Errorf("create sale: %w", err)
	}

	s.deps.Log.Info("sale created",
		zap.String("sale_id", sale.ID.String()),
		zap.String("device_id", sale.DeviceID),
		zap.Int64("balance", int64(sale.BalanceRemaining)),
		zap.Int("installments", len(insts)),
		zap.String("actor", actor),
	)
	return model.SaleDetail{Sale: sale, Installments: insts}, nil
}

// GetSale loads a sale with schedule and payments.
func (s *SaleServiceImpl) GetSale(ctx context.Context, id uuid.UUID) (model.SaleDetail, error) {
	if id == uuid.Nil {
		return model.SaleDetail{}, fmt.Errorf("%w: empty sale id", errs.ErrValidation)
	}
	sale, err := s.sales.Get(ctx, id)
	if err != nil {
		return model.SaleDetail{}, err
	}
	insts, err := s.sales.Installments(ctx, id)
	if err != nil {
		return model.SaleDetail{}, err
	}
	pays, err := s.ledger.Payments(ctx, id)
	if err != nil {
		return model.SaleDetail{}, err
	}
	return model.SaleDetail{Sale: *sale, Installments: insts, Payments: pays}, nil
}

// ListOverdue returns overdue installments as of now.
func (s *SaleServiceImpl) ListOverdue(ctx context.Context) ([]model.OverdueInstallment, error) {
	return s.sales.ListOverdue(ctx, s.deps.Clock.Now())
}

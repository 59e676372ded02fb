// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lockpay/internal/model"
)

// SaleRepository persists sales and their installment schedules.
type SaleRepository interface {
	// Create inserts the sale and its installments atomically.
	// Returns errs.ErrDeviceHasOpenSale if the device already has an active or defaulted sale.
	Create(ctx context.Context, s *model.Sale, installments []model.Installment) error
	// Get loads a sale by id.
	Get(ctx context.Context, id uuid.UUID) (*model.Sale, error)
	// Installments returns the schedule of a sale ordered by sequence.
	Installments(ctx context.Context, saleID uuid.UUID) ([]model.Installment, error)
	// ActiveByDevice returns the active sale of a device, or errs.ErrNotFound.
	ActiveByDevice(ctx context.Context, deviceID string) (*model.Sale, error)
	// ActiveByCustomerRef returns active sales whose customer reference equals ref exactly.
	ActiveByCustomerRef(ctx context.Context, ref string) ([]model.Sale, error)
	// ListOverdue returns unpaid installments of active sales due before now, oldest first.
	ListOverdue(ctx context.Context, now time.Time) ([]model.OverdueInstallment, error)
}

// UnlockFunc builds the unlock command for a sale that has just been completed. It runs inside
// the payment transaction; the returned command is inserted before commit.
type UnlockFunc func(s model.Sale) (*model.DeviceCommand, error)

// LedgerRepository applies payments atomically.
type LedgerRepository interface {
	// ApplyPayment locks the sale, applies the payment through the ledger rules and appends the
	// payment record in one transaction. A non-empty ExternalRef that was already recorded yields
	// a Duplicate outcome carrying the original record and no mutation.
	ApplyPayment(ctx context.Context, in model.PaymentInput, now time.Time, unlock UnlockFunc) (model.PaymentOutcome, error)
	// PaymentByExternalRef returns the payment recorded for a gateway reference, or errs.ErrNotFound.
	PaymentByExternalRef(ctx context.Context, ref string) (*model.Payment, error)
	// Payments lists the payment history of a sale, oldest first.
	Payments(ctx context.Context, saleID uuid.UUID) ([]model.Payment, error)
}

// CommandRepository persists device commands and their state transitions.
type CommandRepository interface {
	// Create inserts a pending command.
	Create(ctx context.Context, c *model.DeviceCommand) error
	// Get loads a command by id.
	Get(ctx context.Context, id uuid.UUID) (*model.DeviceCommand, error)
	// ListDeliverable returns pending commands for a device that are unexpired at now, by issue time.
	ListDeliverable(ctx context.Context, deviceID string, now time.Time) ([]model.DeviceCommand, error)
	// MarkSent moves a command from pending to sent and replaces its secret hash, only if it is
	// still pending and unexpired. It reports whether this call performed the transition.
	MarkSent(ctx context.Context, id uuid.UUID, now time.Time, hash, salt []byte) (bool, error)
	// MarkAcknowledged moves a command from sent to acknowledged if it is still sent and unexpired.
	MarkAcknowledged(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	// ListByDevice returns the newest commands for a device.
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]model.DeviceCommand, error)
	// ExpireStale persists the expired status for pending or sent commands past expiry.
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
}

// WebhookRepository journals gateway notifications.
type WebhookRepository interface {
	// Record inserts a journal entry.
	Record(ctx context.Context, ev *model.WebhookEvent) error
	// Get loads a journal entry by id.
	Get(ctx context.Context, id uuid.UUID) (*model.WebhookEvent, error)
	// ListUnresolved returns unmatched or rejected entries that were not resolved, oldest first.
	ListUnresolved(ctx context.Context, limit int) ([]model.WebhookEvent, error)
	// Resolve stamps the final outcome of an entry.
	Resolve(ctx context.Context, ev *model.WebhookEvent) error
}

// IntentRepository stores gateway payment references registered ahead of payment.
type IntentRepository interface {
	// Create inserts an intent. Returns errs.ErrAlreadyExists if the reference is taken.
	Create(ctx context.Context, in *model.PaymentIntent) error
	// SaleByReference returns the sale an intent points to, or errs.ErrNotFound.
	SaleByReference(ctx context.Context, ref string) (uuid.UUID, error)
}

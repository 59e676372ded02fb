// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Money is an amount in minor currency units (kobo, cents). Never negative in stored state.
type Money int64

// SaleStatus is the lifecycle state of a sale.
type SaleStatus string

const (
	SaleActive    SaleStatus = "active"
	SaleCompleted SaleStatus = "completed"
	SaleDefaulted SaleStatus = "defaulted"
	SaleCancelled SaleStatus = "cancelled"
)

// Frequency is the installment cadence. Periods are fixed length, not calendar based.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Period returns the fixed period for the frequency and false for unknown values.
func (f Frequency) Period() (time.Duration, bool) {
	switch f {
	case Daily:
		return 24 * time.Hour, true
	case Weekly:
		return 7 * 24 * time.Hour, true
	case Monthly:
		return 30 * 24 * time.Hour, true
	}
	return 0, false
}

// Terms are the credit terms a sale is created with. Installment fields are optional as a group.
type Terms struct {
	DeviceID          string
	CustomerRef       string
	SellingPrice      Money
	DownPayment       Money
	InstallmentAmount Money
	Frequency         Frequency
	Count             int
}

// HasSchedule reports whether the terms describe an installment plan.
func (t Terms) HasSchedule() bool {
	return t.InstallmentAmount > 0 && t.Frequency != "" && t.Count > 0
}

// Sale is one device sold to one customer under one set of terms.
type Sale struct {
	ID                uuid.UUID
	DeviceID          string // hardware identifier (IMEI)
	CustomerRef       string // external customer identifier
	SellingPrice      Money
	DownPayment       Money
	BalanceRemaining  Money
	InstallmentAmount Money
	Frequency         Frequency // empty for lump-sum credit
	InstallmentCount  int
	Status            SaleStatus
	SaleDate          time.Time
	CompletionDate    *time.Time
	Version           int64 // bumped on every balance mutation
	CreatedBy         string
}

// Installment is one scheduled due amount belonging to a sale.
type Installment struct {
	ID         uuid.UUID
	SaleID     uuid.UUID
	Sequence   int
	AmountDue  Money
	AmountPaid Money
	DueDate    time.Time
	Paid       bool
	PaidDate   *time.Time
}

// Outstanding returns what is still owed on the installment.
func (i Installment) Outstanding() Money {
	if i.AmountPaid >= i.AmountDue {
		return 0
	}
	return i.AmountDue - i.AmountPaid
}

// OverdueInstallment is an unpaid installment past its due date.
type OverdueInstallment struct {
	Installment
	DeviceID    string
	CustomerRef string
	DaysOverdue int
}

// PaymentMethod is the channel a payment arrived through.
type PaymentMethod string

const (
	MethodCash     PaymentMethod = "cash"
	MethodTransfer PaymentMethod = "transfer"
	MethodGateway  PaymentMethod = "gateway"
)

// Valid reports whether m is a known method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodTransfer, MethodGateway:
		return true
	}
	return false
}

// Payment is an immutable, append-only record of money received.
type Payment struct {
	ID            uuid.UUID
	SaleID        uuid.UUID
	InstallmentID *uuid.UUID
	Amount        Money
	Method        PaymentMethod
	BalanceBefore Money
	BalanceAfter  Money
	ExternalRef   *string
	RecordedBy    string
	CreatedAt     time.Time
}

// ApplyMode selects how an amount larger than the balance is treated.
type ApplyMode int

const (
	// Strict rejects any amount above the remaining balance.
	Strict ApplyMode = iota
	// Truncate clamps the amount to the remaining balance (gateway path only).
	Truncate
)

// PaymentInput is a request to apply money to a sale.
type PaymentInput struct {
	SaleID        uuid.UUID
	Amount        Money
	Method        PaymentMethod
	InstallmentID *uuid.UUID // explicit target; nil selects the lowest unpaid installment
	ExternalRef   string     // idempotency key; empty for manual entries
	RecordedBy    string
	Mode          ApplyMode
}

// PaymentOutcome is the result of applying (or replaying) a payment.
type PaymentOutcome struct {
	Payment   Payment
	Completed bool // this payment moved the sale to completed
	Duplicate bool // ExternalRef was already processed; nothing was mutated
	Sale      Sale
	Unlock    *DeviceCommand // unlock issued in the same transaction when Completed
}

// CommandType is a device instruction.
type CommandType string

const (
	CommandLock   CommandType = "lock"
	CommandUnlock CommandType = "unlock"
)

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool { return t == CommandLock || t == CommandUnlock }

// CommandStatus is the dispatcher state.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandExpired      CommandStatus = "expired"
)

// DeviceCommand is a lock/unlock instruction destined for a device. Only the salted hash of the
// authorization secret is kept.
type DeviceCommand struct {
	ID             uuid.UUID
	DeviceID       string
	SaleID         *uuid.UUID
	Type           CommandType
	Status         CommandStatus
	Reason         string
	TokenHash      []byte
	TokenSalt      []byte
	TokenExpiresAt time.Time
	IssuedBy       string
	IssuedAt       time.Time
	SentAt         *time.Time
	AcknowledgedAt *time.Time
}

// EffectiveStatus treats pending/sent commands past expiry as expired regardless of stored state.
func (c DeviceCommand) EffectiveStatus(now time.Time) CommandStatus {
	if (c.Status == CommandPending || c.Status == CommandSent) && now.After(c.TokenExpiresAt) {
		return CommandExpired
	}
	return c.Status
}

// Delivery is a command handed to a polling device together with its one-time raw secret.
type Delivery struct {
	Command DeviceCommand
	Secret  string
}

// EnforcementStatus answers whether a device should be locked right now.
type EnforcementStatus struct {
	Lock         bool
	OverdueCount int
	Balance      Money
	SaleID       *uuid.UUID
}

// WebhookOutcome records what happened to a journaled gateway event.
type WebhookOutcome string

const (
	WebhookProcessed WebhookOutcome = "processed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookUnmatched WebhookOutcome = "unmatched"
	WebhookRejected  WebhookOutcome = "rejected"
	WebhookIgnored   WebhookOutcome = "ignored"
)

// WebhookEvent is a journaled, signature-verified gateway notification.
type WebhookEvent struct {
	ID          uuid.UUID
	ExternalRef string
	EventType   string
	Amount      Money
	Payload     json.RawMessage
	Outcome     WebhookOutcome
	Resolution  string // how the sale was resolved, or why it was not
	SaleID      *uuid.UUID
	PaymentID   *uuid.UUID
	ReceivedAt  time.Time
	ResolvedAt  *time.Time
}

// PaymentIntent maps a gateway payment reference to a sale, recorded when payment is initiated.
type PaymentIntent struct {
	Reference string
	SaleID    uuid.UUID
	CreatedBy string
	CreatedAt time.Time
}

// SaleDetail is a sale together with its schedule and payment history.
type SaleDetail struct {
	Sale         Sale
	Installments []Installment
	Payments     []Payment
}

// Package events publishes ledger domain events to RabbitMQ. Publishing is best effort: the
// ledger state in PostgreSQL is authoritative and callers log publish failures without failing
// the request.
package events

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Queue names. Routing key equals the queue name on the default exchange.
const (
	QueuePaymentRecorded  = "payment.recorded"
	QueueSaleCompleted    = "sale.completed"
	QueueWebhookUnmatched = "webhook.unmatched"
	QueueCommandIssued    = "command.issued"
)

// Queues lists every queue the publisher declares.
var Queues = []string{QueuePaymentRecorded, QueueSaleCompleted, QueueWebhookUnmatched, QueueCommandIssued}

// Publisher delivers an event body to a named queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, event any) error
	Close() error
}

// PaymentRecorded is emitted after a payment is committed.
type PaymentRecorded struct {
	PaymentID    uuid.UUID `json:"payment_id"`
	SaleID       uuid.UUID `json:"sale_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Method       string    `json:"method"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	At           time.Time `json:"at"`
}

// SaleCompleted is emitted when a payment brings a sale balance to zero.
type SaleCompleted struct {
	SaleID          uuid.UUID `json:"sale_id"`
	DeviceID        string    `json:"device_id"`
	UnlockCommandID uuid.UUID `json:"unlock_command_id"`
	At              time.Time `json:"at"`
}

// WebhookUnmatched is emitted when a gateway event needs an operator.
type WebhookUnmatched struct {
	EventID     uuid.UUID `json:"event_id"`
	ExternalRef string    `json:"external_ref"`
	Amount      int64     `json:"amount"`
	Outcome     string    `json:"outcome"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// CommandIssued is emitted when a device command is created.
type CommandIssued struct {
	CommandID uuid.UUID `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Nop discards events.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, string, any) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

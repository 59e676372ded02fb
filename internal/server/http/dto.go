package httpserver

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lockpay/internal/model"
	"github.com/and161185/lockpay/internal/service"
)

// Amounts are integers in minor currency units.

type createSaleRequest struct {
	DeviceID          string `json:"device_id"`
	CustomerRef       string `json:"customer_ref"`
	SellingPrice      int64  `json:"selling_price"`
	DownPayment       int64  `json:"down_payment"`
	InstallmentAmount int64  `json:"installment_amount"`
	Frequency         string `json:"frequency"`
	InstallmentCount  int    `json:"installment_count"`
}

func (r createSaleRequest) terms() model.Terms {
	return model.Terms{
		DeviceID:          r.DeviceID,
		CustomerRef:       r.CustomerRef,
		SellingPrice:      model.Money(r.SellingPrice),
		DownPayment:       model.Money(r.DownPayment),
		InstallmentAmount: model.Money(r.InstallmentAmount),
		Frequency:         model.Frequency(r.Frequency),
		Count:             r.InstallmentCount,
	}
}

type saleJSON struct {
	ID                uuid.UUID  `json:"id"`
	DeviceID          string     `json:"device_id"`
	CustomerRef       string     `json:"customer_ref,omitempty"`
	SellingPrice      int64      `json:"selling_price"`
	DownPayment       int64      `json:"down_payment"`
	BalanceRemaining  int64      `json:"balance_remaining"`
	InstallmentAmount int64      `json:"installment_amount,omitempty"`
	Frequency         string     `json:"frequency,omitempty"`
	InstallmentCount  int        `json:"installment_count,omitempty"`
	Status            string     `json:"status"`
	SaleDate          time.Time  `json:"sale_date"`
	CompletionDate    *time.Time `json:"completion_date,omitempty"`
	CreatedBy         string     `json:"created_by,omitempty"`
}

func toSaleJSON(s model.Sale) saleJSON {
	return saleJSON{
		ID:                s.ID,
		DeviceID:          s.DeviceID,
		CustomerRef:       s.CustomerRef,
		SellingPrice:      int64(s.SellingPrice),
		DownPayment:       int64(s.DownPayment),
		BalanceRemaining:  int64(s.BalanceRemaining),
		InstallmentAmount: int64(s.InstallmentAmount),
		Frequency:         string(s.Frequency),
		InstallmentCount:  s.InstallmentCount,
		Status:            string(s.Status),
		SaleDate:          s.SaleDate,
		CompletionDate:    s.CompletionDate,
		CreatedBy:         s.CreatedBy,
	}
}

type installmentJSON struct {
	ID         uuid.UUID  `json:"id"`
	Sequence   int        `json:"sequence"`
	AmountDue  int64      `json:"amount_due"`
	AmountPaid int64      `json:"amount_paid"`
	DueDate    time.Time  `json:"due_date"`
	Paid       bool       `json:"paid"`
	PaidDate   *time.Time `json:"paid_date,omitempty"`
}

func toInstallmentJSON(in model.Installment) installmentJSON {
	return installmentJSON{
		ID:         in.ID,
		Sequence:   in.Sequence,
		AmountDue:  int64(in.AmountDue),
		AmountPaid: int64(in.AmountPaid),
		DueDate:    in.DueDate,
		Paid:       in.Paid,
		PaidDate:   in.PaidDate,
	}
}

type paymentJSON struct {
	ID            uuid.UUID  `json:"id"`
	SaleID        uuid.UUID  `json:"sale_id"`
	InstallmentID *uuid.UUID `json:"installment_id,omitempty"`
	Amount        int64      `json:"amount"`
	Method        string     `json:"method"`
	BalanceBefore int64      `json:"balance_before"`
	BalanceAfter  int64      `json:"balance_after"`
	ExternalRef   *string    `json:"external_ref,omitempty"`
	RecordedBy    string     `json:"recorded_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

func toPaymentJSON(p model.Payment) paymentJSON {
	return paymentJSON{
		ID:            p.ID,
		SaleID:        p.SaleID,
		InstallmentID: p.InstallmentID,
		Amount:        int64(p.Amount),
		Method:        string(p.Method),
		BalanceBefore: int64(p.BalanceBefore),
		BalanceAfter:  int64(p.BalanceAfter),
		ExternalRef:   p.ExternalRef,
		RecordedBy:    p.RecordedBy,
		CreatedAt:     p.CreatedAt,
	}
}

type saleDetailJSON struct {
	Sale         saleJSON          `json:"sale"`
	Installments []installmentJSON `json:"installments"`
	Payments     []paymentJSON     `json:"payments"`
}

func toSaleDetailJSON(d model.SaleDetail) saleDetailJSON {
	out := saleDetailJSON{
		Sale:         toSaleJSON(d.Sale),
		Installments: make([]installmentJSON, 0, len(d.Installments)),
		Payments:     make([]paymentJSON, 0, len(d.Payments)),
	}
	for _, in := range d.Installments {
		out.Installments = append(out.Installments, toInstallmentJSON(in))
	}
	for _, p := range d.Payments {
		out.Payments = append(out.Payments, toPaymentJSON(p))
	}
	return out
}

type overdueJSON struct {
	installmentJSON
	SaleID      uuid.UUID `json:"sale_id"`
	DeviceID    string    `json:"device_id"`
	CustomerRef string    `json:"customer_ref,omitempty"`
	DaysOverdue int       `json:"days_overdue"`
}

type manualPaymentRequest struct {
	Amount        int64      `json:"amount"`
	Method        string     `json:"method"`
	InstallmentID *uuid.UUID `json:"installment_id"`
}

type paymentResponse struct {
	Payment          paymentJSON `json:"payment"`
	BalanceRemaining int64       `json:"balance_remaining"`
	SaleStatus       string      `json:"sale_status"`
	Completed        bool        `json:"completed"`
	Duplicate        bool        `json:"duplicate,omitempty"`
	UnlockCommandID  *uuid.UUID  `json:"unlock_command_id,omitempty"`
}

func toPaymentResponse(out model.PaymentOutcome) paymentResponse {
	resp := paymentResponse{
		Payment:          toPaymentJSON(out.Payment),
		BalanceRemaining: int64(out.Sale.BalanceRemaining),
		SaleStatus:       string(out.Sale.Status),
		Completed:        out.Completed,
		Duplicate:        out.Duplicate,
	}
	if out.Unlock != nil {
		id := out.Unlock.ID
		resp.UnlockCommandID = &id
	}
	return resp
}

type intentRequest struct {
	Reference string `json:"reference"`
}

type intentJSON struct {
	Reference string    `json:"reference"`
	SaleID    uuid.UUID `json:"sale_id"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type resolveRequest struct {
	SaleID uuid.UUID `json:"sale_id"`
}

type webhookEventJSON struct {
	ID          uuid.UUID       `json:"id"`
	ExternalRef string          `json:"external_ref,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Amount      int64           `json:"amount"`
	Outcome     string          `json:"outcome"`
	Resolution  string          `json:"resolution,omitempty"`
	SaleID      *uuid.UUID      `json:"sale_id,omitempty"`
	PaymentID   *uuid.UUID      `json:"payment_id,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func toWebhookEventJSON(ev model.WebhookEvent) webhookEventJSON {
	return webhookEventJSON{
		ID:          ev.ID,
		ExternalRef: ev.ExternalRef,
		EventType:   ev.EventType,
		Amount:      int64(ev.Amount),
		Outcome:     string(ev.Outcome),
		Resolution:  ev.Resolution,
		SaleID:      ev.SaleID,
		PaymentID:   ev.PaymentID,
		ReceivedAt:  ev.ReceivedAt,
		ResolvedAt:  ev.ResolvedAt,
		Payload:     ev.Payload,
	}
}

type webhookResultJSON struct {
	Status    string     `json:"status"`
	EventID   uuid.UUID  `json:"event_id"`
	Reason    string     `json:"reason,omitempty"`
	SaleID    *uuid.UUID `json:"sale_id,omitempty"`
	PaymentID *uuid.UUID `json:"payment_id,omitempty"`
	Completed bool       `json:"completed,omitempty"`
}

func toWebhookResultJSON(r service.WebhookResult) webhookResultJSON {
	out := webhookResultJSON{
		Status:    string(r.Outcome),
		EventID:   r.EventID,
		Reason:    r.Reason,
		SaleID:    r.SaleID,
		Completed: r.Completed,
	}
	if r.Payment != nil {
		id := r.Payment.ID
		out.PaymentID = &id
	}
	return out
}

type issueCommandRequest struct {
	Type   string     `json:"type"`
	Reason string     `json:"reason"`
	SaleID *uuid.UUID `json:"sale_id"`
}

type commandJSON struct {
	ID             uuid.UUID  `json:"id"`
	DeviceID       string     `json:"device_id"`
	SaleID         *uuid.UUID `json:"sale_id,omitempty"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	IssuedBy       string     `json:"issued_by"`
	IssuedAt       time.Time  `json:"issued_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

func toCommandJSON(c model.DeviceCommand) commandJSON {
	return commandJSON{
		ID:             c.ID,
		DeviceID:       c.DeviceID,
		SaleID:         c.SaleID,
		Type:           string(c.Type),
		Status:         string(c.Status),
		Reason:         c.Reason,
		ExpiresAt:      c.TokenExpiresAt,
		IssuedBy:       c.IssuedBy,
		IssuedAt:       c.IssuedAt,
		SentAt:         c.SentAt,
		AcknowledgedAt: c.AcknowledgedAt,
	}
}

// deliveryJSON carries the raw secret; it is the only place the secret ever leaves the server.
type deliveryJSON struct {
	CommandID uuid.UUID `json:"command_id"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Secret    string    `json:"secret"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ackRequest struct {
	Secret string `json:"secret"`
}

type ackResponse struct {
	CommandID      uuid.UUID  `json:"command_id"`
	Status         string     `json:"status"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

type statusJSON struct {
	ShouldLock   bool       `json:"should_lock"`
	Balance      int64      `json:"balance"`
	OverdueCount int        `json:"overdue_count"`
	Message      string     `json:"message"`
	SaleID       *uuid.UUID `json:"sale_id,omitempty"`
}

func toStatusJSON(st model.EnforcementStatus) statusJSON {
	out := statusJSON{
		ShouldLock:   st.Lock,
		Balance:      int64(st.Balance),
		OverdueCount: st.OverdueCount,
		SaleID:       st.SaleID,
	}
	switch {
	case st.SaleID == nil:
		out.Message = "No active sale found"
	case st.Lock:
		out.Message = "Payment overdue"
	default:
		out.Message = "Payment up to date"
	}
	return out
}

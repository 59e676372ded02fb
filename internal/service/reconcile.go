package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/events"
	"github.com/and161185/lockpay/internal/gateway"
	"github.com/and161185/lockpay/internal/model"
	"github.com/and161185/lockpay/internal/repository"
)

// PaymentService is the single entry point for money entering a sale.
type PaymentService interface {
	// RecordManualPayment applies an operator-entered cash or transfer payment. Overdraw is rejected.
	RecordManualPayment(ctx context.Context, req ManualPayment) (model.PaymentOutcome, error)
	// Reconcile applies a gateway payment to a resolved sale at most once per external reference.
	Reconcile(ctx context.Context, externalRef string, saleID uuid.UUID, amount model.Money) (model.PaymentOutcome, error)
	// HandleWebhook verifies, journals and reconciles a raw gateway notification.
	HandleWebhook(ctx context.Context, body []byte, signature string) (WebhookResult, error)
	// RegisterIntent maps a gateway payment reference to a sale ahead of payment.
	RegisterIntent(ctx context.Context, saleID uuid.UUID, reference, actor string) (*model.PaymentIntent, error)
	// ListUnmatched returns journaled events awaiting an operator.
	ListUnmatched(ctx context.Context, limit int) ([]model.WebhookEvent, error)
	// ResolveUnmatched replays a journaled event against an operator-chosen sale.
	ResolveUnmatched(ctx context.Context, eventID, saleID uuid.UUID, actor string) (WebhookResult, error)
}

// ManualPayment is an operator-entered payment.
type ManualPayment struct {
	SaleID        uuid.UUID
	Amount        model.Money
	Method        model.PaymentMethod
	InstallmentID *uuid.UUID
	Actor         string
}

// WebhookResult summarizes how a gateway notification was handled.
type WebhookResult struct {
	EventID   uuid.UUID
	Outcome   model.WebhookOutcome
	Reason    string
	SaleID    *uuid.UUID
	Payment   *model.Payment
	Completed bool
}

// Unlocker builds unlock commands inside the payment transaction and announces them after commit.
type Unlocker interface {
	UnlockFor(now time.Time) repository.UnlockFunc
	Announce(ctx context.Context, cmd *model.DeviceCommand)
}

const (
	defaultUnmatchedLimit = 100
	maxUnmatchedLimit     = 1000
)

type ReconcilerImpl struct {
	sales    repository.SaleRepository
	ledger   repository.LedgerRepository
	webhooks repository.WebhookRepository
	intents  repository.IntentRepository
	verifier *gateway.Verifier
	unlock   Unlocker
	deps     Deps
}

// NewReconciler constructs PaymentService.
func NewReconciler(
	sales repository.SaleRepository,
	ledgerRepo repository.LedgerRepository,
	webhooks repository.WebhookRepository,
	intents repository.IntentRepository,
	verifier *gateway.Verifier,
	unlock Unlocker,
	deps Deps,
) *ReconcilerImpl {
	return &ReconcilerImpl{
		sales:    sales,
		ledger:   ledgerRepo,
		webhooks: webhooks,
		intents:  intents,
		verifier: verifier,
		unlock:   unlock,
		deps:     deps.withDefaults(),
	}
}

// RecordManualPayment accepts cash and transfer only; gateway money arrives through the webhook.
func (r *ReconcilerImpl) RecordManualPayment(ctx context.Context, req ManualPayment) (model.PaymentOutcome, error) {
	if req.SaleID == uuid.Nil {
		return model.PaymentOutcome{}, fmt.Errorf("%w: empty sale id", errs.ErrValidation)
	}
	if req.Method != model.MethodCash && req.Method != model.MethodTransfer {
		return model.PaymentOutcome{}, fmt.Errorf("%w: unsupported manual method %q", errs.ErrValidation, req.Method)
	}
	actor := req.Actor
	if actor == "" {
		actor = SystemActor
	}
	return r.apply(ctx, model.PaymentInput{
		SaleID:        req.SaleID,
		Amount:        req.Amount,
		Method:        req.Method,
		InstallmentID: req.InstallmentID,
		RecordedBy:    actor,
		Mode:          model.Strict,
	})
}

// Reconcile clamps the amount to the remaining balance; a replayed reference returns the original record.
func (r *ReconcilerImpl) Reconcile(ctx context.Context, externalRef string, saleID uuid.UUID, amount model.Money) (model.PaymentOutcome, error) {
	return r.reconcile(ctx, externalRef, saleID, amount, SystemActor)
}

func (r *ReconcilerImpl) reconcile(ctx context.Context, externalRef string, saleID uuid.UUID, amount model.Money, actor string) (model.PaymentOutcome, error) {
	externalRef = strings.TrimSpace(externalRef)
	if externalRef == "" {
		return model.PaymentOutcome{}, fmt.Errorf("%w: empty external reference", errs.ErrValidation)
	}
	if saleID == uuid.Nil {
		return model.PaymentOutcome{}, fmt.Errorf("%w: empty sale id", errs.ErrValidation)
	}
	return r.apply(ctx, model.PaymentInput{
		SaleID:      saleID,
		Amount:      amount,
		Method:      model.MethodGateway,
		ExternalRef: externalRef,
		RecordedBy:  actor,
		Mode:        model.Truncate,
	})
}

func (r *ReconcilerImpl) apply(ctx context.Context, in model.PaymentInput) (model.PaymentOutcome, error) {
	now := r.deps.Clock.Now()
	var unlock repository.UnlockFunc
	if r.unlock != nil {
		unlock = r.unlock.UnlockFor(now)
	}
	method := string(in.Method)

	out, err := r.ledger.ApplyPayment(ctx, in, now, unlock)
	if err != nil {
		r.deps.Metrics.ObservePayment(method, paymentResult(err), 0)
		r.deps.Log.Info("payment rejected",
			zap.String("sale_id", in.SaleID.String()),
			zap.String("method", method),
			zap.Int64("amount", int64(in.Amount)),
			zap.Error(err),
		)
		return model.PaymentOutcome{}, err
	}
	if out.Duplicate {
		r.deps.Metrics.ObservePayment(method, "duplicate", 0)
		r.deps.Log.Info("payment already processed",
			zap.String("external_ref", in.ExternalRef),
			zap.String("payment_id", out.Payment.ID.String()),
		)
		return out, nil
	}

	p := out.Payment
	r.deps.Metrics.ObservePayment(method, "applied", int64(p.Amount))
	r.deps.Log.Info("payment applied",
		zap.String("payment_id", p.ID.String()),
		zap.String("sale_id", p.SaleID.String()),
		zap.String("method", method),
		zap.Int64("amount", int64(p.Amount)),
		zap.Int64("balance_before", int64(p.BalanceBefore)),
		zap.Int64("balance_after", int64(p.BalanceAfter)),
		zap.String("actor", p.RecordedBy),
	)
	_ = r.deps.Events.Publish(ctx, events.QueuePaymentRecorded, events.PaymentRecorded{
		PaymentID:    p.ID,
		SaleID:       p.SaleID,
		Amount:       int64(p.Amount),
		BalanceAfter: int64(p.BalanceAfter),
		Method:       method,
		ExternalRef:  in.ExternalRef,
		At:           p.CreatedAt,
	})

	if out.Completed {
		r.deps.Metrics.ObserveSaleCompleted()
		r.deps.Log.Info("sale completed",
			zap.String("sale_id", out.Sale.ID.String()),
			zap.String("device_id", out.Sale.DeviceID),
		)
		completed := events.SaleCompleted{SaleID: out.Sale.ID, DeviceID: out.Sale.DeviceID, At: now}
		if out.Unlock != nil {
			r.unlock.Announce(ctx, out.Unlock)
			completed.UnlockCommandID = out.Unlock.ID
		}
		_ = r.deps.Events.Publish(ctx, events.QueueSaleCompleted, completed)
	}
	return out, nil
}

func paymentResult(err error) string {
	switch {
	case errors.Is(err, errs.ErrOverdraw):
		return "overdraw"
	case errors.Is(err, errs.ErrSaleNotActive):
		return "not_active"
	case errors.Is(err, errs.ErrValidation):
		return "invalid"
	case errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrInstallmentNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrVersionConflict):
		return "conflict"
	}
	return "error"
}

// rejection reports ledger errors that will not change on retry.
func rejection(err error) bool {
	return errors.Is(err, errs.ErrSaleNotActive) ||
		errors.Is(err, errs.ErrValidation) ||
		errors.Is(err, errs.ErrNotFound) ||
		errors.Is(err, errs.ErrOverdraw)
}

// HandleWebhook returns ErrInvalidSignature before anything is parsed or stored. Every other
// notification is journaled. An error is returned only when a retry by the gateway can help.
func (r *ReconcilerImpl) HandleWebhook(ctx context.Context, body []byte, signature string) (WebhookResult, error) {
	if err := r.verifier.Verify(body, signature); err != nil {
		r.deps.Metrics.ObserveWebhook("invalid_signature")
		r.deps.Log.Warn("webhook signature rejected", zap.Int("bytes", len(body)))
		return WebhookResult{}, err
	}

	ev := &model.WebhookEvent{
		ID:         uuid.Must(uuid.NewV4()),
		Payload:    rawPayload(body),
		ReceivedAt: r.deps.Clock.Now(),
	}
	parsed, err := gateway.Parse(body)
	ev.ExternalRef = parsed.ExternalRef
	ev.EventType = parsed.Type
	if err != nil {
		return r.journal(ctx, ev, model.WebhookRejected, err.Error())
	}
	if !parsed.Successful() {
		return r.journal(ctx, ev, model.WebhookIgnored, "event type "+parsed.Type)
	}
	ev.Amount = parsed.Amount

	saleID, how, err := r.resolveSale(ctx, parsed)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("resolve sale: %w", err)
	}
	if saleID == uuid.Nil {
		return r.journal(ctx, ev, model.WebhookUnmatched, how)
	}
	ev.SaleID = &saleID

	out, err := r.reconcile(ctx, parsed.ExternalRef, saleID, parsed.Amount, SystemActor)
	if err != nil {
		if rejection(err) {
			return r.journal(ctx, ev, model.WebhookRejected, how+": "+err.Error())
		}
		return WebhookResult{}, err
	}

	outcome := model.WebhookProcessed
	if out.Duplicate {
		outcome = model.WebhookDuplicate
	}
	pay := out.Payment
	ev.Outcome = outcome
	ev.Resolution = how
	ev.SaleID = &pay.SaleID
	ev.PaymentID = &pay.ID
	if err := r.webhooks.Record(ctx, ev); err != nil {
		// money is already committed; a gateway retry would only journal a duplicate
		r.deps.Log.Error("webhook journal failed",
			zap.String("event_id", ev.ID.String()),
			zap.String("external_ref", ev.ExternalRef),
			zap.Error(err),
		)
	}
	r.deps.Metrics.ObserveWebhook(string(outcome))
	return WebhookResult{
		EventID:   ev.ID,
		Outcome:   outcome,
		Reason:    how,
		SaleID:    &pay.SaleID,
		Payment:   &pay,
		Completed: out.Completed,
	}, nil
}

// journal stores an event that moved no money. Failing to store it is returned so the gateway retries.
func (r *ReconcilerImpl) journal(ctx context.Context, ev *model.WebhookEvent, outcome model.WebhookOutcome, reason string) (WebhookResult, error) {
	ev.Outcome = outcome
	ev.Resolution = reason
	if err := r.webhooks.Record(ctx, ev); err != nil {
		return WebhookResult{}, fmt.Errorf("journal webhook: %w", err)
	}
	r.deps.Metrics.ObserveWebhook(string(outcome))

	log := r.deps.Log.With(
		zap.String("event_id", ev.ID.String()),
		zap.String("external_ref", ev.ExternalRef),
		zap.String("outcome", string(outcome)),
		zap.String("reason", reason),
	)
	if outcome == model.WebhookIgnored {
		log.Debug("webhook ignored")
	} else {
		log.Warn("webhook needs manual reconciliation")
		_ = r.deps.Events.Publish(ctx, events.QueueWebhookUnmatched, events.WebhookUnmatched{
			EventID:     ev.ID,
			ExternalRef: ev.ExternalRef,
			Amount:      int64(ev.Amount),
			Outcome:     string(outcome),
			Reason:      reason,
			At:          ev.ReceivedAt,
		})
	}
	return WebhookResult{EventID: ev.ID, Outcome: outcome, Reason: reason, SaleID: ev.SaleID}, nil
}

// resolveSale tries registered intents, then the customer reference, then a prior payment with
// the same external reference. A nil id with a reason means no sale could be resolved.
func (r *ReconcilerImpl) resolveSale(ctx context.Context, e gateway.Event) (uuid.UUID, string, error) {
	for _, c := range []struct{ ref, how string }{
		{e.PaymentReference, "intent:payment_reference"},
		{e.ProductReference, "intent:product_reference"},
	} {
		if c.ref == "" {
			continue
		}
		id, err := r.intents.SaleByReference(ctx, c.ref)
		if err == nil {
			return id, c.how, nil
		}
		if !errors.Is(err, errs.ErrNotFound) {
			return uuid.Nil, "", err
		}
	}

	reason := "no matching sale"
	if e.CustomerID != "" {
		sales, err := r.sales.ActiveByCustomerRef(ctx, e.CustomerID)
		if err != nil {
			return uuid.Nil, "", err
		}
		switch len(sales) {
		case 0:
		case 1:
			return sales[0].ID, "customer_ref", nil
		default:
			reason = fmt.Sprintf("customer %q has %d active sales", e.CustomerID, len(sales))
		}
	}

	prior, err := r.ledger.PaymentByExternalRef(ctx, e.ExternalRef)
	if err == nil {
		return prior.SaleID, "external_ref", nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return uuid.Nil, "", err
	}
	return uuid.Nil, reason, nil
}

// rawPayload keeps valid JSON as is and wraps anything else as a JSON string.
func rawPayload(body []byte) json.RawMessage {
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	b, _ := json.Marshal(string(body))
	return b
}

// RegisterIntent records the reference for an active sale.
func (r *ReconcilerImpl) RegisterIntent(ctx context.Context, saleID uuid.UUID, reference, actor string) (*model.PaymentIntent, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("%w: empty payment reference", errs.ErrValidation)
	}
	sale, err := r.sales.Get(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if sale.Status != model.SaleActive {
		return nil, &errs.SaleStateError{Status: string(sale.Status)}
	}
	in := &model.PaymentIntent{
		Reference: reference,
		SaleID:    saleID,
		CreatedBy: actor,
		CreatedAt: r.deps.Clock.Now(),
	}
	if err := r.intents.Create(ctx, in); err != nil {
		return nil, err
	}
	r.deps.Log.Info("payment intent registered",
		zap.String("sale_id", saleID.String()),
		zap.String("reference", reference),
		zap.String("actor", actor),
	)
	return in, nil
}

func (r *ReconcilerImpl) ListUnmatched(ctx context.Context, limit int) ([]model.WebhookEvent, error) {
	if limit <= 0 {
		limit = defaultUnmatchedLimit
	}
	return r.webhooks.ListUnresolved(ctx, min(limit, maxUnmatchedLimit))
}

// ResolveUnmatched applies the journaled amount to saleID and stamps the event as resolved.
func (r *ReconcilerImpl) ResolveUnmatched(ctx context.Context, eventID, saleID uuid.UUID, actor string) (WebhookResult, error) {
	ev, err := r.webhooks.Get(ctx, eventID)
	if err != nil {
		return WebhookResult{}, err
	}
	if ev.ResolvedAt != nil || (ev.Outcome != model.WebhookUnmatched && ev.Outcome != model.WebhookRejected) {
		return WebhookResult{}, errs.ErrAlreadyResolved
	}
	parsed, err := gateway.Parse(ev.Payload)
	if err != nil {
		return WebhookResult{}, err
	}
	if !parsed.Successful() {
		return WebhookResult{}, fmt.Errorf("%w: event %s moves no money", errs.ErrValidation, parsed.Type)
	}
	if actor == "" {
		actor = SystemActor
	}

	out, err := r.reconcile(ctx, parsed.ExternalRef, saleID, parsed.Amount, actor)
	if err != nil {
		return WebhookResult{}, err
	}

	now := r.deps.Clock.Now()
	pay := out.Payment
	ev.Outcome = model.WebhookProcessed
	if out.Duplicate {
		ev.Outcome = model.WebhookDuplicate
	}
	ev.Resolution = "operator:" + actor
	ev.SaleID = &pay.SaleID
	ev.PaymentID = &pay.ID
	ev.ResolvedAt = &now
	if err := r.webhooks.Resolve(ctx, ev); err != nil {
		if errors.Is(err, errs.ErrVersionConflict) {
			return WebhookResult{}, errs.ErrAlreadyResolved
		}
		return WebhookResult{}, err
	}
	r.deps.Metrics.ObserveWebhook("resolved")
	r.deps.Log.Info("webhook resolved",
		zap.String("event_id", ev.ID.String()),
		zap.String("sale_id", pay.SaleID.String()),
		zap.String("actor", actor),
	)
	return WebhookResult{
		EventID:   ev.ID,
		Outcome:   ev.Outcome,
		Reason:    ev.Resolution,
		SaleID:    &pay.SaleID,
		Payment:   &pay,
		Completed: out.Completed,
	}, nil
}

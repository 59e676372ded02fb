package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/gateway"
	"github.com/and161185/lockpay/internal/ledger"
	"github.com/and161185/lockpay/internal/metrics"
	"github.com/and161185/lockpay/internal/model"
	"github.com/and161185/lockpay/internal/repository"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// memStore is an in-memory ledger shared by the repository fakes. One mutex stands in for the
// row locks of the real store.
type memStore struct {
	mu        sync.Mutex
	sales     map[uuid.UUID]model.Sale
	insts     map[uuid.UUID][]model.Installment
	payments  []model.Payment
	cmds      map[uuid.UUID]model.DeviceCommand
	hooks     map[uuid.UUID]model.WebhookEvent
	hookOrder []uuid.UUID
	intents   map[string]model.PaymentIntent

	recordErr error

	// markSentFailAt makes the n-th MarkSent call fail (1-based, 0 disables).
	markSentFailAt int
	markSentCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		sales:   map[uuid.UUID]model.Sale{},
		insts:   map[uuid.UUID][]model.Installment{},
		cmds:    map[uuid.UUID]model.DeviceCommand{},
		hooks:   map[uuid.UUID]model.WebhookEvent{},
		intents: map[string]model.PaymentIntent{},
	}
}

type (
	fakeSales    struct{ *memStore }
	fakeLedger   struct{ *memStore }
	fakeCommands struct{ *memStore }
	fakeWebhooks struct{ *memStore }
	fakeIntents  struct{ *memStore }
)

var (
	_ repository.SaleRepository    = fakeSales{}
	_ repository.LedgerRepository  = fakeLedger{}
	_ repository.CommandRepository = fakeCommands{}
	_ repository.WebhookRepository = fakeWebhooks{}
	_ repository.IntentRepository  = fakeIntents{}
)

func (f fakeSales) Create(_ context.Context, s *model.Sale, installments []model.Installment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.sales {
		if o.DeviceID == s.DeviceID && (o.Status == model.SaleActive || o.Status == model.SaleDefaulted) {
			return errs.ErrDeviceHasOpenSale
		}
	}
	f.sales[s.ID] = *s
	f.insts[s.ID] = append([]model.Installment(nil), installments...)
	return nil
}

func (f fakeSales) Get(_ context.Context, id uuid.UUID) (*model.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sales[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &s, nil
}

func (f fakeSales) Installments(_ context.Context, saleID uuid.UUID) ([]model.Installment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Installment(nil), f.insts[saleID]...), nil
}

func (f fakeSales) ActiveByDevice(_ context.Context, deviceID string) (*model.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sales {
		if s.DeviceID == deviceID && s.Status == model.SaleActive {
			return &s, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f fakeSales) ActiveByCustomerRef(_ context.Context, ref string) ([]model.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Sale
	for _, s := range f.sales {
		if s.CustomerRef == ref && s.Status == model.SaleActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f fakeSales) ListOverdue(_ context.Context, now time.Time) ([]model.OverdueInstallment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.OverdueInstallment
	for id, s := range f.sales {
		if s.Status != model.SaleActive {
			continue
		}
		for _, in := range f.insts[id] {
			if !in.Paid && in.DueDate.Before(now) {
				out = append(out, model.OverdueInstallment{
					Installment: in,
					DeviceID:    s.DeviceID,
					CustomerRef: s.CustomerRef,
					DaysOverdue: int(now.Sub(in.DueDate) / (24 * time.Hour)),
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(out[j].DueDate) })
	return out, nil
}

func (f fakeLedger) ApplyPayment(_ context.Context, in model.PaymentInput, now time.Time, unlock repository.UnlockFunc) (model.PaymentOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if in.ExternalRef != "" {
		for _, p := range f.payments {
			if p.ExternalRef != nil && *p.ExternalRef == in.ExternalRef {
				return model.PaymentOutcome{Payment: p, Duplicate: true, Sale: f.sales[p.SaleID]}, nil
			}
		}
	}
	sale, ok := f.sales[in.SaleID]
	if !ok {
		return model.PaymentOutcome{}, errs.ErrNotFound
	}
	insts := append([]model.Installment(nil), f.insts[in.SaleID]...)
	res, err := ledger.Apply(&sale, insts, in, now)
	if err != nil {
		return model.PaymentOutcome{}, err
	}

	p := model.Payment{
		ID:            uuid.Must(uuid.NewV4()),
		SaleID:        sale.ID,
		InstallmentID: res.InstallmentID,
		Amount:        res.Applied,
		Method:        in.Method,
		BalanceBefore: res.BalanceBefore,
		BalanceAfter:  res.BalanceAfter,
		RecordedBy:    in.RecordedBy,
		CreatedAt:     now,
	}
	if in.ExternalRef != "" {
		ref := in.ExternalRef
		p.ExternalRef = &ref
	}
	out := model.PaymentOutcome{Payment: p, Completed: res.Completed, Sale: sale}
	if res.Completed && unlock != nil {
		cmd, err := unlock(sale)
		if err != nil {
			return model.PaymentOutcome{}, err
		}
		f.cmds[cmd.ID] = *cmd
		out.Unlock = cmd
	}
	f.sales[sale.ID] = sale
	f.insts[sale.ID] = insts
	f.payments = append(f.payments, p)
	return out, nil
}

func (f fakeLedger) PaymentByExternalRef(_ context.Context, ref string) (*model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.ExternalRef != nil && *p.ExternalRef == ref {
			return &p, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (f fakeLedger) Payments(_ context.Context, saleID uuid.UUID) ([]model.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Payment
	for _, p := range f.payments {
		if p.SaleID == saleID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f fakeCommands) Create(_ context.Context, c *model.DeviceCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds[c.ID] = *c
	return nil
}

func (f fakeCommands) Get(_ context.Context, id uuid.UUID) (*model.DeviceCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cmds[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

func (f fakeCommands) ListDeliverable(_ context.Context, deviceID string, now time.Time) ([]model.DeviceCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DeviceCommand
	for _, c := range f.cmds {
		if c.DeviceID == deviceID && c.Status == model.CommandPending && !now.After(c.TokenExpiresAt) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (f fakeCommands) MarkSent(_ context.Context, id uuid.UUID, now time.Time, hash, salt []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markSentCalls++
	if f.markSentFailAt > 0 && f.markSentCalls == f.markSentFailAt {
		return false, errors.New("connection reset")
	}
	c, ok := f.cmds[id]
	if !ok || c.Status != model.CommandPending || now.After(c.TokenExpiresAt) {
		return false, nil
	}
	c.Status = model.CommandSent
	c.SentAt = &now
	c.TokenHash, c.TokenSalt = hash, salt
	f.cmds[id] = c
	return true, nil
}

func (f fakeCommands) MarkAcknowledged(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cmds[id]
	if !ok || c.Status != model.CommandSent || now.After(c.TokenExpiresAt) {
		return false, nil
	}
	c.Status = model.CommandAcknowledged
	c.AcknowledgedAt = &now
	f.cmds[id] = c
	return true, nil
}

func (f fakeCommands) ListByDevice(_ context.Context, deviceID string, limit int) ([]model.DeviceCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DeviceCommand
	for _, c := range f.cmds {
		if c.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f fakeCommands) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, c := range f.cmds {
		if (c.Status == model.CommandPending || c.Status == model.CommandSent) && c.TokenExpiresAt.Before(now) {
			c.Status = model.CommandExpired
			f.cmds[id] = c
			n++
		}
	}
	return n, nil
}

func (f fakeCommands) byType(deviceID string, typ model.CommandType) []model.DeviceCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.DeviceCommand
	for _, c := range f.cmds {
		if c.DeviceID == deviceID && c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func (f fakeWebhooks) Record(_ context.Context, ev *model.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return f.recordErr
	}
	f.hooks[ev.ID] = *ev
	f.hookOrder = append(f.hookOrder, ev.ID)
	return nil
}

func (f fakeWebhooks) Get(_ context.Context, id uuid.UUID) (*model.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.hooks[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &ev, nil
}

func (f fakeWebhooks) ListUnresolved(_ context.Context, limit int) ([]model.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.WebhookEvent
	for _, id := range f.hookOrder {
		ev := f.hooks[id]
		if ev.ResolvedAt == nil && (ev.Outcome == model.WebhookUnmatched || ev.Outcome == model.WebhookRejected) {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f fakeWebhooks) Resolve(_ context.Context, ev *model.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.hooks[ev.ID]
	if !ok || cur.ResolvedAt != nil {
		return errs.ErrVersionConflict
	}
	f.hooks[ev.ID] = *ev
	return nil
}

func (f fakeWebhooks) all() []model.WebhookEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.WebhookEvent, 0, len(f.hookOrder))
	for _, id := range f.hookOrder {
		out = append(out, f.hooks[id])
	}
	return out
}

func (f fakeIntents) Create(_ context.Context, in *model.PaymentIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.intents[in.Reference]; ok {
		return errs.ErrAlreadyExists
	}
	f.intents[in.Reference] = *in
	return nil
}

func (f fakeIntents) SaleByReference(_ context.Context, ref string) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[ref]
	if !ok {
		return uuid.Nil, errs.ErrNotFound
	}
	return in.SaleID, nil
}

// stepClock is a settable clock.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type published struct {
	queue string
	event any
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) Publish(_ context.Context, queue string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{queue: queue, event: event})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) queues() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.queue)
	}
	return out
}

type fakeLimiter struct {
	mu        sync.Mutex
	blocked   bool
	blockAt   int
	failures  int
	successes int
}

func (l *fakeLimiter) Allow(context.Context, uuid.UUID, []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.blocked {
		return false, time.Minute, nil
	}
	return true, 0, nil
}

func (l *fakeLimiter) Success(context.Context, uuid.UUID, []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes++
	l.failures = 0
	return nil
}

func (l *fakeLimiter) Failure(context.Context, uuid.UUID, []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures++
	if l.blockAt > 0 && l.failures >= l.blockAt {
		l.blocked = true
		return true, time.Minute, nil
	}
	return false, 0, nil
}

// harness wires every service over one memStore.
type harness struct {
	store    *memStore
	clock    *stepClock
	events   *fakePublisher
	limiter  *fakeLimiter
	metrics  *metrics.Metrics
	sales    *SaleServiceImpl
	payments *ReconcilerImpl
	dispatch *DispatcherImpl
	enforce  *EnforcementImpl
}

const webhookSecret = "whsec-test"

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		clock:   &stepClock{now: t0},
		events:  &fakePublisher{},
		limiter: &fakeLimiter{},
		metrics: metrics.New(),
	}
	deps := Deps{Clock: h.clock, Log: zaptest.NewLogger(t), Metrics: h.metrics, Events: h.events}
	h.sales = NewSaleService(fakeSales{h.store}, fakeLedger{h.store}, deps)
	h.dispatch = NewDispatcher(fakeCommands{h.store}, nil, h.limiter, deps)
	h.payments = NewReconciler(fakeSales{h.store}, fakeLedger{h.store}, fakeWebhooks{h.store}, fakeIntents{h.store},
		gateway.NewVerifier(webhookSecret), h.dispatch, deps)
	h.enforce = NewEnforcement(fakeSales{h.store}, deps)
	return h
}

func weeklyTerms(device string) model.Terms {
	return model.Terms{
		DeviceID:          device,
		CustomerRef:       "2348012345678",
		SellingPrice:      100_000,
		DownPayment:       20_000,
		InstallmentAmount: 20_000,
		Frequency:         model.Weekly,
		Count:             4,
	}
}

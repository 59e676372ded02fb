package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/lockpay/internal/errs"
	"github.com/and161185/lockpay/internal/events"
	"github.com/and161185/lockpay/internal/limiter"
	"github.com/and161185/lockpay/internal/model"
	"github.com/and161185/lockpay/internal/repository"
	"github.com/and161185/lockpay/internal/token"
)

// DispatchService drives the device command state machine.
type DispatchService interface {
	// Issue creates a pending command for a device.
	Issue(ctx context.Context, req IssueRequest) (*model.DeviceCommand, error)
	// Deliver hands every deliverable pending command to the polling device exactly once.
	Deliver(ctx context.Context, deviceID string) ([]model.Delivery, error)
	// Acknowledge verifies the secret and moves a sent command to acknowledged.
	Acknowledge(ctx context.Context, id uuid.UUID, secret, clientIP string) (*model.DeviceCommand, error)
	// History lists the newest commands for a device with effective status.
	History(ctx context.Context, deviceID string, limit int) ([]model.DeviceCommand, error)
	// ExpireStale persists the expired status for lapsed commands.
	ExpireStale(ctx context.Context) (int64, error)
}

// IssueRequest describes a command to create.
type IssueRequest struct {
	DeviceID string
	SaleID   *uuid.UUID
	Type     model.CommandType
	Reason   string
	Actor    string
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type DispatcherImpl struct {
	cmds   repository.CommandRepository
	issuer *token.Issuer
	lim    limiter.Limiter
	deps   Deps
}

// NewDispatcher constructs DispatchService. A nil limiter disables acknowledgment throttling.
func NewDispatcher(cmds repository.CommandRepository, issuer *token.Issuer, lim limiter.Limiter, deps Deps) *DispatcherImpl {
	if issuer == nil {
		issuer = token.NewIssuer(token.DefaultTTL)
	}
	if lim == nil {
		lim = limiter.Nop{}
	}
	return &DispatcherImpl{cmds: cmds, issuer: issuer, lim: lim, deps: deps.withDefaults()}
}

// NewCommand builds a pending command with a freshly minted secret. Only the hash is kept.
func (d *DispatcherImpl) NewCommand(req IssueRequest, now time.Time) (*model.DeviceCommand, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", errs.ErrValidation)
	}
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown command type %q", errs.ErrValidation, req.Type)
	}
	tok, err := d.issuer.Issue(now)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	actor := req.Actor
	if actor == "" {
		actor = SystemActor
	}
	return &model.DeviceCommand{
		ID:             id,
		DeviceID:       req.DeviceID,
		SaleID:         req.SaleID,
		Type:           req.Type,
		Status:         model.CommandPending,
		Reason:         req.Reason,
		TokenHash:      tok.Hash,
		TokenSalt:      tok.Salt,
		TokenExpiresAt: tok.ExpiresAt,
		IssuedBy:       actor,
		IssuedAt:       now,
	}, nil
}

// UnlockFor returns the builder used inside the payment transaction when a sale completes.
func (d *DispatcherImpl) UnlockFor(now time.Time) repository.UnlockFunc {
	return func(s model.Sale) (*model.DeviceCommand, error) {
		id := s.ID
		return d.NewCommand(IssueRequest{
			DeviceID: s.DeviceID,
			SaleID:   &id,
			Type:     model.CommandUnlock,
			Reason:   "sale completed",
			Actor:    SystemActor,
		}, now)
	}
}

// Issue persists a new pending command.
func (d *DispatcherImpl) Issue(ctx context.Context, req IssueRequest) (*model.DeviceCommand, error) {
	now := d.deps.Clock.Now()
	cmd, err := d.NewCommand(req, now)
	if err != nil {
		return nil, err
	}
	if err := d.cmds.Create(ctx, cmd); err != nil {
		return nil, fmt.Errorf("create command: %w", err)
	}
	d.Announce(ctx, cmd)
	return cmd, nil
}

// Announce records metrics, logs and publishes a freshly created command.
func (d *DispatcherImpl) Announce(ctx context.Context, cmd *model.DeviceCommand) {
	d.deps.Metrics.ObserveCommandIssued(string(cmd.Type))
	d.deps.Log.Info("command issued",
		zap.String("command_id", cmd.ID.String()),
		zap.String("device_id", cmd.DeviceID),
		zap.String("type", string(cmd.Type)),
		zap.String("actor", cmd.IssuedBy),
	)
	_ = d.deps.Events.Publish(ctx, events.QueueCommandIssued, events.CommandIssued{
		CommandID: cmd.ID, DeviceID: cmd.DeviceID, Type: string(cmd.Type), Reason: cmd.Reason, At: cmd.IssuedAt,
	})
}

// Deliver re-mints each deliverable command's secret and claims it with a conditional update.
// A command lost to a concurrent poll is skipped, so each command is returned to one poll only.
// A store failure after some commands were claimed returns those deliveries without an error.
func (d *DispatcherImpl) Deliver(ctx context.Context, deviceID string) ([]model.Delivery, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", errs.ErrValidation)
	}
	now := d.deps.Clock.Now()
	pending, err := d.cmds.ListDeliverable(ctx, deviceID, now)
	if err != nil {
		return nil, err
	}

	out := make([]model.Delivery, 0, len(pending))
	for _, cmd := range pending {
		tok, err := token.Mint()
		if err == nil {
			var won bool
			won, err = d.cmds.MarkSent(ctx, cmd.ID, now, tok.Hash, tok.Salt)
			if err == nil && !won {
				continue
			}
		}
		if err != nil {
			// claimed commands carry the only copy of their secret; the rest stay pending
			if len(out) == 0 {
				return nil, fmt.Errorf("deliver %s: %w", cmd.ID, err)
			}
			d.deps.Log.Warn("delivery cut short",
				zap.String("device_id", deviceID),
				zap.String("command_id", cmd.ID.String()),
				zap.Int("delivered", len(out)),
				zap.Error(err),
			)
			break
		}
		sentAt := now
		cmd.Status = model.CommandSent
		cmd.SentAt = &sentAt
		cmd.TokenHash, cmd.TokenSalt = tok.Hash, tok.Salt
		out = append(out, model.Delivery{Command: cmd, Secret: tok.Secret})
	}
	d.deps.Metrics.ObserveDelivered(len(out))
	if len(out) > 0 {
		d.deps.Log.Info("commands delivered", zap.String("device_id", deviceID), zap.Int("count", len(out)))
	}
	return out, nil
}

// Acknowledge checks expiry first, then the secret, then performs the sent to acknowledged
// transition. Repeating an acknowledgment with the right secret succeeds without change.
func (d *DispatcherImpl) Acknowledge(ctx context.Context, id uuid.UUID, secret, clientIP string) (*model.DeviceCommand, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: empty command id", errs.ErrValidation)
	}
	ipHash := limiter.HashIP(clientIP)
	allowed, _, err := d.lim.Allow(ctx, id, ipHash)
	if err != nil {
		return nil, err
	}
	if !allowed {
		d.deps.Metrics.ObserveAck("rate_limited")
		return nil, errs.ErrRateLimited
	}

	cmd, err := d.cmds.Get(ctx, id)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			d.deps.Metrics.ObserveAck("not_found")
		}
		return nil, err
	}
	now := d.deps.Clock.Now()

	switch cmd.EffectiveStatus(now) {
	case model.CommandAcknowledged:
		if !token.Verify(secret, cmd.TokenSalt, cmd.TokenHash) {
			return nil, d.rejectSecret(ctx, cmd, ipHash)
		}
		d.deps.Metrics.ObserveAck("repeat")
		return cmd, nil
	case model.CommandExpired:
		d.deps.Metrics.ObserveAck("expired")
		return nil, errs.ErrCommandExpired
	case model.CommandPending:
		d.deps.Metrics.ObserveAck("not_sent")
		return nil, errs.ErrCommandState
	}

	if !token.Verify(secret, cmd.TokenSalt, cmd.TokenHash) {
		return nil, d.rejectSecret(ctx, cmd, ipHash)
	}

	ok, err := d.cmds.MarkAcknowledged(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// lost a race: either a concurrent ack won or the token lapsed in between
		cur, err := d.cmds.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == model.CommandAcknowledged {
			return cur, nil
		}
		if cur.EffectiveStatus(d.deps.Clock.Now()) == model.CommandExpired {
			return nil, errs.ErrCommandExpired
		}
		return nil, errs.ErrCommandState
	}

	if err := d.lim.Success(ctx, id, ipHash); err != nil {
		d.deps.Log.Warn("ack limiter reset failed", zap.String("command_id", id.String()), zap.Error(err))
	}
	ackAt := now
	cmd.Status = model.CommandAcknowledged
	cmd.AcknowledgedAt = &ackAt
	d.deps.Metrics.ObserveAck("ok")
	d.deps.Log.Info("command acknowledged",
		zap.String("command_id", id.String()),
		zap.String("device_id", cmd.DeviceID),
		zap.String("type", string(cmd.Type)),
	)
	return cmd, nil
}

func (d *DispatcherImpl) rejectSecret(ctx context.Context, cmd *model.DeviceCommand, ipHash []byte) error {
	d.deps.Metrics.ObserveAck("secret_mismatch")
	d.deps.Log.Warn("command secret mismatch",
		zap.String("command_id", cmd.ID.String()),
		zap.String("device_id", cmd.DeviceID),
	)
	blocked, _, err := d.lim.Failure(ctx, cmd.ID, ipHash)
	if err == nil && blocked {
		return errs.ErrRateLimited
	}
	return errs.ErrSecretMismatch
}

// History lists commands with their effective status.
func (d *DispatcherImpl) History(ctx context.Context, deviceID string, limit int) ([]model.DeviceCommand, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("%w: empty device id", errs.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	cmds, err := d.cmds.ListByDevice(ctx, deviceID, limit)
	if err != nil {
		return nil, err
	}
	now := d.deps.Clock.Now()
	for i := range cmds {
		cmds[i].Status = cmds[i].EffectiveStatus(now)
	}
	return cmds, nil
}

// ExpireStale persists expired for lapsed commands.
func (d *DispatcherImpl) ExpireStale(ctx context.Context) (int64, error) {
	now := d.deps.Clock.Now()
	n, err := d.cmds.ExpireStale(ctx, now)
	if err != nil {
		return 0, err
	}
	d.deps.Metrics.ObserveSweep(n, now)
	if n > 0 {
		d.deps.Log.Info("commands expired", zap.Int64("count", n))
	}
	return n, nil
}

// Package service contains the sale ledger, payment reconciliation, device command dispatch and
// enforcement services.
package service

import (
	"go.uber.org/zap"

	"github.com/and161185/lockpay/internal/clock"
	"github.com/and161185/lockpay/internal/events"
	"github.com/and161185/lockpay/internal/metrics"
)

// SystemActor is recorded for mutations not triggered by an operator.
const SystemActor = "system"

// Deps are the ambient collaborators shared by all services.
type Deps struct {
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Events  events.Publisher
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return d
}

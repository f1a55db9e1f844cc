package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"checkoutsaga/domain/saga"
	"checkoutsaga/infrastructure/bus"
	"checkoutsaga/infrastructure/sagastore"
	"checkoutsaga/pkg/metrics"
)

// Reaper is the stage-timeout sweeper of §5 and the compensation-deadline
// enforcement of §4.5/SPEC_FULL §21. It is adapted from
// infrastructure/outbox/publisher.go's ticker-driven poll-and-act loop:
// instead of polling for unpublished outbox rows, it polls sagastore for
// sagas stuck past their deadline and synthesizes the forcing event the
// engine's ordinary transition table already knows how to handle.
type Reaper struct {
	store   sagastore.Store
	gateway bus.Gateway
	log     *logrus.Logger
	metrics *metrics.Metrics

	pollInterval         time.Duration
	stageTimeout         time.Duration
	compensationDeadline time.Duration
	newID                func() string
}

func NewReaper(
	store sagastore.Store,
	gateway bus.Gateway,
	log *logrus.Logger,
	m *metrics.Metrics,
	pollInterval, stageTimeout, compensationDeadline time.Duration,
	newID func() string,
) *Reaper {
	return &Reaper{
		store:                store,
		gateway:              gateway,
		log:                  log,
		metrics:              m,
		pollInterval:         pollInterval,
		stageTimeout:         stageTimeout,
		compensationDeadline: compensationDeadline,
		newID:                newID,
	}
}

// Start runs the sweep loop until ctx is canceled.
func (r *Reaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.log.Info("stage-timeout reaper started")

	for {
		select {
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.log.WithError(err).Error("reaper sweep failed")
			}
		case <-ctx.Done():
			r.log.Info("stage-timeout reaper stopped")
			return nil
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) error {
	// A saga in COMPENSATING is subject to the longer compensation
	// deadline; every other non-terminal state uses the stage timeout.
	// Scanning at the tighter cutoff and re-checking per-record state
	// avoids two separate store queries.
	cutoff := time.Now().Add(-r.stageTimeout)
	stale, err := r.store.Stale(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, rec := range stale {
		eventType, stage := r.forcingEvent(rec)
		if eventType == "" {
			continue
		}

		env := saga.Envelope{
			Type:    eventType,
			SagaID:  rec.SagaID,
			EventID: r.newID(),
			Reason:  "stage_timeout",
		}

		if err := r.gateway.Send(ctx, saga.TopicCheckoutEvents, env); err != nil {
			r.log.WithError(err).WithField("saga_id", rec.SagaID).Warn("reaper failed to publish forcing event")
			continue
		}
		if r.metrics != nil {
			r.metrics.ReaperTimeouts.WithLabelValues(stage).Inc()
		}
	}
	return nil
}

// forcingEvent maps a stuck record's state to the synthetic event that
// drives it forward (§5 "emits a synthetic <Stage>Failed event"), and to
// COMPENSATING records it applies the longer compensation deadline before
// emitting CompensationTimedOut (SPEC_FULL §21).
func (r *Reaper) forcingEvent(rec *saga.Record) (eventType, stage string) {
	switch rec.State {
	case saga.StateInventoryReservationPending:
		return saga.EventInventoryReservationFailed, "inventory_reservation"
	case saga.StatePaymentProcessingPending:
		return saga.EventPaymentFailed, "payment_processing"
	case saga.StateOrderCreationPending:
		return saga.EventOrderCreationFailed, "order_creation"
	case saga.StateCartClearancePending:
		return saga.EventCartClearanceFailed, "cart_clearance"
	case saga.StateCompensating:
		if time.Since(rec.UpdatedAt) < r.compensationDeadline {
			return "", ""
		}
		return saga.EventCompensationTimedOut, "compensating"
	default:
		return "", ""
	}
}

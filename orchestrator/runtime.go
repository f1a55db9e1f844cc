// Package orchestrator is C6: the consume-apply-persist cycle plus the
// stage-timeout reaper. Adapted from the teacher's application/saga
// handlers (Start, handle*, idempotency check via repository) generalized
// from per-event RabbitMQ subscriptions to a single Kafka consumer group
// over the topics of §4.3.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"checkoutsaga/domain/saga"
	"checkoutsaga/infrastructure/bus"
	"checkoutsaga/infrastructure/sagastore"
	"checkoutsaga/internal/errs"
	"checkoutsaga/pkg/logging"
	"checkoutsaga/pkg/metrics"
)

// Runtime owns the consume-apply-persist cycle of §4.6.
type Runtime struct {
	store   sagastore.Store
	gateway bus.Gateway
	engine  *saga.Engine
	log     *logrus.Logger
	metrics *metrics.Metrics

	publishMaxRetries int
	publishBaseDelay  time.Duration
}

func NewRuntime(store sagastore.Store, gateway bus.Gateway, engine *saga.Engine, log *logrus.Logger, m *metrics.Metrics) *Runtime {
	return &Runtime{
		store:             store,
		gateway:           gateway,
		engine:            engine,
		log:               log,
		metrics:           m,
		publishMaxRetries: 5,
		publishBaseDelay:  100 * time.Millisecond,
	}
}

// Start runs the consumer loop over every topic carrying inbound replies
// (§4.3). It blocks until ctx is canceled.
func (rt *Runtime) Start(ctx context.Context) error {
	topics := []string{saga.TopicCheckoutInitiated, saga.TopicCheckoutEvents}
	rt.log.WithField("topics", topics).Info("orchestrator runtime starting")
	return rt.gateway.Consume(ctx, topics, rt.handle)
}

// handle is the per-message cycle of §4.6, steps 2-7 (decode already
// happened in the bus layer's ConsumeClaim, step 1).
func (rt *Runtime) handle(ctx context.Context, d bus.Delivery) error {
	env := d.Envelope
	logger := logging.WithSaga(rt.log, env.SagaID, env.EventID)

	rec, err := rt.store.Load(ctx, env.SagaID)
	if err != nil {
		if errors.Is(err, sagastore.ErrNotFound) {
			// §4.6 step 2: nothing to fail; ack and drop.
			logger.Warn("dropping event for unknown saga")
			return nil
		}
		lerr := errs.TransientExternal("sagastore_load", err)
		logClassified(logger, lerr, "failed to load saga record")
		return lerr
	}

	if rec.HasProcessed(env.EventID) {
		// §4.6 step 3, the idempotency gate.
		logger.Debug("event already processed, skipping")
		return nil
	}

	outcome, err := rt.engine.Handle(ctx, rec, env)
	if err != nil {
		return fmt.Errorf("orchestrator: engine: %w", err)
	}

	if !outcome.Persist {
		// Unknown (state, event) pairing (§4.5 edge policy): the saga is
		// not modified, nothing to publish or persist.
		logger.Debug("no transition for current state, dropping")
		return nil
	}

	for _, cmd := range outcome.Commands {
		if err := rt.publishWithRetry(ctx, topicFor(cmd.Type), cmd); err != nil {
			// §4.6 step 5: persistent publish failure must not reach
			// step 6, so redelivery retries the whole handler.
			logClassified(logger, err, fmt.Sprintf("failed to publish %s", cmd.Type))
			return err
		}
	}

	if outcome.MarkProcessed {
		outcome.Record.ProcessedEventIDs = append(outcome.Record.ProcessedEventIDs, env.EventID)
	}
	outcome.Record.UpdatedAt = time.Now()

	if err := rt.store.Update(ctx, outcome.Record, rec.Version); err != nil {
		if errors.Is(err, sagastore.ErrConflict) {
			// §4.6 step 6 / §4.5 tie-break: the loser's in-memory work is
			// dropped; returning an error leaves the offset uncommitted so
			// the runtime re-consumes and re-derives from the new state.
			logger.Info("conditional update conflict, will re-consume")
			return err
		}
		perr := errs.TransientExternal("sagastore_update", err)
		logClassified(logger, perr, "failed to persist saga record")
		return perr
	}

	if !outcome.MarkProcessed {
		// Pricing sub-step failed (§4.5): the retry count is persisted but
		// the event stays unprocessed, and returning an error leaves the
		// offset uncommitted so the event is redelivered and pricing retried.
		rerr := errs.TransientExternal("pricing", fmt.Errorf("pricing failed for %s, awaiting redelivery", env.Type))
		logClassified(logger, rerr, "pricing sub-step failed")
		return rerr
	}

	if rt.metrics != nil {
		rt.metrics.TransitionsTotal.WithLabelValues(env.Type).Inc()
		if outcome.Record.State == saga.StateCompleted {
			rt.metrics.SagasCompleted.Inc()
		} else if outcome.Record.State == saga.StateFailed {
			rt.metrics.SagasFailed.Inc()
		}
	}

	return nil
}

// publishWithRetry retries broker publish with exponential backoff, for at
// most publishMaxRetries attempts. When every attempt fails it returns a
// TransientExternal error, so handle skips persistence and leaves the offset
// uncommitted (§4.6 step 5).
func (rt *Runtime) publishWithRetry(ctx context.Context, topic string, env saga.Envelope) error {
	delay := rt.publishBaseDelay
	var lastErr error
	for attempt := 0; attempt < rt.publishMaxRetries; attempt++ {
		if err := rt.gateway.Send(ctx, topic, env); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if rt.metrics != nil {
			rt.metrics.PublishRetries.Inc()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return errs.TransientExternal("bus_publish", fmt.Errorf("exhausted %d publish attempts: %w", rt.publishMaxRetries, lastErr))
}

// logClassified logs err at a severity driven by its errs.Kind (§7, §11)
// rather than treating every failure the same: kinds expected to clear on
// their own (transient/timeout) log as warnings, everything else as an
// error.
func logClassified(logger *logrus.Entry, err error, msg string) {
	kind, ok := errs.KindOf(err)
	if !ok {
		logger.WithError(err).Error(msg)
		return
	}
	entry := logger.WithError(err).WithField("error_kind", kind)
	switch kind {
	case errs.KindTransientExternal, errs.KindTimeout:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}
}

// topicFor routes an outbound command to its contractual topic (§4.3, §6).
func topicFor(commandType string) string {
	switch commandType {
	case saga.CommandReserveInventory, saga.CommandCompensateInventory:
		return saga.TopicInventoryCommand
	case saga.CommandProcessPayment, saga.CommandCompensatePayment:
		return saga.TopicPaymentCommand
	case saga.CommandCreateOrder:
		return saga.TopicOrderCommand
	case saga.CommandClearCart:
		return saga.TopicCartCommand
	default:
		// OperatorAlert and any other event-shaped outbound message is
		// republished onto the reply topic so operators/monitors consuming
		// checkout.checkout-events see it.
		return saga.TopicCheckoutEvents
	}
}

// Package bus is C3: publish commands to named topics, consume replies from
// subscribed topics, and expose a decoded envelope stream with manual
// commit semantics. Grounded on
// silvio-godinho-.../exemplos/saga/orquestrado/orquestrador (sarama sync
// producer + consumer group) — see DESIGN.md for why Kafka replaces the
// teacher's RabbitMQ wrapper.
package bus

import (
	"context"

	"checkoutsaga/domain/saga"
)

// Delivery is one decoded inbound record (§4.3): topic/partition/offset
// plus the envelope, handed to the runtime's callback. Offset commit only
// happens once Handler returns nil (manual commit, driven by the runtime).
type Delivery struct {
	Topic     string
	Partition int32
	Offset    int64
	Envelope  saga.Envelope
}

// Handler processes one Delivery. A non-nil error prevents the offset from
// being committed so the message is redelivered.
type Handler func(ctx context.Context, d Delivery) error

// Gateway is C3's contract.
type Gateway interface {
	// Send publishes env on topic, keyed by env.SagaID so all of one
	// saga's traffic lands on one partition (§5 per-saga serialization).
	// It returns only once the broker has durably acknowledged the write
	// (§4.3 producer-side ack).
	Send(ctx context.Context, topic string, env saga.Envelope) error

	// Consume runs handler over every message on topics until ctx is
	// canceled. It blocks; callers run it in a goroutine.
	Consume(ctx context.Context, topics []string, handler Handler) error

	Close() error
}

// Package sagastore is C1: durable storage of saga records with a
// conditional-update discipline (§4.1). Store has two implementations —
// Postgres (the production path, adapted from
// infrastructure/idempotency/processed_events.go and
// infrastructure/outbox/publisher.go's pq.Array usage) and an in-memory one
// selected by USE_IN_MEMORY_DB for tests and local runs.
package sagastore

import (
	"context"
	"errors"
	"time"

	"checkoutsaga/domain/saga"
)

// ErrConflict is returned by Update when the version fence does not match
// — another writer won the race (§4.1, §9 "per-saga row lock").
var ErrConflict = errors.New("sagastore: version conflict")

// ErrNotFound is returned by Load when no record exists for the saga id.
var ErrNotFound = errors.New("sagastore: saga not found")

// ErrAlreadyExists is returned by Create on a duplicate saga_id.
var ErrAlreadyExists = errors.New("sagastore: saga already exists")

// Store is C1's contract. Update is conditional: it succeeds only if the
// stored version still equals expectedVersion, atomically persisting State,
// Context, and ProcessedEventIDs together (§4.1 "processed but not applied"
// invariant).
type Store interface {
	Create(ctx context.Context, rec *saga.Record) error
	Load(ctx context.Context, sagaID string) (*saga.Record, error)
	Update(ctx context.Context, rec *saga.Record, expectedVersion int64) error

	// Stale returns non-terminal records whose UpdatedAt is at or before
	// the cutoff, for the reaper's stage-timeout sweep (§5).
	Stale(ctx context.Context, cutoff time.Time) ([]*saga.Record, error)
}

package sagastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"checkoutsaga/domain/saga"
)

// PostgresStore is the production Store, adapted from the teacher's
// idempotency repository (table shape, ON CONFLICT idiom) and outbox
// publisher (pq.Array for set-valued columns).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Bootstrap creates the sagas table if absent (§4.1 "On startup, the store
// bootstraps its schema if absent").
func (s *PostgresStore) Bootstrap(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS sagas (
			saga_id             UUID PRIMARY KEY,
			user_id             UUID NOT NULL,
			cart_id             UUID NOT NULL,
			state               VARCHAR(64) NOT NULL,
			context             JSONB NOT NULL,
			processed_event_ids TEXT[] NOT NULL DEFAULT '{}',
			created_at          TIMESTAMPTZ NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL,
			version             BIGINT NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS idx_sagas_state_updated_at ON sagas(state, updated_at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, rec *saga.Record) error {
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("sagastore: marshal context: %w", err)
	}

	query := `
		INSERT INTO sagas (saga_id, user_id, cart_id, state, context, processed_event_ids, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.SagaID, rec.UserID, rec.CartID, string(rec.State), ctxJSON,
		pq.Array(rec.ProcessedEventIDs), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("sagastore: create: %w", err)
	}
	rec.Version = 1
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sagaID string) (*saga.Record, error) {
	query := `
		SELECT saga_id, user_id, cart_id, state, context, processed_event_ids, created_at, updated_at, version
		FROM sagas WHERE saga_id = $1
	`
	row := s.db.QueryRowContext(ctx, query, sagaID)
	return scanRecord(row)
}

func (s *PostgresStore) Update(ctx context.Context, rec *saga.Record, expectedVersion int64) error {
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("sagastore: marshal context: %w", err)
	}

	query := `
		UPDATE sagas
		SET state = $1, context = $2, processed_event_ids = $3, updated_at = $4, version = version + 1
		WHERE saga_id = $5 AND version = $6
	`
	result, err := s.db.ExecContext(ctx, query,
		string(rec.State), ctxJSON, pq.Array(rec.ProcessedEventIDs), rec.UpdatedAt,
		rec.SagaID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("sagastore: update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sagastore: update rows affected: %w", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) Stale(ctx context.Context, cutoff time.Time) ([]*saga.Record, error) {
	query := `
		SELECT saga_id, user_id, cart_id, state, context, processed_event_ids, created_at, updated_at, version
		FROM sagas
		WHERE state NOT IN ($1, $2) AND updated_at <= $3
		ORDER BY updated_at ASC
		LIMIT 200
	`
	rows, err := s.db.QueryContext(ctx, query, string(saga.StateCompleted), string(saga.StateFailed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("sagastore: stale scan: %w", err)
	}
	defer rows.Close()

	var out []*saga.Record
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*saga.Record, error) {
	rec, err := scanRecordRows(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecordRows(row rowScanner) (*saga.Record, error) {
	var (
		rec       saga.Record
		stateStr  string
		ctxJSON   []byte
		processed []string
	)
	err := row.Scan(
		&rec.SagaID, &rec.UserID, &rec.CartID, &stateStr, &ctxJSON,
		pq.Array(&processed), &rec.CreatedAt, &rec.UpdatedAt, &rec.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("sagastore: scan: %w", err)
	}

	rec.State = saga.State(stateStr)
	rec.ProcessedEventIDs = processed
	if err := json.Unmarshal(ctxJSON, &rec.Context); err != nil {
		return nil, fmt.Errorf("sagastore: unmarshal context: %w", err)
	}
	return &rec, nil
}

// isUniqueViolation detects Postgres error code 23505, adapted from
// infrastructure/eventstore/serializer.go's isUniqueViolation.
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}

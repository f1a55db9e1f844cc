package sagastore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"checkoutsaga/domain/saga"
)

// MemoryStore implements Store entirely in-process, selected by
// USE_IN_MEMORY_DB=true. The original service swaps a SQLite in-memory URL
// for its database handle (core/config.py); here the equivalent is an
// interface seam rather than a driver swap, since Go's database/sql has no
// in-memory Postgres driver.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*saga.Record
	version map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*saga.Record),
		version: make(map[string]int64),
	}
}

// deepCopy round-trips through JSON to give callers a record that cannot
// alias the store's internal state — the same isolation the Postgres path
// gets for free by serializing to a column and back.
func deepCopy(rec *saga.Record) (*saga.Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var out saga.Record
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out.Version = rec.Version
	return &out, nil
}

func (m *MemoryStore) Create(ctx context.Context, rec *saga.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.SagaID]; exists {
		return ErrAlreadyExists
	}
	cp, err := deepCopy(rec)
	if err != nil {
		return err
	}
	cp.Version = 1
	m.records[rec.SagaID] = cp
	m.version[rec.SagaID] = 1
	rec.Version = 1
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, sagaID string) (*saga.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[sagaID]
	if !exists {
		return nil, ErrNotFound
	}
	cp, err := deepCopy(rec)
	if err != nil {
		return nil, err
	}
	cp.Version = m.version[sagaID]
	return cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, rec *saga.Record, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.SagaID]; !exists {
		return ErrNotFound
	}
	if m.version[rec.SagaID] != expectedVersion {
		return ErrConflict
	}

	cp, err := deepCopy(rec)
	if err != nil {
		return err
	}
	newVersion := expectedVersion + 1
	cp.Version = newVersion
	m.records[rec.SagaID] = cp
	m.version[rec.SagaID] = newVersion
	rec.Version = newVersion
	return nil
}

func (m *MemoryStore) Stale(ctx context.Context, cutoff time.Time) ([]*saga.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*saga.Record
	for id, rec := range m.records {
		if rec.State.Terminal() {
			continue
		}
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		cp, err := deepCopy(rec)
		if err != nil {
			return nil, err
		}
		cp.Version = m.version[id]
		out = append(out, cp)
	}
	return out, nil
}

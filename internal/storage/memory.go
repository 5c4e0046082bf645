package storage

import (
	"context"
	"sync"

	"github.com/google/uuid"

	apperrors "entitylink/internal/errors"
	"entitylink/internal/schema"
	"entitylink/internal/types"
)

// MemoryRecordStore is an in-memory RecordStore used by tests and the demo.
// It honors the same uniqueness contract as the SQL stores, so the
// creation-race path is exercisable without a database.
type MemoryRecordStore struct {
	mu           sync.Mutex
	records      map[string]map[string]types.FieldMap // recordType -> id -> data
	registry     *schema.Registry
	partialScore float64
	stats        *StoreStats
}

// NewMemoryRecordStore creates an empty in-memory record store.
func NewMemoryRecordStore(registry *schema.Registry, partialScore float64) *MemoryRecordStore {
	return &MemoryRecordStore{
		records:      make(map[string]map[string]types.FieldMap),
		registry:     registry,
		partialScore: partialScore,
		stats:        NewStoreStats(),
	}
}

func (m *MemoryRecordStore) checkType(recordType string) error {
	if _, ok := m.registry.Get(recordType); !ok {
		return apperrors.NewUnknownRecordTypeError(recordType)
	}
	return nil
}

// Search scans all records of the type and scores field matches.
func (m *MemoryRecordStore) Search(ctx context.Context, recordType, field, value string) ([]types.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.OperationCounts["search"]++

	if err := m.checkType(recordType); err != nil {
		m.stats.ErrorCounts["search"]++
		return nil, err
	}

	var candidates []types.Candidate
	for id, data := range m.records[recordType] {
		stored, ok := data.StringValue(field)
		if !ok {
			continue
		}
		score, source, ok := MatchScore(stored, value, m.partialScore)
		if !ok {
			continue
		}
		candidates = append(candidates, types.Candidate{
			ID:     id,
			Data:   data.Clone(),
			Score:  score,
			Source: types.CandidateSource(source),
		})
	}
	return candidates, nil
}

// Get returns one record's data by id.
func (m *MemoryRecordStore) Get(ctx context.Context, recordType, id string) (types.FieldMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.OperationCounts["get"]++

	if err := m.checkType(recordType); err != nil {
		return nil, err
	}
	data, ok := m.records[recordType][id]
	if !ok {
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeNotFound, "record not found: "+id, nil)
	}
	return data.Clone(), nil
}

// CreateIfAbsent inserts unless a record with the same normalized unique
// value already exists. The whole check-and-insert runs under one lock, which
// is the serialized create-if-absent the resolution contract requires.
func (m *MemoryRecordStore) CreateIfAbsent(ctx context.Context, recordType, uniqueField string, data types.FieldMap) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.OperationCounts["create_if_absent"]++

	if err := m.checkType(recordType); err != nil {
		m.stats.ErrorCounts["create_if_absent"]++
		return "", false, err
	}

	value, ok := data.StringValue(uniqueField)
	if !ok {
		return "", false, apperrors.NewRequiredFieldError(uniqueField)
	}

	for id, existing := range m.records[recordType] {
		stored, ok := existing.StringValue(uniqueField)
		if ok && Normalize(stored) == Normalize(value) {
			return id, false, nil
		}
	}

	id := uuid.New().String()
	if m.records[recordType] == nil {
		m.records[recordType] = make(map[string]types.FieldMap)
	}
	m.records[recordType][id] = data.Clone()
	return id, true, nil
}

// Update replaces a record's data.
func (m *MemoryRecordStore) Update(ctx context.Context, recordType, id string, data types.FieldMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.OperationCounts["update"]++

	if err := m.checkType(recordType); err != nil {
		return err
	}
	if _, ok := m.records[recordType][id]; !ok {
		return apperrors.NewStandardError(apperrors.ErrorCodeNotFound, "record not found: "+id, nil)
	}
	m.records[recordType][id] = data.Clone()
	return nil
}

// Count returns how many records of a type exist.
func (m *MemoryRecordStore) Count(recordType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[recordType])
}

// HealthCheck always succeeds for the in-memory store.
func (m *MemoryRecordStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MemoryRecordStore) Close() error {
	return nil
}

// Package storage provides the record store and semantic index adapters the
// resolution engine searches and writes through. It ships SQLite and
// PostgreSQL record stores, a Qdrant-backed semantic index, and an in-memory
// store for tests.
package storage

import (
	"context"

	"entitylink/internal/types"
)

// RecordStore is the persistence boundary for resolvable records. Search is
// textual (exact and case-insensitive substring); similarity search lives on
// SemanticIndex.
type RecordStore interface {
	// Search returns candidates whose field matches value, exact matches
	// scored 1.0 and partial matches scored with the configured constant.
	// Zero matches is an empty list, not an error. An unregistered record
	// type is an error, never a silent empty list.
	Search(ctx context.Context, recordType, field, value string) ([]types.Candidate, error)

	// Get returns one record's field map by id.
	Get(ctx context.Context, recordType, id string) (types.FieldMap, error)

	// CreateIfAbsent inserts a record unless one with the same value in
	// uniqueField already exists for the record type. created=false with a
	// non-empty id signals the caller lost a creation race.
	CreateIfAbsent(ctx context.Context, recordType, uniqueField string, data types.FieldMap) (id string, created bool, err error)

	// Update replaces a record's field map in place.
	Update(ctx context.Context, recordType, id string, data types.FieldMap) error

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}

// SemanticIndex is the similarity search boundary. It is optional per record
// type; implementations report failures as errors and the engine degrades to
// the record store alone.
type SemanticIndex interface {
	// Search returns candidates scored by the index's similarity metric,
	// already normalized to [0,1], tagged types.SourceSemantic.
	Search(ctx context.Context, recordType, value string, limit int) ([]types.Candidate, error)

	// Index adds a newly created record so later searches can find it.
	Index(ctx context.Context, recordType, id, text string, data types.FieldMap) error

	// HealthCheck verifies the index is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}

// StoreStats tracks per-operation counters for a record store.
type StoreStats struct {
	OperationCounts map[string]int64 `json:"operation_counts"`
	ErrorCounts     map[string]int64 `json:"error_counts"`
}

// NewStoreStats returns zeroed counters.
func NewStoreStats() *StoreStats {
	return &StoreStats{
		OperationCounts: make(map[string]int64),
		ErrorCounts:     make(map[string]int64),
	}
}

// Record is one persisted row: an id plus its field map.
type Record struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Data types.FieldMap `json:"data"`
}

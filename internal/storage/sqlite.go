package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	apperrors "entitylink/internal/errors"
	"entitylink/internal/logging"
	"entitylink/internal/schema"
	"entitylink/internal/types"
)

// SQLiteRecordStore implements RecordStore on SQLite. Records are stored as
// JSON blobs with a normalized unique key column; a unique index on
// (record_type, unique_key) backs the conflict-checked insert.
type SQLiteRecordStore struct {
	db           *sql.DB
	registry     *schema.Registry
	partialScore float64
	logger       logging.Logger
	stats        *StoreStats
}

// NewSQLiteRecordStore opens (or creates) a SQLite-backed record store.
func NewSQLiteRecordStore(dsn string, registry *schema.Registry, partialScore float64, logger logging.Logger) (*SQLiteRecordStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// during concurrent create-if-absent races.
	db.SetMaxOpenConns(1)

	store := &SQLiteRecordStore{
		db:           db,
		registry:     registry,
		partialScore: partialScore,
		logger:       logger,
		stats:        NewStoreStats(),
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteRecordStore) migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS records (
			id          TEXT PRIMARY KEY,
			record_type TEXT NOT NULL,
			unique_key  TEXT NOT NULL,
			data        TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			updated_at  TIMESTAMP NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_records_type_unique
			ON records (record_type, unique_key);
		CREATE INDEX IF NOT EXISTS idx_records_type ON records (record_type);`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate records table: %w", err)
	}
	return nil
}

func (s *SQLiteRecordStore) checkType(recordType string) error {
	if _, ok := s.registry.Get(recordType); !ok {
		return apperrors.NewUnknownRecordTypeError(recordType)
	}
	return nil
}

// Search loads the type's records and scores field matches in Go so
// normalization agrees with every other store implementation.
func (s *SQLiteRecordStore) Search(ctx context.Context, recordType, field, value string) ([]types.Candidate, error) {
	s.stats.OperationCounts["search"]++
	if err := s.checkType(recordType); err != nil {
		s.stats.ErrorCounts["search"]++
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM records WHERE record_type = ?`, recordType)
	if err != nil {
		s.stats.ErrorCounts["search"]++
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "record search failed", err.Error())
	}
	defer func() { _ = rows.Close() }()

	var candidates []types.Candidate
	for rows.Next() {
		var id, dataJSON string
		if err := rows.Scan(&id, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var data types.FieldMap
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			s.logger.Error("Failed to unmarshal record data", "record_id", id, "error", err)
			continue
		}

		stored, ok := data.StringValue(field)
		if !ok {
			continue
		}
		score, source, ok := MatchScore(stored, value, s.partialScore)
		if !ok {
			continue
		}
		candidates = append(candidates, types.Candidate{
			ID:     id,
			Data:   data,
			Score:  score,
			Source: types.CandidateSource(source),
		})
	}
	return candidates, rows.Err()
}

// Get returns one record's field map by id.
func (s *SQLiteRecordStore) Get(ctx context.Context, recordType, id string) (types.FieldMap, error) {
	s.stats.OperationCounts["get"]++
	if err := s.checkType(recordType); err != nil {
		return nil, err
	}

	var dataJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE record_type = ? AND id = ?`, recordType, id).Scan(&dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeNotFound, "record not found: "+id, nil)
	}
	if err != nil {
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "record lookup failed", err.Error())
	}

	var data types.FieldMap
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record data: %w", err)
	}
	return data, nil
}

// CreateIfAbsent inserts with INSERT OR IGNORE against the unique index and
// reads the winner's id back when the insert lost.
func (s *SQLiteRecordStore) CreateIfAbsent(ctx context.Context, recordType, uniqueField string, data types.FieldMap) (string, bool, error) {
	s.stats.OperationCounts["create_if_absent"]++
	if err := s.checkType(recordType); err != nil {
		s.stats.ErrorCounts["create_if_absent"]++
		return "", false, err
	}

	value, ok := data.StringValue(uniqueField)
	if !ok {
		return "", false, apperrors.NewRequiredFieldError(uniqueField)
	}
	uniqueKey := Normalize(value)

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal record data: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (id, record_type, unique_key, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, recordType, uniqueKey, string(dataJSON), now, now)
	if err != nil {
		s.stats.ErrorCounts["create_if_absent"]++
		return "", false, apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "record creation failed", err.Error())
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 1 {
		s.logger.Debug("Created record", "record_type", recordType, "id", id)
		return id, true, nil
	}

	// Lost the race: surface the existing record's id.
	var existingID string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM records WHERE record_type = ? AND unique_key = ?`,
		recordType, uniqueKey).Scan(&existingID)
	if err != nil {
		return "", false, apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "conflict lookup failed", err.Error())
	}
	return existingID, false, nil
}

// Update replaces a record's field map and refreshes its unique key.
func (s *SQLiteRecordStore) Update(ctx context.Context, recordType, id string, data types.FieldMap) error {
	s.stats.OperationCounts["update"]++
	if err := s.checkType(recordType); err != nil {
		return err
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal record data: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE records SET data = ?, updated_at = ? WHERE record_type = ? AND id = ?`,
		string(dataJSON), time.Now().UTC(), recordType, id)
	if err != nil {
		return apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "record update failed", err.Error())
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NewStandardError(apperrors.ErrorCodeNotFound, "record not found: "+id, nil)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteRecordStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "sqlite ping failed", err.Error())
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteRecordStore) Close() error {
	return s.db.Close()
}

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	apperrors "entitylink/internal/errors"
	"entitylink/internal/logging"
	"entitylink/internal/schema"
	"entitylink/internal/types"
)

// PostgresRecordStore implements RecordStore on PostgreSQL with a JSONB data
// column and a unique constraint on (record_type, unique_key).
type PostgresRecordStore struct {
	db           *sql.DB
	registry     *schema.Registry
	partialScore float64
	logger       logging.Logger
	stats        *StoreStats
}

// NewPostgresRecordStore connects to PostgreSQL and ensures the schema.
func NewPostgresRecordStore(dsn string, registry *schema.Registry, partialScore float64, logger logging.Logger) (*PostgresRecordStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &PostgresRecordStore{
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

func (s *PostgresRecordStore) migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS records (
			id          TEXT PRIMARY KEY,
			record_type TEXT NOT NULL,
			unique_key  TEXT NOT NULL,
			data        JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			CONSTRAINT records_type_unique UNIQUE (record_type, unique_key)
		);
		CREATE INDEX IF NOT EXISTS idx_records_type ON records (record_type)`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate records table: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) checkType(recordType string) error {
	if _, ok := s.registry.Get(recordType); !ok {
		return apperrors.NewUnknownRecordTypeError(recordType)
	}
	return nil
}

// Search uses a coarse ILIKE prefilter on the JSONB field, then rescoring in
// Go so normalization agrees with the other store implementations.
func (s *PostgresRecordStore) Search(ctx context.Context, recordType, field, value string) ([]types.Candidate, error) {
	s.stats.OperationCounts["search"]++
	if err := s.checkType(recordType); err != nil {
		s.stats.ErrorCounts["search"]++
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM records
		 WHERE record_type = $1
		   AND (data->>$2 ILIKE '%' || $3 || '%' OR $3 ILIKE '%' || (data->>$2) || '%')`,
		recordType, field, value)
	if err != nil {
		s.stats.ErrorCounts["search"]++
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "record search failed", err.Error())
	}
	defer func() { _ = rows.Close() }()

	var candidates []types.Candidate
	for rows.Next() {
		var id string
		var dataJSON []byte
		if err := rows.Scan(&id, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		var data types.FieldMap
		if err := json.Unmarshal(dataJSON, &data); err != nil {
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
func (s *PostgresRecordStore) Get(ctx context.Context, recordType, id string) (types.FieldMap, error) {
	s.stats.OperationCounts["get"]++
	if err := s.checkType(recordType); err != nil {
		return nil, err
	}

	var dataJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM records WHERE record_type = $1 AND id = $2`, recordType, id).Scan(&dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeNotFound, "record not found: "+id, nil)
	}
	if err != nil {
		return nil, apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "record lookup failed", err.Error())
	}

	var data types.FieldMap
	if err := json.Unmarshal(dataJSON, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record data: %w", err)
	}
	return data, nil
}

// CreateIfAbsent relies on ON CONFLICT DO NOTHING against the uniqueness
// constraint; a lost race reads the winner's id back.
func (s *PostgresRecordStore) CreateIfAbsent(ctx context.Context, recordType, uniqueField string, data types.FieldMap) (string, bool, error) {
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
	var insertedID string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO records (id, record_type, unique_key, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT ON CONSTRAINT records_type_unique DO NOTHING
		 RETURNING id`,
		id, recordType, uniqueKey, dataJSON, now, now).Scan(&insertedID)

	if errors.Is(err, sql.ErrNoRows) {
		// Conflict: another session created the record first.
		var existingID string
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM records WHERE record_type = $1 AND unique_key = $2`,
			recordType, uniqueKey).Scan(&existingID)
		if err != nil {
			return "", false, apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "conflict lookup failed", err.Error())
		}
		return existingID, false, nil
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return "", false, apperrors.NewStandardError(apperrors.ErrorCodeCreationConflict, "concurrent creation detected", pqErr.Detail)
		}
		s.stats.ErrorCounts["create_if_absent"]++
		return "", false, apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "record creation failed", err.Error())
	}

	s.logger.Debug("Created record", "record_type", recordType, "id", insertedID)
	return insertedID, true, nil
}

// Update replaces a record's field map in place.
func (s *PostgresRecordStore) Update(ctx context.Context, recordType, id string, data types.FieldMap) error {
	s.stats.OperationCounts["update"]++
	if err := s.checkType(recordType); err != nil {
		return err
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal record data: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE records SET data = $1, updated_at = $2 WHERE record_type = $3 AND id = $4`,
		dataJSON, time.Now().UTC(), recordType, id)
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
func (s *PostgresRecordStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.NewStandardError(apperrors.ErrorCodeDatabaseError, "postgres ping failed", err.Error())
	}
	return nil
}

// Close closes the underlying database.
func (s *PostgresRecordStore) Close() error {
	return s.db.Close()
}

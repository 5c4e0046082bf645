package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "entitylink/internal/errors"
	"entitylink/internal/logging"
	"entitylink/internal/schema"
	"entitylink/internal/types"
)

func newSQLiteTestStore(t *testing.T) *SQLiteRecordStore {
	t.Helper()
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(&schema.RecordType{
		Name:        "person",
		UniqueField: "email",
		Fields: map[string]schema.FieldDef{
			"name":  {Kind: schema.KindText, Required: true},
			"email": {Kind: schema.KindEmail, Required: true},
		},
	}))

	store, err := NewSQLiteRecordStore(":memory:", registry, 0.6, logging.NewNoOpLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)

	id, created, err := store.CreateIfAbsent(ctx, "person", "email",
		types.FieldMap{"name": "Ada Lovelace", "email": "ada@example.com"})
	require.NoError(t, err)
	require.True(t, created)

	data, err := store.Get(ctx, "person", id)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", data["name"])

	candidates, err := store.Search(ctx, "person", "name", "ADA LOVELACE")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, id, candidates[0].ID)
	assert.Equal(t, 1.0, candidates[0].Score)
	assert.Equal(t, types.SourceExact, candidates[0].Source)

	candidates, err = store.Search(ctx, "person", "name", "Ada")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 0.6, candidates[0].Score)
	assert.Equal(t, types.SourcePartial, candidates[0].Source)
}

func TestSQLiteCreateIfAbsentConflict(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)

	id, created, err := store.CreateIfAbsent(ctx, "person", "email",
		types.FieldMap{"name": "Ada Lovelace", "email": "ada@example.com"})
	require.NoError(t, err)
	require.True(t, created)

	winner, created, err := store.CreateIfAbsent(ctx, "person", "email",
		types.FieldMap{"name": "A. Lovelace", "email": " ADA@example.com "})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, winner)
}

func TestSQLiteUpdate(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)

	id, _, err := store.CreateIfAbsent(ctx, "person", "email",
		types.FieldMap{"name": "Ada Lovelace", "email": "ada@example.com"})
	require.NoError(t, err)

	require.NoError(t, store.Update(ctx, "person", id,
		types.FieldMap{"name": "Ada King", "email": "ada@example.com"}))

	data, err := store.Get(ctx, "person", id)
	require.NoError(t, err)
	assert.Equal(t, "Ada King", data["name"])

	err = store.Update(ctx, "person", "missing", types.FieldMap{"name": "x"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeNotFound))
}

func TestSQLiteUnknownRecordType(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteTestStore(t)

	_, err := store.Search(ctx, "alien", "name", "Ada")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeUnknownRecordType))

	_, _, err = store.CreateIfAbsent(ctx, "alien", "name", types.FieldMap{"name": "E.T."})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrorCodeUnknownRecordType))
}

func TestSQLiteHealthCheck(t *testing.T) {
	store := newSQLiteTestStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}

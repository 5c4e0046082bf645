package resolution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitylink/internal/config"
	"entitylink/internal/logging"
	"entitylink/internal/storage"
	"entitylink/internal/types"
)

func newTestSession(t *testing.T) (*Session, *storage.MemoryRecordStore) {
	t.Helper()
	registry := engineRegistry(t)
	store := storage.NewMemoryRecordStore(registry, 0.6)
	engine := NewEngine(store, nil, registry, testResolutionConfig(), logging.NewNoOpLogger())
	return NewSession(engine, logging.NewNoOpLogger()), store
}

func sessionSpec() *types.ResolveSpec {
	return &types.ResolveSpec{
		Fields: map[string]*types.FieldResolutionSpec{
			"assignee_id": {
				RecordType:      "person",
				SearchFields:    []string{"name", "email"},
				CreateIfMissing: true,
				Required:        true,
			},
		},
		Arrays: map[string]map[string]*types.FieldResolutionSpec{
			"items": {
				"company_id": {
					RecordType:      "company",
					SearchFields:    []string{"name"},
					CreateIfMissing: true,
				},
			},
		},
	}
}

func TestSessionResolve(t *testing.T) {
	ctx := context.Background()
	session, store := newTestSession(t)
	adaID := seedPerson(t, store, "Ada Lovelace", "ada@example.com")

	input := types.FieldMap{
		"title":       "Quarterly review",
		"assignee_id": "Ada Lovelace",
		"items": []any{
			map[string]any{"company_id": "Acme", "qty": 2},
		},
	}

	result, err := session.Resolve(ctx, input, sessionSpec())
	require.NoError(t, err)

	// scalar field resolved in place
	assert.Equal(t, adaID, result.FieldMap["assignee_id"])
	assert.Equal(t, "Quarterly review", result.FieldMap["title"])

	// array item created a company and got its id
	items, ok := types.AsItemList(result.FieldMap["items"])
	require.True(t, ok)
	createdEntry := result.Log.Find("items[0].company_id")
	require.NotNil(t, createdEntry)
	assert.Equal(t, types.DecisionCreated, createdEntry.Decision.Kind)
	assert.Equal(t, createdEntry.Decision.ID, items[0]["company_id"])

	// the input map was not mutated
	assert.Equal(t, "Ada Lovelace", input["assignee_id"])
	inputItems, ok := types.AsItemList(input["items"])
	require.True(t, ok)
	assert.Equal(t, "Acme", inputItems[0]["company_id"])

	assert.Empty(t, result.BlockedFields)
}

func TestSessionResolveTextualSiblingReplaced(t *testing.T) {
	ctx := context.Background()
	session, store := newTestSession(t)
	adaID := seedPerson(t, store, "Ada Lovelace", "ada@example.com")

	// the relationship field is absent, its value sits in a sibling field
	input := types.FieldMap{"assignee": "Ada Lovelace"}
	result, err := session.Resolve(ctx, input, sessionSpec())
	require.NoError(t, err)

	assert.Equal(t, adaID, result.FieldMap["assignee_id"])
	assert.NotContains(t, result.FieldMap, "assignee")
}

func TestSessionResolveSkipsAbsentFields(t *testing.T) {
	ctx := context.Background()
	session, _ := newTestSession(t)

	result, err := session.Resolve(ctx, types.FieldMap{"title": "No relationships"}, sessionSpec())
	require.NoError(t, err)

	assert.Empty(t, result.Log.Entries)
	// a required field that never appeared is not blocked, it was never asked for
	assert.Empty(t, result.BlockedFields)
}

func TestSessionResolveInvalidSpec(t *testing.T) {
	ctx := context.Background()
	session, _ := newTestSession(t)

	_, err := session.Resolve(ctx, types.FieldMap{"x": "y"}, &types.ResolveSpec{})
	assert.Error(t, err)
}

func TestSessionBlockedFields(t *testing.T) {
	ctx := context.Background()
	registry := engineRegistry(t)
	store := storage.NewMemoryRecordStore(registry, 0.6)
	seedPerson(t, store, "Ada Lovelace", "ada@example.com")
	seedPerson(t, store, "Adam Curie", "adam@example.com")

	// lift partials into the consider band so "Ada" is ambiguous
	resCfg := testResolutionConfig()
	resCfg.TypeOverrides = map[string]config.ThresholdOverride{
		"person": {PartialMatchScore: 0.75},
	}
	engine := NewEngine(store, nil, registry, resCfg, logging.NewNoOpLogger())
	session := NewSession(engine, logging.NewNoOpLogger())

	result, err := session.Resolve(ctx, types.FieldMap{"assignee_id": "Ada"}, sessionSpec())
	require.NoError(t, err)

	entry := result.Log.Find("assignee_id")
	require.NotNil(t, entry)
	require.Equal(t, types.DecisionAwaitingChoice, entry.Decision.Kind)
	require.Len(t, entry.Decision.Candidates, 2)

	// required field awaiting a choice blocks the dependent write
	assert.Equal(t, []string{"assignee_id"}, result.BlockedFields)
	// the raw value stays untouched until someone picks
	assert.Equal(t, "Ada", result.FieldMap["assignee_id"])
}

func TestSessionResolveChoice(t *testing.T) {
	ctx := context.Background()
	session, store := newTestSession(t)
	adaID := seedPerson(t, store, "Ada Lovelace", "ada@example.com")

	t.Run("scalar path", func(t *testing.T) {
		input := types.FieldMap{"assignee_id": "Ada"}
		result, err := session.ResolveChoice(ctx, input, sessionSpec(), "assignee_id", adaID)
		require.NoError(t, err)

		assert.Equal(t, adaID, result.FieldMap["assignee_id"])
		entry := result.Log.Find("assignee_id")
		require.NotNil(t, entry)
		assert.Equal(t, types.DecisionReused, entry.Decision.Kind)
		assert.Equal(t, 1.0, entry.Decision.Score)
	})

	t.Run("array item path", func(t *testing.T) {
		companyID, _, err := store.CreateIfAbsent(ctx, "company", "name", types.FieldMap{"name": "Acme"})
		require.NoError(t, err)

		input := types.FieldMap{
			"items": []any{
				map[string]any{"company_id": "ACME Corp"},
				map[string]any{"company_id": "Other"},
			},
		}
		result, err := session.ResolveChoice(ctx, input, sessionSpec(), "items[0].company_id", companyID)
		require.NoError(t, err)

		items, ok := types.AsItemList(result.FieldMap["items"])
		require.True(t, ok)
		assert.Equal(t, companyID, items[0]["company_id"])
		assert.Equal(t, "Other", items[1]["company_id"])
	})

	t.Run("unknown path rejected", func(t *testing.T) {
		_, err := session.ResolveChoice(ctx, types.FieldMap{}, sessionSpec(), "mystery_id", adaID)
		assert.Error(t, err)
	})

	t.Run("nonexistent id rejected", func(t *testing.T) {
		_, err := session.ResolveChoice(ctx, types.FieldMap{"assignee_id": "Ada"}, sessionSpec(), "assignee_id", "no-such-id")
		assert.Error(t, err)
	})

	t.Run("index out of range rejected", func(t *testing.T) {
		companyID, _, err := store.CreateIfAbsent(ctx, "company", "name", types.FieldMap{"name": "Globex"})
		require.NoError(t, err)

		input := types.FieldMap{"items": []any{map[string]any{"company_id": "Globex"}}}
		_, err = session.ResolveChoice(ctx, input, sessionSpec(), "items[5].company_id", companyID)
		assert.Error(t, err)
	})
}

func TestSplitArrayPath(t *testing.T) {
	tests := []struct {
		path       string
		arrayField string
		index      int
		itemField  string
		ok         bool
	}{
		{"items[2].product_id", "items", 2, "product_id", true},
		{"items[0].company_id", "items", 0, "company_id", true},
		{"items[12].x", "items", 12, "x", true},
		{"assignee_id", "", 0, "", false},
		{"items[].product_id", "", 0, "", false},
		{"items[x].product_id", "", 0, "", false},
		{"items[2]", "", 0, "", false},
		{"[2].product_id", "", 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			arrayField, index, itemField, ok := splitArrayPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.arrayField, arrayField)
				assert.Equal(t, tt.index, index)
				assert.Equal(t, tt.itemField, itemField)
			}
		})
	}
}

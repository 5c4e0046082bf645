package resolution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitylink/internal/logging"
	"entitylink/internal/storage"
	"entitylink/internal/types"
)

func TestResolveArrayItemsIndependent(t *testing.T) {
	ctx := context.Background()
	registry := engineRegistry(t)
	store := storage.NewMemoryRecordStore(registry, 0.6)
	acmeID, _, err := store.CreateIfAbsent(ctx, "company", "name", types.FieldMap{"name": "Acme"})
	require.NoError(t, err)
	globexID, _, err := store.CreateIfAbsent(ctx, "company", "name", types.FieldMap{"name": "Globex"})
	require.NoError(t, err)

	engine := NewEngine(store, nil, registry, testResolutionConfig(), logging.NewNoOpLogger())
	resolver := NewNestedArrayResolver(engine, logging.NewNoOpLogger())

	// creation disallowed, so the middle item's unknown company stays put
	itemSpecs := map[string]*types.FieldResolutionSpec{
		"company_id": {
			RecordType:   "company",
			SearchFields: []string{"name"},
		},
	}

	fieldMap := types.FieldMap{
		"items": []any{
			map[string]any{"company_id": "Acme"},
			map[string]any{"company_id": "Vandelay Industries"},
			map[string]any{"company_id": "Globex"},
		},
	}

	log := &types.Log{}
	resolver.ResolveArray(ctx, fieldMap, "items", itemSpecs, log)

	items, ok := types.AsItemList(fieldMap["items"])
	require.True(t, ok)

	assert.Equal(t, acmeID, items[0]["company_id"])
	assert.Equal(t, "Vandelay Industries", items[1]["company_id"], "failed item keeps its raw value")
	assert.Equal(t, globexID, items[2]["company_id"])

	require.Len(t, log.Entries, 3)
	assert.Equal(t, "items[0].company_id", log.Entries[0].FieldPath)
	assert.Equal(t, types.DecisionReused, log.Entries[0].Decision.Kind)
	assert.Equal(t, "items[1].company_id", log.Entries[1].FieldPath)
	assert.Equal(t, types.DecisionUnresolved, log.Entries[1].Decision.Kind)
	assert.Equal(t, types.ReasonNoMatch, log.Entries[1].Decision.Reason)
	assert.Equal(t, "items[2].company_id", log.Entries[2].FieldPath)
	assert.Equal(t, types.DecisionReused, log.Entries[2].Decision.Kind)
}

func TestAppendSubDecisionsDeterministicOrder(t *testing.T) {
	decision := types.Decision{
		Kind: types.DecisionCreated,
		ID:   "p1",
		SubDecisions: map[string]types.Decision{
			"vendor_id":  {Kind: types.DecisionReused, ID: "v1"},
			"account_id": {Kind: types.DecisionReused, ID: "a1"},
			"region_id":  {Kind: types.DecisionReused, ID: "r1"},
		},
	}

	log := &types.Log{}
	appendSubDecisions(log, "items[0].product_id", decision)

	require.Len(t, log.Entries, 3)
	assert.Equal(t, "items[0].product_id.account_id", log.Entries[0].FieldPath)
	assert.Equal(t, "items[0].product_id.region_id", log.Entries[1].FieldPath)
	assert.Equal(t, "items[0].product_id.vendor_id", log.Entries[2].FieldPath)
}

func TestResolveArrayMissingOrMalformedField(t *testing.T) {
	ctx := context.Background()
	registry := engineRegistry(t)
	store := storage.NewMemoryRecordStore(registry, 0.6)
	engine := NewEngine(store, nil, registry, testResolutionConfig(), logging.NewNoOpLogger())
	resolver := NewNestedArrayResolver(engine, logging.NewNoOpLogger())

	itemSpecs := map[string]*types.FieldResolutionSpec{
		"company_id": {RecordType: "company", SearchFields: []string{"name"}},
	}

	t.Run("absent array field is a no-op", func(t *testing.T) {
		fieldMap := types.FieldMap{"title": "nothing here"}
		log := &types.Log{}
		resolver.ResolveArray(ctx, fieldMap, "items", itemSpecs, log)
		assert.Empty(t, log.Entries)
	})

	t.Run("non-array value is a no-op", func(t *testing.T) {
		fieldMap := types.FieldMap{"items": "not an array"}
		log := &types.Log{}
		resolver.ResolveArray(ctx, fieldMap, "items", itemSpecs, log)
		assert.Empty(t, log.Entries)
		assert.Equal(t, "not an array", fieldMap["items"])
	})

	t.Run("items without the relationship field are skipped", func(t *testing.T) {
		fieldMap := types.FieldMap{
			"items": []any{map[string]any{"qty": 3}},
		}
		log := &types.Log{}
		resolver.ResolveArray(ctx, fieldMap, "items", itemSpecs, log)
		assert.Empty(t, log.Entries)
	})
}

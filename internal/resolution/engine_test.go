package resolution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitylink/internal/config"
	"entitylink/internal/logging"
	"entitylink/internal/schema"
	"entitylink/internal/storage"
	"entitylink/internal/types"
)

// fakeIndex is a canned SemanticIndex for engine tests.
type fakeIndex struct {
	candidates []types.Candidate
	searchErr  error

	mu      sync.Mutex
	indexed []string
}

func (f *fakeIndex) Search(ctx context.Context, recordType, value string, limit int) ([]types.Candidate, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.candidates, nil
}

func (f *fakeIndex) Index(ctx context.Context, recordType, id, text string, data types.FieldMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, id)
	return nil
}

func (f *fakeIndex) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeIndex) Close() error                          { return nil }

// writeCountingStore wraps a RecordStore and counts mutating calls.
type writeCountingStore struct {
	storage.RecordStore

	mu      sync.Mutex
	creates int
	updates int
}

func (w *writeCountingStore) CreateIfAbsent(ctx context.Context, recordType, uniqueField string, data types.FieldMap) (string, bool, error) {
	w.mu.Lock()
	w.creates++
	w.mu.Unlock()
	return w.RecordStore.CreateIfAbsent(ctx, recordType, uniqueField, data)
}

func (w *writeCountingStore) Update(ctx context.Context, recordType, id string, data types.FieldMap) error {
	w.mu.Lock()
	w.updates++
	w.mu.Unlock()
	return w.RecordStore.Update(ctx, recordType, id, data)
}

// raceLosingStore reports every insert as a lost race without ever surfacing
// the winner in a search, which exhausts the bounded retry.
type raceLosingStore struct {
	storage.RecordStore
	attempts int
}

func (r *raceLosingStore) Search(ctx context.Context, recordType, field, value string) ([]types.Candidate, error) {
	return nil, nil
}

func (r *raceLosingStore) CreateIfAbsent(ctx context.Context, recordType, uniqueField string, data types.FieldMap) (string, bool, error) {
	r.attempts++
	return "phantom-winner", false, nil
}

// failingStore errors on every search.
type failingStore struct {
	storage.RecordStore
}

func (f *failingStore) Search(ctx context.Context, recordType, field, value string) ([]types.Candidate, error) {
	return nil, errors.New("store is down")
}

// fieldFailingStore errors only for one search field and delegates the rest.
type fieldFailingStore struct {
	storage.RecordStore
	failField string
}

func (f *fieldFailingStore) Search(ctx context.Context, recordType, field, value string) ([]types.Candidate, error) {
	if field == f.failField {
		return nil, errors.New("index for " + field + " is offline")
	}
	return f.RecordStore.Search(ctx, recordType, field, value)
}

func engineRegistry(t *testing.T) *schema.Registry {
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
	require.NoError(t, registry.Register(&schema.RecordType{
		Name: "company",
		Fields: map[string]schema.FieldDef{
			"name": {Kind: schema.KindText, Required: true},
		},
	}))
	require.NoError(t, registry.Register(&schema.RecordType{
		Name: "contact",
		Fields: map[string]schema.FieldDef{
			"name": {Kind: schema.KindText, Required: true},
		},
	}))
	return registry
}

func testResolutionConfig() *config.ResolutionConfig {
	return &config.ResolutionConfig{
		ReuseThreshold:    0.9,
		ConsiderThreshold: 0.7,
		PartialMatchScore: 0.6,
		MaxChoices:        3,
	}
}

func personSpec() *types.FieldResolutionSpec {
	return &types.FieldResolutionSpec{
		RecordType:      "person",
		SearchFields:    []string{"name", "email"},
		CreateIfMissing: true,
	}
}

func newTestEngine(t *testing.T, index storage.SemanticIndex) (*Engine, *storage.MemoryRecordStore) {
	t.Helper()
	registry := engineRegistry(t)
	store := storage.NewMemoryRecordStore(registry, 0.6)
	engine := NewEngine(store, index, registry, testResolutionConfig(), logging.NewNoOpLogger())
	return engine, store
}

func seedPerson(t *testing.T, store *storage.MemoryRecordStore, name, email string) string {
	t.Helper()
	id, created, err := store.CreateIfAbsent(context.Background(), "person", "email",
		types.FieldMap{"name": name, "email": email})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func TestEngineReusesExactMatch(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	id := seedPerson(t, store, "Ada Lovelace", "ada@example.com")

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Ada Lovelace",
		Spec:      personSpec(),
	})

	assert.Equal(t, types.DecisionReused, decision.Kind)
	assert.Equal(t, id, decision.ID)
	assert.Equal(t, 1.0, decision.Score)
}

func TestEngineReuseDoesNotWrite(t *testing.T) {
	registry := engineRegistry(t)
	memory := storage.NewMemoryRecordStore(registry, 0.6)
	seedPerson(t, memory, "Ada Lovelace", "ada@example.com")

	counting := &writeCountingStore{RecordStore: memory}
	engine := NewEngine(counting, nil, registry, testResolutionConfig(), logging.NewNoOpLogger())

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Ada Lovelace",
		Spec:      personSpec(),
	})

	require.Equal(t, types.DecisionReused, decision.Kind)
	assert.Zero(t, counting.creates)
	assert.Zero(t, counting.updates)
}

func TestEngineCreatesOnNoMatch(t *testing.T) {
	index := &fakeIndex{}
	engine, store := newTestEngine(t, index)

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Grace Hopper",
		Spec:      personSpec(),
	})

	require.Equal(t, types.DecisionCreated, decision.Kind)
	require.NotEmpty(t, decision.ID)
	assert.Equal(t, "Grace Hopper", decision.Data["name"])
	assert.Equal(t, 1, store.Count("person"))

	// the new record is pushed into the semantic index
	assert.Equal(t, []string{decision.ID}, index.indexed)

	// resolving the same value again reuses the created record
	again := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Grace Hopper",
		Spec:      personSpec(),
	})
	assert.Equal(t, types.DecisionReused, again.Kind)
	assert.Equal(t, decision.ID, again.ID)
	assert.Equal(t, 1.0, again.Score)
	assert.Equal(t, 1, store.Count("person"))
}

func TestEngineEmailValueCreatesWithEmail(t *testing.T) {
	engine, store := newTestEngine(t, nil)

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "grace@example.com",
		Spec:      personSpec(),
	})

	require.Equal(t, types.DecisionCreated, decision.Kind)
	data, err := store.Get(context.Background(), "person", decision.ID)
	require.NoError(t, err)
	assert.Equal(t, "grace@example.com", data["email"])
}

func TestEngineNoMatchCreationDisallowed(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	spec := personSpec()
	spec.CreateIfMissing = false

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Grace Hopper",
		Spec:      spec,
	})

	assert.Equal(t, types.DecisionUnresolved, decision.Kind)
	assert.Equal(t, types.ReasonNoMatch, decision.Reason)
}

func TestEngineAsksOnSemanticAmbiguity(t *testing.T) {
	index := &fakeIndex{candidates: []types.Candidate{
		{ID: "r1", Score: 0.85, Source: types.SourceSemantic},
		{ID: "r2", Score: 0.78, Source: types.SourceSemantic},
	}}
	engine, _ := newTestEngine(t, index)

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "A. Lovelace",
		Spec:      personSpec(),
	})

	require.Equal(t, types.DecisionAwaitingChoice, decision.Kind)
	require.Len(t, decision.Candidates, 2)
	assert.Equal(t, "r1", decision.Candidates[0].ID)
}

func TestEngineSemanticFailureDegradesToStore(t *testing.T) {
	registry := engineRegistry(t)
	store := storage.NewMemoryRecordStore(registry, 0.6)
	id, _, err := store.CreateIfAbsent(context.Background(), "person", "email",
		types.FieldMap{"name": "Ada Lovelace", "email": "ada@example.com"})
	require.NoError(t, err)

	rctx := func() *Context {
		return &Context{FieldName: "assignee_id", Value: "Ada Lovelace", Spec: personSpec()}
	}

	withoutIndex := NewEngine(store, nil, registry, testResolutionConfig(), logging.NewNoOpLogger())
	broken := &fakeIndex{searchErr: errors.New("qdrant unreachable")}
	withBrokenIndex := NewEngine(store, broken, registry, testResolutionConfig(), logging.NewNoOpLogger())

	baseline := withoutIndex.Resolve(context.Background(), rctx())
	degraded := withBrokenIndex.Resolve(context.Background(), rctx())

	// a dead index must be indistinguishable from no index
	assert.Equal(t, baseline, degraded)
	assert.Equal(t, types.DecisionReused, degraded.Kind)
	assert.Equal(t, id, degraded.ID)
}

func TestEngineSearchUnavailable(t *testing.T) {
	registry := engineRegistry(t)
	failing := &failingStore{RecordStore: storage.NewMemoryRecordStore(registry, 0.6)}
	broken := &fakeIndex{searchErr: errors.New("qdrant unreachable")}
	engine := NewEngine(failing, broken, registry, testResolutionConfig(), logging.NewNoOpLogger())

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Ada Lovelace",
		Spec:      personSpec(),
	})

	assert.Equal(t, types.DecisionUnresolved, decision.Kind)
	assert.Equal(t, types.ReasonSearchUnavailable, decision.Reason)
}

func TestEnginePartialStoreFailureUsesSurvivingFields(t *testing.T) {
	registry := engineRegistry(t)
	memory := storage.NewMemoryRecordStore(registry, 0.6)
	id, _, err := memory.CreateIfAbsent(context.Background(), "person", "email",
		types.FieldMap{"name": "Ada Lovelace", "email": "ada@example.com"})
	require.NoError(t, err)

	flaky := &fieldFailingStore{RecordStore: memory, failField: "email"}
	engine := NewEngine(flaky, nil, registry, testResolutionConfig(), logging.NewNoOpLogger())

	// the email query dies, the name query already found an exact match
	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Ada Lovelace",
		Spec:      personSpec(),
	})

	require.Equal(t, types.DecisionReused, decision.Kind)
	assert.Equal(t, id, decision.ID)
	assert.Equal(t, 1.0, decision.Score)
}

func TestEngineAllFieldQueriesFailWithoutIndex(t *testing.T) {
	registry := engineRegistry(t)
	failing := &failingStore{RecordStore: storage.NewMemoryRecordStore(registry, 0.6)}
	engine := NewEngine(failing, nil, registry, testResolutionConfig(), logging.NewNoOpLogger())

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Ada Lovelace",
		Spec:      personSpec(),
	})

	assert.Equal(t, types.DecisionUnresolved, decision.Kind)
	assert.Equal(t, types.ReasonSearchUnavailable, decision.Reason)
}

func TestEngineRegistrySearchFieldMapping(t *testing.T) {
	registry := engineRegistry(t)
	require.NoError(t, registry.Register(&schema.RecordType{
		Name:        "product",
		UniqueField: "name",
		Fields: map[string]schema.FieldDef{
			"name": {Kind: schema.KindText, Required: true},
		},
		SearchFieldFor: map[string]string{"sku_id": "name"},
	}))
	store := storage.NewMemoryRecordStore(registry, 0.6)
	id, _, err := store.CreateIfAbsent(context.Background(), "product", "name",
		types.FieldMap{"name": "Widget Mk II"})
	require.NoError(t, err)

	engine := NewEngine(store, nil, registry, testResolutionConfig(), logging.NewNoOpLogger())

	// the spec's own field list matches nothing; the explicit mapping on the
	// product type routes the lookup to the name field
	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "sku_id",
		Value:     "Widget Mk II",
		Spec: &types.FieldResolutionSpec{
			RecordType:   "product",
			SearchFields: []string{"sku"},
		},
	})

	require.Equal(t, types.DecisionReused, decision.Kind)
	assert.Equal(t, id, decision.ID)
}

func TestEngineInvalidSpec(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Ada",
		Spec:      &types.FieldResolutionSpec{RecordType: "person"},
	})

	assert.Equal(t, types.DecisionUnresolved, decision.Kind)
	assert.Equal(t, types.ReasonInvalidSpec, decision.Reason)
	assert.NotEmpty(t, decision.Detail)
}

func TestEngineUnknownRecordType(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Ada",
		Spec: &types.FieldResolutionSpec{
			RecordType:      "alien",
			SearchFields:    []string{"name"},
			CreateIfMissing: true,
		},
	})

	assert.Equal(t, types.DecisionUnresolved, decision.Kind)
	assert.Equal(t, types.ReasonUnknownRecordType, decision.Reason)
}

func TestEnginePartialScoreOverridePerType(t *testing.T) {
	registry := engineRegistry(t)
	store := storage.NewMemoryRecordStore(registry, 0.6)
	seedPerson(t, store, "Ada Lovelace", "ada@example.com")

	resCfg := testResolutionConfig()
	resCfg.TypeOverrides = map[string]config.ThresholdOverride{
		"person": {PartialMatchScore: 0.75},
	}
	engine := NewEngine(store, nil, registry, resCfg, logging.NewNoOpLogger())

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Ada",
		Spec:      personSpec(),
	})

	// 0.75 lands in the consider band instead of the default 0.6 create band
	require.Equal(t, types.DecisionAwaitingChoice, decision.Kind)
	require.Len(t, decision.Candidates, 1)
	assert.Equal(t, 0.75, decision.Candidates[0].Score)
}

func TestEngineSiblingFieldFeedsSearch(t *testing.T) {
	engine, store := newTestEngine(t, nil)
	id := seedPerson(t, store, "Ada Lovelace", "ada@example.com")

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Countess of Lovelace",
		Spec:      personSpec(),
		Enclosing: types.FieldMap{
			"assignee_id": "Countess of Lovelace",
			"email":       "ada@example.com",
		},
	})

	// the raw value matches nothing, but the sibling email is exact
	require.Equal(t, types.DecisionReused, decision.Kind)
	assert.Equal(t, id, decision.ID)
}

func TestEngineCreationRaceRetriesThenFindsWinner(t *testing.T) {
	engine, store := newTestEngine(t, nil)

	const sessions = 8
	decisions := make([]types.Decision, sessions)

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i] = engine.Resolve(context.Background(), &Context{
				FieldName: "assignee_id",
				Value:     "Grace Hopper",
				Spec:      personSpec(),
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, store.Count("person"), "concurrent resolutions must not duplicate the record")

	created := 0
	for i, d := range decisions {
		require.True(t, d.Resolved(), "decision %d: %+v", i, d)
		assert.Equal(t, decisions[0].ID, d.ID, "every session must settle on the same id")
		if d.Kind == types.DecisionCreated {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one session creates the record")
}

func TestEngineCreationRaceExhausted(t *testing.T) {
	registry := engineRegistry(t)
	losing := &raceLosingStore{RecordStore: storage.NewMemoryRecordStore(registry, 0.6)}
	engine := NewEngine(losing, nil, registry, testResolutionConfig(), logging.NewNoOpLogger())

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "assignee_id",
		Value:     "Grace Hopper",
		Spec:      personSpec(),
	})

	assert.Equal(t, types.DecisionUnresolved, decision.Kind)
	assert.Equal(t, types.ReasonCreationRaceExhausted, decision.Reason)
	assert.Equal(t, 2, losing.attempts, "one retry after the first lost race")
}

func TestEngineResolvesCreatedRecordRelationships(t *testing.T) {
	engine, store := newTestEngine(t, nil)

	// pre-existing company the created contact should link to
	companyID, _, err := store.CreateIfAbsent(context.Background(), "company", "name",
		types.FieldMap{"name": "Acme"})
	require.NoError(t, err)

	spec := &types.FieldResolutionSpec{
		RecordType:      "contact",
		SearchFields:    []string{"name"},
		CreateIfMissing: true,
		Defaults:        types.FieldMap{"company": "Acme"},
		SubSpecs: map[string]*types.FieldResolutionSpec{
			"company_id": {
				RecordType:      "company",
				SearchFields:    []string{"name"},
				CreateIfMissing: true,
			},
		},
	}

	decision := engine.Resolve(context.Background(), &Context{
		FieldName: "contact_id",
		Value:     "Grace Hopper",
		Spec:      spec,
	})

	require.Equal(t, types.DecisionCreated, decision.Kind)
	require.Contains(t, decision.SubDecisions, "company_id")
	sub := decision.SubDecisions["company_id"]
	assert.Equal(t, types.DecisionReused, sub.Kind)
	assert.Equal(t, companyID, sub.ID)

	// the persisted contact carries the resolved id, not the text
	data, err := store.Get(context.Background(), "contact", decision.ID)
	require.NoError(t, err)
	assert.Equal(t, companyID, data["company_id"])
	assert.NotContains(t, data, "company")
	assert.Equal(t, 1, store.Count("company"))
}

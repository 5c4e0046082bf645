package resolution

import (
	"context"
	"strings"

	"entitylink/internal/config"
	apperrors "entitylink/internal/errors"
	"entitylink/internal/logging"
	"entitylink/internal/schema"
	"entitylink/internal/storage"
	"entitylink/internal/types"
)

// maxCreateAttempts bounds the creation-race retry loop: the first attempt
// plus one fresh resolution after a lost race.
const maxCreateAttempts = 2

// Context is the live input for resolving one field: the raw textual value,
// its spec, and the enclosing field map so sibling fields (like an email next
// to a name) can feed the search directly.
type Context struct {
	FieldName string
	Value     string
	Spec      *types.FieldResolutionSpec
	Enclosing types.FieldMap
}

// Engine resolves one textual value to a record id, a shortlist for human
// disambiguation, or a newly created record. It is stateless between calls.
type Engine struct {
	store    storage.RecordStore
	index    storage.SemanticIndex // nil when no record type is semantically indexed
	registry *schema.Registry
	resCfg   *config.ResolutionConfig
	synth    *Synthesizer
	logger   logging.Logger
}

// NewEngine wires a resolution engine. index may be nil.
func NewEngine(store storage.RecordStore, index storage.SemanticIndex, registry *schema.Registry, resCfg *config.ResolutionConfig, logger logging.Logger) *Engine {
	return &Engine{
		store:    store,
		index:    index,
		registry: registry,
		resCfg:   resCfg,
		synth:    NewSynthesizer(registry),
		logger:   logger,
	}
}

// Resolve runs one full resolution for the context's value.
func (e *Engine) Resolve(ctx context.Context, rctx *Context) types.Decision {
	if err := rctx.Spec.Validate(); err != nil {
		return types.Decision{
			Kind:   types.DecisionUnresolved,
			Reason: types.ReasonInvalidSpec,
			Detail: err.Error(),
		}
	}
	return e.resolve(ctx, rctx, 1)
}

func (e *Engine) resolve(ctx context.Context, rctx *Context, attempt int) types.Decision {
	candidates, decision := e.search(ctx, rctx)
	if decision != nil {
		return *decision
	}

	reuse, consider, partial := e.resCfg.ForType(rctx.Spec.RecordType)
	for i := range candidates {
		if candidates[i].Source == types.SourcePartial {
			candidates[i].Score = partial
		}
	}
	candidates = MergeCandidates(candidates)

	policy := NewDecisionPolicy(reuse, consider, e.resCfg.MaxChoices)
	action, shortlist := policy.Decide(candidates, rctx.Spec.CreateIfMissing)

	switch action {
	case ActionReuse:
		top := shortlist[0]
		e.logger.DebugContext(ctx, "Reusing existing record",
			"record_type", rctx.Spec.RecordType, "id", top.ID, "score", top.Score)
		return types.Decision{Kind: types.DecisionReused, ID: top.ID, Score: top.Score}

	case ActionAsk:
		return types.Decision{Kind: types.DecisionAwaitingChoice, Candidates: shortlist}

	case ActionCreate:
		return e.create(ctx, rctx, attempt)

	default:
		return types.Decision{Kind: types.DecisionUnresolved, Reason: types.ReasonNoMatch}
	}
}

// search runs the record store and semantic index, concurrently, and merges
// their raw results. Individual failed field queries degrade to the surviving
// ones; search fails as a whole only when every store query and the index fail.
func (e *Engine) search(ctx context.Context, rctx *Context) ([]types.Candidate, *types.Decision) {
	type semanticResult struct {
		candidates []types.Candidate
		err        error
	}

	semanticCh := make(chan semanticResult, 1)
	if e.index != nil {
		go func() {
			candidates, err := e.index.Search(ctx, rctx.Spec.RecordType, rctx.Value, e.resCfg.MaxChoices*3)
			semanticCh <- semanticResult{candidates: candidates, err: err}
		}()
	} else {
		semanticCh <- semanticResult{}
	}

	derived := e.registry.DeriveSearchField(rctx.Spec.RecordType, rctx.FieldName, func(name string) bool {
		_, ok := rctx.Enclosing.StringValue(name)
		return ok
	})
	searchFields := rctx.Spec.SearchFields
	if !containsField(searchFields, derived) {
		searchFields = append([]string{derived}, searchFields...)
	}

	var storeCandidates []types.Candidate
	storeFailures := 0
	for _, field := range searchFields {
		// The raw value is matched against the derived field and the spec's
		// primary field. For the remaining fields a sibling of the same name
		// (an email right next to the name being resolved) is a better query.
		query := rctx.Value
		if field != rctx.FieldName && field != derived && field != rctx.Spec.PrimarySearchField() {
			if sibling, ok := rctx.Enclosing.StringValue(field); ok {
				query = sibling
			}
		}

		found, err := e.store.Search(ctx, rctx.Spec.RecordType, field, query)
		if err != nil {
			if apperrors.IsCode(err, apperrors.ErrorCodeUnknownRecordType) {
				return nil, &types.Decision{
					Kind:   types.DecisionUnresolved,
					Reason: types.ReasonUnknownRecordType,
					Detail: err.Error(),
				}
			}
			e.logger.WarnContext(ctx, "Record store search failed",
				"record_type", rctx.Spec.RecordType, "field", field, "error", err)
			storeFailures++
			continue
		}
		storeCandidates = append(storeCandidates, found...)
	}

	semantic := <-semanticCh
	if semantic.err != nil {
		// The index is the least reliable dependency; its failures never
		// fail a resolution on their own.
		e.logger.WarnContext(ctx, "Semantic search unavailable, falling back to record store",
			"record_type", rctx.Spec.RecordType, "error", semantic.err)
	}

	semanticFailed := e.index != nil && semantic.err != nil
	storeFailed := len(searchFields) > 0 && storeFailures == len(searchFields)
	if storeFailed && (e.index == nil || semanticFailed) {
		return nil, &types.Decision{
			Kind:   types.DecisionUnresolved,
			Reason: types.ReasonSearchUnavailable,
		}
	}

	return append(semantic.candidates, storeCandidates...), nil
}

func containsField(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}

// create synthesizes and persists a new record, then resolves its own
// relationship fields one level deep. A lost creation race re-runs the whole
// resolution once; a second loss is a hard failure.
func (e *Engine) create(ctx context.Context, rctx *Context, attempt int) types.Decision {
	data, err := e.synth.Synthesize(rctx.Value, rctx.Spec)
	if err != nil {
		return types.Decision{
			Kind:   types.DecisionUnresolved,
			Reason: types.ReasonCreationFailed,
			Detail: err.Error(),
		}
	}
	if err := e.validateSynthesized(rctx.Spec.RecordType, data); err != nil {
		return types.Decision{
			Kind:   types.DecisionUnresolved,
			Reason: types.ReasonCreationFailed,
			Detail: err.Error(),
		}
	}

	uniqueField := rctx.Spec.PrimarySearchField()
	if rt, ok := e.registry.Get(rctx.Spec.RecordType); ok && rt.UniqueField != "" {
		if _, hasValue := data.StringValue(rt.UniqueField); hasValue {
			uniqueField = rt.UniqueField
		}
	}

	id, created, err := e.store.CreateIfAbsent(ctx, rctx.Spec.RecordType, uniqueField, data)
	if err != nil {
		return types.Decision{
			Kind:   types.DecisionUnresolved,
			Reason: types.ReasonCreationFailed,
			Detail: err.Error(),
		}
	}
	if !created {
		if attempt >= maxCreateAttempts {
			e.logger.ErrorContext(ctx, "Creation race retry exhausted",
				"record_type", rctx.Spec.RecordType, "value", rctx.Value)
			return types.Decision{
				Kind:   types.DecisionUnresolved,
				Reason: types.ReasonCreationRaceExhausted,
			}
		}
		// Another session won the race; a fresh resolution finds its record.
		e.logger.InfoContext(ctx, "Lost creation race, re-resolving",
			"record_type", rctx.Spec.RecordType, "winner_id", id)
		return e.resolve(ctx, rctx, attempt+1)
	}

	e.logger.InfoContext(ctx, "Created record",
		"record_type", rctx.Spec.RecordType, "id", id, "value", rctx.Value)

	if e.index != nil {
		if err := e.index.Index(ctx, rctx.Spec.RecordType, id, rctx.Value, data); err != nil {
			e.logger.WarnContext(ctx, "Failed to index created record",
				"record_type", rctx.Spec.RecordType, "id", id, "error", err)
		}
	}

	subDecisions := e.resolveOwnRelationships(ctx, rctx.Spec, id, data)

	return types.Decision{
		Kind:         types.DecisionCreated,
		ID:           id,
		Data:         data,
		SubDecisions: subDecisions,
	}
}

// resolveOwnRelationships resolves the created record's relationship fields
// declared by the spec's sub-specs. Recursion is bounded: sub-specs carry no
// sub-specs of their own.
func (e *Engine) resolveOwnRelationships(ctx context.Context, spec *types.FieldResolutionSpec, id string, data types.FieldMap) map[string]types.Decision {
	if len(spec.SubSpecs) == 0 {
		return nil
	}

	subDecisions := make(map[string]types.Decision, len(spec.SubSpecs))
	updated := false
	for _, subField := range sortedKeys(spec.SubSpecs) {
		subSpec := spec.SubSpecs[subField]
		value, sourceField, ok := ValueForField(data, subField)
		if !ok {
			continue
		}

		decision := e.resolve(ctx, &Context{
			FieldName: subField,
			Value:     value,
			Spec:      subSpec,
			Enclosing: data,
		}, 1)
		subDecisions[subField] = decision

		if decision.Resolved() {
			WriteResolvedID(data, subField, sourceField, decision.ID)
			updated = true
		} else {
			e.logger.Warn("Sub-resolution did not produce an id",
				"record_type", spec.RecordType, "field", subField, "kind", decision.Kind)
		}
	}

	if updated {
		if err := e.store.Update(ctx, spec.RecordType, id, data); err != nil {
			e.logger.Error("Failed to update created record with resolved ids",
				"record_type", spec.RecordType, "id", id, "error", err)
		}
	}
	return subDecisions
}

// validateSynthesized checks the synthesized data against the target type's
// required-field constraints before any write happens.
func (e *Engine) validateSynthesized(recordType string, data types.FieldMap) error {
	rt, ok := e.registry.Get(recordType)
	if !ok {
		return apperrors.NewUnknownRecordTypeError(recordType)
	}
	for name, def := range rt.Fields {
		if !def.Required {
			continue
		}
		if _, exists := data[name]; !exists {
			return apperrors.NewRequiredFieldError(name)
		}
	}
	return nil
}

// ValueForField locates the textual value for a relationship field: the field
// itself when it holds a string, otherwise a sibling named after the field
// minus its "_id" suffix.
func ValueForField(m types.FieldMap, field string) (value, sourceField string, ok bool) {
	if s, ok := m.StringValue(field); ok {
		return s, field, true
	}
	derived := strings.TrimSuffix(field, "_id")
	if derived != field {
		if s, ok := m.StringValue(derived); ok {
			return s, derived, true
		}
	}
	return "", "", false
}

// WriteResolvedID writes the resolved id into the relationship field and
// drops the now-redundant textual search field when it was a sibling.
func WriteResolvedID(m types.FieldMap, field, sourceField, id string) {
	m[field] = id
	if sourceField != field {
		delete(m, sourceField)
	}
}

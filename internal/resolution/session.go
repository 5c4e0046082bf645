package resolution

import (
	"context"
	"sort"
	"strings"

	apperrors "entitylink/internal/errors"
	"entitylink/internal/logging"
	"entitylink/internal/storage"
	"entitylink/internal/types"
)

// Session is the top-level entry point: one call resolves every configured
// relationship field of one field map and returns the mutated copy plus a
// structured decision log. Sessions hold no state between calls.
type Session struct {
	engine *Engine
	nested *NestedArrayResolver
	store  storage.RecordStore
	logger logging.Logger
}

// NewSession creates a resolution session over an engine.
func NewSession(engine *Engine, logger logging.Logger) *Session {
	return &Session{
		engine: engine,
		nested: NewNestedArrayResolver(engine, logger),
		store:  engine.store,
		logger: logger,
	}
}

// Result is what one resolution pass hands back to the caller.
type Result struct {
	FieldMap types.FieldMap `json:"field_map"`
	Log      *types.Log     `json:"log"`

	// BlockedFields lists required fields whose resolution ended in
	// AwaitingChoice or Unresolved; the caller's dependent write must not
	// proceed while this is non-empty.
	BlockedFields []string `json:"blocked_fields,omitempty"`
}

// Resolve runs one pass over fieldMap: scalar relationship fields first, then
// array fields. The input map is never mutated; the returned map carries ids
// in place of free text wherever resolution succeeded.
func (s *Session) Resolve(ctx context.Context, fieldMap types.FieldMap, spec *types.ResolveSpec) (*Result, error) {
	if err := spec.Validate(); err != nil {
		return nil, apperrors.NewValidationError("spec", err.Error(), nil)
	}

	ctx = logging.WithTraceID(ctx, logging.GetTraceID(ctx))
	out := fieldMap.Clone()
	log := &types.Log{}

	for _, field := range sortedKeys(spec.Fields) {
		fieldSpec := spec.Fields[field]
		value, sourceField, ok := ValueForField(out, field)
		if !ok {
			continue
		}

		decision := s.engine.Resolve(ctx, &Context{
			FieldName: field,
			Value:     value,
			Spec:      fieldSpec,
			Enclosing: out,
		})
		log.Append(field, value, decision)
		appendSubDecisions(log, field, decision)

		if decision.Resolved() {
			WriteResolvedID(out, field, sourceField, decision.ID)
		}
	}

	for _, arrayField := range sortedKeys(spec.Arrays) {
		s.nested.ResolveArray(ctx, out, arrayField, spec.Arrays[arrayField], log)
	}

	return &Result{
		FieldMap:      out,
		Log:           log,
		BlockedFields: blockedFields(spec, log),
	}, nil
}

// ResolveChoice applies a human's answer to an earlier AwaitingChoice
// outcome: the chosen id is written directly, bypassing search. The id is
// verified to exist first.
func (s *Session) ResolveChoice(ctx context.Context, fieldMap types.FieldMap, spec *types.ResolveSpec, fieldPath, chosenID string) (*Result, error) {
	fieldSpec := specForPath(spec, fieldPath)
	if fieldSpec == nil {
		return nil, apperrors.NewValidationError("field_path", "no spec configured for path", fieldPath)
	}
	if _, err := s.store.Get(ctx, fieldSpec.RecordType, chosenID); err != nil {
		return nil, err
	}

	out := fieldMap.Clone()
	log := &types.Log{}
	decision := types.Decision{Kind: types.DecisionReused, ID: chosenID, Score: 1.0}

	if arrayField, index, itemField, ok := splitArrayPath(fieldPath); ok {
		items, listOK := types.AsItemList(out[arrayField])
		if !listOK || index >= len(items) {
			return nil, apperrors.NewValidationError("field_path", "array index out of range", fieldPath)
		}
		item := items[index]
		_, sourceField, found := ValueForField(item, itemField)
		if !found {
			sourceField = itemField
		}
		WriteResolvedID(item, itemField, sourceField, chosenID)
		out[arrayField] = items
	} else {
		_, sourceField, found := ValueForField(out, fieldPath)
		if !found {
			sourceField = fieldPath
		}
		WriteResolvedID(out, fieldPath, sourceField, chosenID)
	}

	log.Append(fieldPath, "", decision)
	return &Result{FieldMap: out, Log: log}, nil
}

// blockedFields returns the field paths of required fields that did not
// resolve to an id.
func blockedFields(spec *types.ResolveSpec, log *types.Log) []string {
	var blocked []string
	for _, entry := range log.Entries {
		if entry.Decision.Resolved() {
			continue
		}
		fieldSpec := specForPath(spec, entry.FieldPath)
		if fieldSpec != nil && fieldSpec.Required {
			blocked = append(blocked, entry.FieldPath)
		}
	}
	return blocked
}

// specForPath finds the spec governing a field path, handling array item
// paths like "items[2].product_id".
func specForPath(spec *types.ResolveSpec, fieldPath string) *types.FieldResolutionSpec {
	if arrayField, _, itemField, ok := splitArrayPath(fieldPath); ok {
		if itemSpecs, exists := spec.Arrays[arrayField]; exists {
			return itemSpecs[itemField]
		}
		return nil
	}
	return spec.Fields[fieldPath]
}

// splitArrayPath parses "items[2].product_id" into its parts.
func splitArrayPath(fieldPath string) (arrayField string, index int, itemField string, ok bool) {
	open := strings.Index(fieldPath, "[")
	closeIdx := strings.Index(fieldPath, "]")
	if open <= 0 || closeIdx <= open+1 || closeIdx+1 >= len(fieldPath) || fieldPath[closeIdx+1] != '.' {
		return "", 0, "", false
	}
	index = 0
	for _, r := range fieldPath[open+1 : closeIdx] {
		if r < '0' || r > '9' {
			return "", 0, "", false
		}
		index = index*10 + int(r-'0')
	}
	return fieldPath[:open], index, fieldPath[closeIdx+2:], true
}

// sortedKeys returns map keys in deterministic order so resolution and log
// ordering are stable run to run.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package resolution

import (
	"context"
	"fmt"

	"entitylink/internal/logging"
	"entitylink/internal/types"
)

// NestedArrayResolver applies the engine to every relationship field inside
// each element of an array-valued field (invoice line items referencing
// products, for example). Items are independent: one item failing to resolve
// never aborts the others.
type NestedArrayResolver struct {
	engine *Engine
	logger logging.Logger
}

// NewNestedArrayResolver creates a nested resolver over an engine.
func NewNestedArrayResolver(engine *Engine, logger logging.Logger) *NestedArrayResolver {
	return &NestedArrayResolver{engine: engine, logger: logger}
}

// ResolveArray resolves the configured relationship fields of every item in
// fieldMap's arrayField, mutating items in place and appending one log entry
// per item per field.
func (nr *NestedArrayResolver) ResolveArray(ctx context.Context, fieldMap types.FieldMap, arrayField string, itemSpecs map[string]*types.FieldResolutionSpec, log *types.Log) {
	raw, exists := fieldMap[arrayField]
	if !exists {
		return
	}
	items, ok := types.AsItemList(raw)
	if !ok {
		nr.logger.Warn("Configured array field is not an array of items", "field", arrayField)
		return
	}

	for i, item := range items {
		for _, field := range sortedKeys(itemSpecs) {
			spec := itemSpecs[field]
			value, sourceField, ok := ValueForField(item, field)
			if !ok {
				continue
			}

			fieldPath := fmt.Sprintf("%s[%d].%s", arrayField, i, field)
			decision := nr.engine.Resolve(ctx, &Context{
				FieldName: field,
				Value:     value,
				Spec:      spec,
				Enclosing: item,
			})
			log.Append(fieldPath, value, decision)
			appendSubDecisions(log, fieldPath, decision)

			if decision.Resolved() {
				WriteResolvedID(item, field, sourceField, decision.ID)
			}
		}
	}

	fieldMap[arrayField] = items
}

// appendSubDecisions logs the outcomes of a created record's own
// relationship resolutions under the parent's field path.
func appendSubDecisions(log *types.Log, parentPath string, decision types.Decision) {
	for _, subField := range sortedKeys(decision.SubDecisions) {
		log.Append(parentPath+"."+subField, "", decision.SubDecisions[subField])
	}
}

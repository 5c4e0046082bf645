// Package schema holds per-record-type field metadata: which fields exist,
// their kinds, required flags, and default values. The RecordSynthesizer and
// the search-field derivation rule are driven by this registry.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// FieldKind classifies a field for default inference.
type FieldKind string

const (
	KindText      FieldKind = "text"
	KindEmail     FieldKind = "email"
	KindBool      FieldKind = "bool"
	KindNumber    FieldKind = "number"
	KindEnum      FieldKind = "enum"
	KindTimestamp FieldKind = "timestamp"
)

// FieldDef describes one field of a record type.
type FieldDef struct {
	Kind     FieldKind `yaml:"kind" json:"kind"`
	Required bool      `yaml:"required" json:"required"`

	// Default is a literal default copied into synthesized records. The
	// sentinel strings "today" and "now" resolve to the current timestamp.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	// Options lists allowed values for enum fields; the first entry is the
	// fallback used when a required enum is left unset.
	Options []string `yaml:"options,omitempty" json:"options,omitempty"`
}

// RecordType describes one resolvable record type.
type RecordType struct {
	Name string `yaml:"name" json:"name"`

	// UniqueField scopes the create-if-absent uniqueness constraint. Empty
	// means the primary search field of the resolving spec is used.
	UniqueField string `yaml:"unique_field,omitempty" json:"unique_field,omitempty"`

	Fields map[string]FieldDef `yaml:"fields" json:"fields"`

	// SearchFieldFor maps a relationship field name to the field searched on
	// the target type. An explicit entry here wins over name derivation.
	SearchFieldFor map[string]string `yaml:"search_field_for,omitempty" json:"search_field_for,omitempty"`
}

// Validate checks the record type definition.
func (rt *RecordType) Validate() error {
	if rt.Name == "" {
		return errors.New("record type name cannot be empty")
	}
	for name, def := range rt.Fields {
		if name == "" {
			return fmt.Errorf("record type %s has a field with an empty name", rt.Name)
		}
		if def.Kind == KindEnum && len(def.Options) == 0 && def.Required {
			return fmt.Errorf("record type %s field %s: required enum needs options", rt.Name, name)
		}
	}
	if rt.UniqueField != "" {
		if _, ok := rt.Fields[rt.UniqueField]; !ok {
			return fmt.Errorf("record type %s: unique field %s is not defined", rt.Name, rt.UniqueField)
		}
	}
	return nil
}

// TemporalNow resolves the "today"/"now" default sentinels.
func TemporalNow(v any) (any, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	switch strings.ToLower(s) {
	case "today", "now":
		return time.Now().UTC().Format(time.RFC3339), true
	default:
		return nil, false
	}
}

// Registry is a concurrency-safe collection of record type definitions.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*RecordType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*RecordType)}
}

// Register adds or replaces a record type definition.
func (r *Registry) Register(rt *RecordType) error {
	if err := rt.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[rt.Name] = rt
	return nil
}

// Get returns the definition for a record type name.
func (r *Registry) Get(name string) (*RecordType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.types[name]
	return rt, ok
}

// Names returns all registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeriveSearchField resolves which target-type field a relationship field's
// value is matched against. Precedence: explicit mapping on the target type,
// then a sibling field of the same name minus the "_id" suffix, then plain
// name derivation.
func (r *Registry) DeriveSearchField(targetType, relationField string, sibling func(string) bool) string {
	if rt, ok := r.Get(targetType); ok {
		if mapped, ok := rt.SearchFieldFor[relationField]; ok && mapped != "" {
			return mapped
		}
	}
	derived := strings.TrimSuffix(relationField, "_id")
	if sibling != nil && sibling(derived) {
		return derived
	}
	if rt, ok := r.Get(targetType); ok {
		if _, ok := rt.Fields[derived]; ok {
			return derived
		}
		// fall back to a name field when the type defines one
		if _, ok := rt.Fields["name"]; ok {
			return "name"
		}
	}
	return derived
}

package resolution

import (
	"regexp"
	"strings"

	apperrors "entitylink/internal/errors"
	"entitylink/internal/schema"
	"entitylink/internal/types"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	slugStrip    = regexp.MustCompile(`[^a-z0-9]+`)
)

// IsEmail reports whether a value is a syntactically valid email address.
func IsEmail(value string) bool {
	return emailPattern.MatchString(strings.TrimSpace(value))
}

// Slug lowercases a value and collapses everything non-alphanumeric into
// single dashes, for synthesized placeholder emails.
func Slug(value string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	return strings.Trim(s, "-")
}

// Synthesizer builds the field map for a record that resolution decided to
// create: the textual value seeds the primary search field, then schema
// metadata and spec-level defaults fill in the rest. Persistence is the
// engine's job; synthesis is pure.
type Synthesizer struct {
	registry *schema.Registry
}

// NewSynthesizer creates a synthesizer over a record type registry.
func NewSynthesizer(registry *schema.Registry) *Synthesizer {
	return &Synthesizer{registry: registry}
}

// Synthesize builds the full field map for a new record of the spec's target
// type holding the given textual value.
func (s *Synthesizer) Synthesize(value string, spec *types.FieldResolutionSpec) (types.FieldMap, error) {
	recordType, ok := s.registry.Get(spec.RecordType)
	if !ok {
		return nil, apperrors.NewUnknownRecordTypeError(spec.RecordType)
	}

	primary := spec.PrimarySearchField()
	if primary == "" {
		return nil, apperrors.NewRequiredFieldError("search_fields")
	}

	data := types.FieldMap{primary: value}

	// A value shaped like an email also fills the email field, unless the
	// primary search field already is one.
	if IsEmail(value) && !s.fieldIsEmail(recordType, primary) {
		if _, exists := data["email"]; !exists {
			data["email"] = value
		}
	}

	s.applySchemaDefaults(recordType, value, data)
	s.applySpecDefaults(spec, data)

	return data, nil
}

func (s *Synthesizer) fieldIsEmail(rt *schema.RecordType, field string) bool {
	def, ok := rt.Fields[field]
	return ok && def.Kind == schema.KindEmail
}

// applySchemaDefaults copies literal defaults, resolves temporal sentinels,
// and synthesizes required-but-unset fields from the per-kind heuristic.
func (s *Synthesizer) applySchemaDefaults(rt *schema.RecordType, value string, data types.FieldMap) {
	for name, def := range rt.Fields {
		if _, exists := data[name]; exists {
			continue
		}

		if def.Default != nil {
			if resolved, ok := schema.TemporalNow(def.Default); ok {
				data[name] = resolved
			} else {
				data[name] = def.Default
			}
			continue
		}

		if !def.Required {
			continue
		}

		switch def.Kind {
		case schema.KindEmail:
			data[name] = Slug(value) + "@generated.local"
		case schema.KindBool:
			data[name] = false
		case schema.KindNumber:
			data[name] = 0
		case schema.KindEnum:
			if len(def.Options) > 0 {
				data[name] = def.Options[0]
			}
		case schema.KindTimestamp:
			resolved, _ := schema.TemporalNow("now")
			data[name] = resolved
		case schema.KindText:
			if strings.Contains(strings.ToLower(name), "name") {
				data[name] = value
			}
		}
	}
}

// applySpecDefaults merges spec-level defaults: they fill gaps, and replace
// schema-derived values only when the spec marks them as overrides.
func (s *Synthesizer) applySpecDefaults(spec *types.FieldResolutionSpec, data types.FieldMap) {
	for name, value := range spec.Defaults {
		if _, exists := data[name]; exists && !spec.OverrideDefaults {
			continue
		}
		if resolved, ok := schema.TemporalNow(value); ok {
			data[name] = resolved
			continue
		}
		data[name] = value
	}
}

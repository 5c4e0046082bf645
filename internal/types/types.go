// Package types provides the core domain types for the entity resolution
// engine: field maps, match candidates, resolution specs, and decisions.
package types

import (
	"errors"
	"fmt"
	"time"
)

// FieldMap is a flat key -> value structure representing one record's
// attributes before and after resolution.
type FieldMap map[string]any

// Clone returns a shallow copy of the field map. Array-of-item fields are
// copied one level deep so nested resolution never mutates the caller's input.
func (fm FieldMap) Clone() FieldMap {
	out := make(FieldMap, len(fm))
	for k, v := range fm {
		if items, ok := AsItemList(v); ok {
			copied := make([]FieldMap, len(items))
			for i, item := range items {
				inner := make(FieldMap, len(item))
				for ik, iv := range item {
					inner[ik] = iv
				}
				copied[i] = inner
			}
			out[k] = copied
			continue
		}
		out[k] = v
	}
	return out
}

// StringValue returns the string value for a key, with ok reporting whether
// the key was present and held a non-empty string.
func (fm FieldMap) StringValue(key string) (string, bool) {
	v, ok := fm[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// AsItemList normalizes an array-valued field into a slice of FieldMap.
// It accepts []FieldMap, []map[string]any, and []any of maps, which covers
// both typed callers and JSON-decoded input.
func AsItemList(v any) ([]FieldMap, bool) {
	switch items := v.(type) {
	case []FieldMap:
		return items, true
	case []map[string]any:
		out := make([]FieldMap, len(items))
		for i, m := range items {
			out[i] = FieldMap(m)
		}
		return out, true
	case []any:
		out := make([]FieldMap, 0, len(items))
		for _, e := range items {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, FieldMap(m))
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

// CandidateSource identifies which search path produced a candidate.
type CandidateSource string

const (
	SourceSemantic CandidateSource = "semantic"
	SourceExact    CandidateSource = "exact"
	SourcePartial  CandidateSource = "partial"
)

// Priority returns the tie-break weight of a source. Higher wins when two
// candidates carry the same score.
func (cs CandidateSource) Priority() int {
	switch cs {
	case SourceSemantic:
		return 3
	case SourceExact:
		return 2
	case SourcePartial:
		return 1
	default:
		return 0
	}
}

// Candidate is a previously stored record proposed as a possible match for a
// textual value.
type Candidate struct {
	ID     string          `json:"id"`
	Data   FieldMap        `json:"data,omitempty"`
	Score  float64         `json:"score"`
	Source CandidateSource `json:"source"`
}

// Validate checks the candidate invariants.
func (c *Candidate) Validate() error {
	if c.ID == "" {
		return errors.New("candidate id cannot be empty")
	}
	if c.Score < 0 || c.Score > 1 {
		return fmt.Errorf("candidate score must be in [0,1], got %f", c.Score)
	}
	if c.Source.Priority() == 0 {
		return fmt.Errorf("unknown candidate source: %s", c.Source)
	}
	return nil
}

// FieldResolutionSpec is the static configuration for resolving one
// relationship field against a target record type.
type FieldResolutionSpec struct {
	// RecordType is the target record type candidates are drawn from.
	RecordType string `json:"record_type" yaml:"record_type" mapstructure:"record_type"`

	// SearchFields is the ordered list of fields to match the value against,
	// e.g. ["email", "name"]. The first entry is the primary search field
	// used when synthesizing a new record.
	SearchFields []string `json:"search_fields" yaml:"search_fields" mapstructure:"search_fields"`

	// CreateIfMissing allows synthesizing a new record when no candidate
	// clears the consider threshold.
	CreateIfMissing bool `json:"create_if_missing" yaml:"create_if_missing" mapstructure:"create_if_missing"`

	// Required marks the field as blocking: an Unresolved or AwaitingChoice
	// outcome for a required field fails the enclosing operation.
	Required bool `json:"required" yaml:"required" mapstructure:"required"`

	// Defaults are spec-level field values merged into synthesized records.
	Defaults FieldMap `json:"defaults,omitempty" yaml:"defaults" mapstructure:"defaults"`

	// OverrideDefaults makes spec-level defaults win over schema-inferred
	// values instead of only filling gaps.
	OverrideDefaults bool `json:"override_defaults,omitempty" yaml:"override_defaults" mapstructure:"override_defaults"`

	// SubSpecs resolves relationships on a record this spec creates, keyed by
	// the created record's own field name. These specs never carry SubSpecs
	// of their own: recursion is bounded at one extra level.
	SubSpecs map[string]*FieldResolutionSpec `json:"sub_specs,omitempty" yaml:"sub_specs" mapstructure:"sub_specs"`
}

// Validate checks the spec is usable.
func (s *FieldResolutionSpec) Validate() error {
	if s.RecordType == "" {
		return errors.New("resolution spec requires a record type")
	}
	if len(s.SearchFields) == 0 {
		return errors.New("resolution spec requires at least one search field")
	}
	for field, sub := range s.SubSpecs {
		if sub == nil {
			return fmt.Errorf("sub spec for %q is nil", field)
		}
		if len(sub.SubSpecs) > 0 {
			return fmt.Errorf("sub spec for %q must not declare further sub specs", field)
		}
		if err := sub.Validate(); err != nil {
			return fmt.Errorf("invalid sub spec for %q: %w", field, err)
		}
	}
	return nil
}

// PrimarySearchField returns the first configured search field.
func (s *FieldResolutionSpec) PrimarySearchField() string {
	if len(s.SearchFields) == 0 {
		return ""
	}
	return s.SearchFields[0]
}

// DecisionKind tags the outcome of one field resolution.
type DecisionKind string

const (
	DecisionReused         DecisionKind = "reused"
	DecisionAwaitingChoice DecisionKind = "awaiting_choice"
	DecisionCreated        DecisionKind = "created"
	DecisionUnresolved     DecisionKind = "unresolved"
)

// UnresolvedReason explains why a resolution produced no id.
type UnresolvedReason string

const (
	ReasonNoMatch               UnresolvedReason = "no_match"
	ReasonInvalidSpec           UnresolvedReason = "invalid_spec"
	ReasonSearchUnavailable     UnresolvedReason = "search_unavailable"
	ReasonUnknownRecordType     UnresolvedReason = "unknown_record_type"
	ReasonCreationFailed        UnresolvedReason = "creation_failed"
	ReasonCreationRaceExhausted UnresolvedReason = "creation_race_exhausted"
)

// Decision is the tagged outcome of resolving one textual value.
type Decision struct {
	Kind DecisionKind `json:"kind"`

	// ID is set for Reused and Created outcomes.
	ID string `json:"id,omitempty"`

	// Score is the winning candidate's score for Reused outcomes.
	Score float64 `json:"score,omitempty"`

	// Candidates holds the shortlist surfaced for AwaitingChoice outcomes,
	// descending by score, at most three entries.
	Candidates []Candidate `json:"candidates,omitempty"`

	// Data is the synthesized field map for Created outcomes.
	Data FieldMap `json:"data,omitempty"`

	// SubDecisions records the outcome of resolving a created record's own
	// relationship fields, keyed by that record's field name.
	SubDecisions map[string]Decision `json:"sub_decisions,omitempty"`

	// Reason is set for Unresolved outcomes.
	Reason UnresolvedReason `json:"reason,omitempty"`

	// Detail carries underlying failure detail for the caller to inspect.
	Detail string `json:"detail,omitempty"`
}

// Resolved reports whether the decision produced a usable record id.
func (d *Decision) Resolved() bool {
	return d.Kind == DecisionReused || d.Kind == DecisionCreated
}

// LogEntry records one decision made during a session, keyed by field path
// (including array index and nested field path, e.g. "items[2].product_id").
type LogEntry struct {
	FieldPath string    `json:"field_path"`
	Value     string    `json:"value"`
	Decision  Decision  `json:"decision"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is the append-only record of every decision made during one session.
type Log struct {
	Entries []LogEntry `json:"entries"`
}

// Append adds a decision under the given field path.
func (l *Log) Append(fieldPath, value string, decision Decision) {
	l.Entries = append(l.Entries, LogEntry{
		FieldPath: fieldPath,
		Value:     value,
		Decision:  decision,
		Timestamp: time.Now().UTC(),
	})
}

// Find returns the entry for a field path, or nil.
func (l *Log) Find(fieldPath string) *LogEntry {
	for i := range l.Entries {
		if l.Entries[i].FieldPath == fieldPath {
			return &l.Entries[i]
		}
	}
	return nil
}

// AwaitingChoices returns the entries that need a human answer.
func (l *Log) AwaitingChoices() []LogEntry {
	var out []LogEntry
	for _, e := range l.Entries {
		if e.Decision.Kind == DecisionAwaitingChoice {
			out = append(out, e)
		}
	}
	return out
}

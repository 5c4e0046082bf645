package types

import "fmt"

// ResolveSpec configures one resolution session over one field map: which
// top-level fields are relationships, and which array fields carry items with
// relationship fields of their own.
type ResolveSpec struct {
	// Fields maps a relationship field name to its resolution spec.
	Fields map[string]*FieldResolutionSpec `json:"fields" yaml:"fields" mapstructure:"fields"`

	// Arrays maps an array-valued field name to the specs for relationship
	// fields inside each of its items, e.g. Arrays["items"]["product_id"].
	Arrays map[string]map[string]*FieldResolutionSpec `json:"arrays,omitempty" yaml:"arrays" mapstructure:"arrays"`
}

// Validate checks every contained spec.
func (rs *ResolveSpec) Validate() error {
	if len(rs.Fields) == 0 && len(rs.Arrays) == 0 {
		return fmt.Errorf("resolve spec configures no fields")
	}
	for field, spec := range rs.Fields {
		if spec == nil {
			return fmt.Errorf("spec for field %q is nil", field)
		}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("invalid spec for field %q: %w", field, err)
		}
	}
	for arrayField, itemSpecs := range rs.Arrays {
		if len(itemSpecs) == 0 {
			return fmt.Errorf("array field %q configures no item specs", arrayField)
		}
		for field, spec := range itemSpecs {
			if spec == nil {
				return fmt.Errorf("spec for %s[].%s is nil", arrayField, field)
			}
			if err := spec.Validate(); err != nil {
				return fmt.Errorf("invalid spec for %s[].%s: %w", arrayField, field, err)
			}
		}
	}
	return nil
}

package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// registryFile is the YAML shape of a schema file: a list of record types.
type registryFile struct {
	RecordTypes []*RecordType `yaml:"record_types"`
}

// LoadFile populates a registry from a YAML schema file.
//
// Example:
//
//	record_types:
//	  - name: customer
//	    unique_field: email
//	    fields:
//	      name:   {kind: text, required: true}
//	      email:  {kind: email, required: true}
//	      status: {kind: enum, options: [active, inactive], required: true}
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}

	registry := NewRegistry()
	for _, rt := range file.RecordTypes {
		if err := registry.Register(rt); err != nil {
			return nil, fmt.Errorf("invalid record type %q: %w", rt.Name, err)
		}
	}
	return registry, nil
}

package config

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// FieldSchema describes how one field is recovered when the descriptor
// lacks it.
type FieldSchema struct {
	Patterns          []string `yaml:"patterns"`
	Default           *float64 `yaml:"default,omitempty"`
	DefaultConfidence float64  `yaml:"default_confidence"`
}

// Schema lists the required fields and the recovery rules per field.
type Schema struct {
	Required []string               `yaml:"required"`
	Fields   map[string]FieldSchema `yaml:"fields"`
}

// FieldNames returns every field the schema knows about, sorted.
func (s *Schema) FieldNames() []string {
	seen := make(map[string]bool, len(s.Fields)+len(s.Required))
	for _, f := range s.Required {
		seen[f] = true
	}
	for f := range s.Fields {
		seen[f] = true
	}
	names := make([]string, 0, len(seen))
	for f := range seen {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// IsRequired reports whether field is in the required list.
func (s *Schema) IsRequired(field string) bool {
	for _, f := range s.Required {
		if f == field {
			return true
		}
	}
	return false
}

func ptr(v float64) *float64 { return &v }

// DefaultSchema returns the built-in field schema.
func DefaultSchema() *Schema {
	return &Schema{
		Required: []string{
			"conditioned_floor_area",
			"hvac_tonnage",
			"infiltration_ach50",
			"wall_r_value",
		},
		Fields: map[string]FieldSchema{
			"conditioned_floor_area": {
				Patterns: []string{
					`floor\s*area[:\s]*([0-9,]+\.?[0-9]*)`,
					`area[:\s]*([0-9,]+\.?[0-9]*)\s*sq\s*ft`,
					`([0-9,]+\.?[0-9]*)\s*sq\s*ft`,
				},
			},
			"hvac_tonnage": {
				Patterns: []string{
					`tonnage[:\s]*([0-9]+\.?[0-9]*)`,
					`([0-9]+\.?[0-9]*)\s*ton`,
				},
				Default: ptr(2.5),
			},
			"hvac_seer2": {
				Patterns: []string{
					`seer2?[:\s]*([0-9]+\.?[0-9]*)`,
					`([0-9]+\.?[0-9]*)\s*seer`,
				},
				Default: ptr(14.0),
			},
			"infiltration_ach50": {
				Patterns: []string{
					`ach\s*50[:\s]*([0-9]+\.?[0-9]*)`,
					`([0-9]+\.?[0-9]*)\s*ach`,
				},
				Default: ptr(7.0),
			},
			"wall_r_value": {
				Patterns: []string{
					`r[-\s]?value[:\s]*([0-9]+\.?[0-9]*)`,
					`\br-([0-9]+)\b`,
				},
			},
			"window_u_factor": {
				Patterns: []string{
					`u[-\s]?factor[:\s]*([0-9]+\.?[0-9]*)`,
					`\bu[:\s]+([0-9]*\.[0-9]+)`,
				},
			},
			"window_shgc": {
				Patterns: []string{
					`shgc[:\s]*([0-9]+\.?[0-9]*)`,
					`solar\s*heat\s*gain[:\s]*([0-9]+\.?[0-9]*)`,
				},
			},
		},
	}
}

// LoadSchema reads a YAML field schema. An empty path returns the
// built-in schema. Fields absent from the file keep their built-in rules.
func LoadSchema(path string) (*Schema, error) {
	schema := DefaultSchema()
	if path == "" {
		return schema, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read schema %s", path)
	}

	var file Schema
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrapf(err, "config: parse schema %s", path)
	}

	if len(file.Required) > 0 {
		schema.Required = file.Required
	}
	for name, fs := range file.Fields {
		base, ok := schema.Fields[name]
		if !ok {
			schema.Fields[name] = fs
			continue
		}
		if len(fs.Patterns) > 0 {
			base.Patterns = fs.Patterns
		}
		if fs.Default != nil {
			base.Default = fs.Default
		}
		if fs.DefaultConfidence != 0 {
			base.DefaultConfidence = fs.DefaultConfidence
		}
		schema.Fields[name] = base
	}

	if err := schema.validate(); err != nil {
		return nil, err
	}
	return schema, nil
}

func (s *Schema) validate() error {
	if len(s.Required) == 0 {
		return eris.New("config: schema has no required fields")
	}
	for name, fs := range s.Fields {
		if fs.DefaultConfidence < 0 || fs.DefaultConfidence > 1 {
			return eris.Errorf("config: schema field %s default_confidence %v outside [0,1]", name, fs.DefaultConfidence)
		}
	}
	return nil
}

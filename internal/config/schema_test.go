package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchema(t *testing.T) {
	s := DefaultSchema()

	assert.ElementsMatch(t, []string{"conditioned_floor_area", "hvac_tonnage", "infiltration_ach50", "wall_r_value"}, s.Required)
	assert.True(t, s.IsRequired("hvac_tonnage"))
	assert.False(t, s.IsRequired("window_shgc"))
	assert.Nil(t, s.Fields["conditioned_floor_area"].Default)
	require.NotNil(t, s.Fields["infiltration_ach50"].Default)
	assert.InDelta(t, 7.0, *s.Fields["infiltration_ach50"].Default, 0.001)
	assert.Contains(t, s.FieldNames(), "window_u_factor")
}

func TestLoadSchema_Empty(t *testing.T) {
	s, err := LoadSchema("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSchema().Required, s.Required)
}

func TestLoadSchema_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	content := `
required: [conditioned_floor_area, hvac_tonnage]
fields:
  conditioned_floor_area:
    default: 1800
    default_confidence: 0.3
  hvac_tonnage:
    patterns: ['(\d+(?:\.\d+)?)\s*tons?\s+cooling']
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := LoadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"conditioned_floor_area", "hvac_tonnage"}, s.Required)

	area := s.Fields["conditioned_floor_area"]
	require.NotNil(t, area.Default)
	assert.InDelta(t, 1800.0, *area.Default, 0.001)
	assert.InDelta(t, 0.3, area.DefaultConfidence, 0.001)
	// Patterns not overridden keep their built-in values.
	assert.Len(t, area.Patterns, 3)

	assert.Equal(t, []string{`(\d+(?:\.\d+)?)\s*tons?\s+cooling`}, s.Fields["hvac_tonnage"].Patterns)
}

func TestLoadSchema_Errors(t *testing.T) {
	_, err := LoadSchema(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fields:\n  x:\n    default_confidence: 2\n"), 0644))
	_, err = LoadSchema(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_confidence")
}

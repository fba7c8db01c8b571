package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/eg-automation/internal/host"
)

func TestFormatDescription(t *testing.T) {
	var buf bytes.Buffer
	formatDescription(&buf, &host.Description{
		Application: "EnergyGauge.Application",
		Version:     "7.0",
		Methods:     []string{"Calculate", "OpenProject"},
	})

	output := buf.String()
	assert.Contains(t, output, "Application: EnergyGauge.Application")
	assert.Contains(t, output, "Version: 7.0")
	assert.Contains(t, output, "Methods (2):")
	assert.Contains(t, output, "  OpenProject")
	assert.Contains(t, output, "Properties (0):")
}

package input

import (
	"fmt"

	"github.com/sells-group/eg-automation/internal/config"
	"github.com/sells-group/eg-automation/internal/model"
)

// DefaultDuctLocation is used when a descriptor names no duct location.
const DefaultDuctLocation = "Interior"

// ApplyDefaults fills fields nothing else could resolve with the schema
// default, and blank project info with placeholders. It returns the
// updated resolutions and one warning per filled value.
func ApplyDefaults(lot *model.LotRecord, resolutions []model.FieldResolution, schema *config.Schema) ([]model.FieldResolution, []string) {
	var warnings []string

	out := make([]model.FieldResolution, len(resolutions))
	copy(out, resolutions)
	for i, r := range out {
		if r.Resolved() {
			continue
		}
		fs, ok := schema.Fields[r.Field]
		if !ok || fs.Default == nil {
			continue
		}
		v := *fs.Default
		lot.SetValue(r.Field, v)
		out[i] = model.FieldResolution{
			Field:      r.Field,
			Value:      model.Float(v),
			Confidence: fs.DefaultConfidence,
			Provenance: model.ProvenanceDefault,
		}
		warnings = append(warnings, fmt.Sprintf("%s defaulted to %g", r.Field, v))
	}

	info := &lot.ProjectInfo
	for _, f := range []struct {
		name string
		val  *string
	}{
		{"name", &info.Name},
		{"address", &info.Address},
		{"city", &info.City},
		{"state", &info.State},
		{"zip", &info.Zip},
	} {
		if *f.val == "" {
			*f.val = "Default_" + f.name
			warnings = append(warnings, fmt.Sprintf("project_info.%s missing, using placeholder", f.name))
		}
	}

	if lot.Duct.Location == "" {
		lot.Duct.Location = DefaultDuctLocation
		warnings = append(warnings, "duct.location missing, using "+DefaultDuctLocation)
	}

	return out, warnings
}

// Package input discovers, parses and validates lot descriptors.
package input

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/model"
)

// IsDescriptor reports whether name looks like a lot descriptor file.
func IsDescriptor(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(base), ".json")
}

// List returns the descriptor files in dir, sorted by name.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "input: read dir %s", dir)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || !IsDescriptor(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Load reads and validates one descriptor. Every validation failure wraps
// model.ErrInputMalformed. A relative floor_plan_image resolves against
// the descriptor's directory.
func Load(path string) (*model.LotRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(model.ErrInputMalformed, "input: read %s: %v", path, err)
	}
	return Parse(path, raw)
}

// Parse validates raw descriptor content read from path.
func Parse(path string, raw []byte) (*model.LotRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, eris.Wrapf(model.ErrInputMalformed, "input: %s: descriptor is not a JSON object", path)
	}

	var lot model.LotRecord
	if err := json.Unmarshal(raw, &lot); err != nil {
		return nil, eris.Wrapf(model.ErrInputMalformed, "input: %s: %v", path, err)
	}

	lot.LotID = strings.TrimSpace(lot.LotID)
	if lot.LotID == "" {
		return nil, eris.Wrapf(model.ErrInputMalformed, "input: %s: missing lot_id", path)
	}
	if err := validateValues(&lot); err != nil {
		return nil, eris.Wrapf(model.ErrInputMalformed, "input: %s: lot %s: %v", path, lot.LotID, err)
	}

	if lot.FloorPlanImage != "" && !filepath.IsAbs(lot.FloorPlanImage) {
		lot.FloorPlanImage = filepath.Join(filepath.Dir(path), filepath.FromSlash(lot.FloorPlanImage))
	}
	lot.SourcePath = path
	lot.Raw = raw
	return &lot, nil
}

func validateValues(lot *model.LotRecord) error {
	for _, f := range model.KnownFields {
		if v, ok := lot.Value(f); ok && v < 0 {
			return eris.Errorf("%s is negative (%v)", f, v)
		}
	}
	for name, w := range lot.Building.Windows {
		if w.Area != nil && *w.Area < 0 {
			return eris.Errorf("window %s area is negative", name)
		}
	}
	for name, w := range lot.Building.Walls {
		if (w.Area != nil && *w.Area < 0) || (w.RValue != nil && *w.RValue < 0) {
			return eris.Errorf("wall %s has a negative value", name)
		}
	}
	for name, s := range lot.HVAC {
		if (s.Tonnage != nil && *s.Tonnage < 0) || (s.SEER2 != nil && *s.SEER2 < 0) {
			return eris.Errorf("hvac %s has a negative value", name)
		}
	}
	return nil
}

package model

import (
	"sort"
)

// Provenance records where a resolved field value came from.
type Provenance string

const (
	ProvenanceJSON        Provenance = "source-json"
	ProvenanceOCRPrimary  Provenance = "ocr-primary"
	ProvenanceOCRFallback Provenance = "ocr-fallback"
	ProvenanceDefault     Provenance = "default"
)

// Field keys understood by the resolver and the quality scorer.
const (
	FieldConditionedFloorArea = "conditioned_floor_area"
	FieldHVACTonnage          = "hvac_tonnage"
	FieldHVACSEER2            = "hvac_seer2"
	FieldWallRValue           = "wall_r_value"
	FieldInfiltrationACH50    = "infiltration_ach50"
	FieldWindowUFactor        = "window_u_factor"
	FieldWindowSHGC           = "window_shgc"
)

// KnownFields lists every field key a LotRecord can get or set.
var KnownFields = []string{
	FieldConditionedFloorArea,
	FieldHVACTonnage,
	FieldHVACSEER2,
	FieldWallRValue,
	FieldInfiltrationACH50,
	FieldWindowUFactor,
	FieldWindowSHGC,
}

// ProjectInfo identifies the project the lot belongs to.
type ProjectInfo struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Zip     string `json:"zip,omitempty"`
}

// Window is one window group keyed by orientation.
type Window struct {
	Area    *float64 `json:"area,omitempty"`
	UFactor *float64 `json:"u_factor,omitempty"`
	SHGC    *float64 `json:"shgc,omitempty"`
}

// Wall is one wall assembly.
type Wall struct {
	Area   *float64 `json:"area,omitempty"`
	RValue *float64 `json:"r_value,omitempty"`
}

// Infiltration holds the envelope leakage rate.
type Infiltration struct {
	ACH50 *float64 `json:"ach50,omitempty"`
}

// BuildingData is the envelope section of a lot descriptor.
type BuildingData struct {
	ConditionedFloorArea *float64          `json:"conditioned_floor_area,omitempty"`
	Windows              map[string]Window `json:"windows,omitempty"`
	Walls                map[string]Wall   `json:"walls,omitempty"`
	Infiltration         Infiltration      `json:"infiltration"`
}

// HVACSystem is one heating/cooling system.
type HVACSystem struct {
	Tonnage *float64 `json:"tonnage,omitempty"`
	SEER2   *float64 `json:"seer2,omitempty"`
}

// Duct describes the duct location.
type Duct struct {
	Location string `json:"location,omitempty"`
}

// LotRecord is one parsed lot descriptor.
type LotRecord struct {
	LotID          string                `json:"lot_id"`
	ProjectInfo    ProjectInfo           `json:"project_info"`
	Building       BuildingData          `json:"building_data"`
	HVAC           map[string]HVACSystem `json:"hvac,omitempty"`
	Duct           Duct                  `json:"duct"`
	FloorPlanImage string                `json:"floor_plan_image,omitempty"`

	// SourcePath is the descriptor file the record was loaded from.
	SourcePath string `json:"-"`
	// Raw is the descriptor content exactly as read.
	Raw []byte `json:"-"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Value returns the value of a known field and whether it is present.
// Map-backed fields are read from the first entry in key order that
// carries the value.
func (l *LotRecord) Value(field string) (float64, bool) {
	switch field {
	case FieldConditionedFloorArea:
		return deref(l.Building.ConditionedFloorArea)
	case FieldInfiltrationACH50:
		return deref(l.Building.Infiltration.ACH50)
	case FieldHVACTonnage:
		for _, k := range sortedKeys(l.HVAC) {
			if v, ok := deref(l.HVAC[k].Tonnage); ok {
				return v, true
			}
		}
	case FieldHVACSEER2:
		for _, k := range sortedKeys(l.HVAC) {
			if v, ok := deref(l.HVAC[k].SEER2); ok {
				return v, true
			}
		}
	case FieldWallRValue:
		for _, k := range sortedKeys(l.Building.Walls) {
			if v, ok := deref(l.Building.Walls[k].RValue); ok {
				return v, true
			}
		}
	case FieldWindowUFactor:
		for _, k := range sortedKeys(l.Building.Windows) {
			if v, ok := deref(l.Building.Windows[k].UFactor); ok {
				return v, true
			}
		}
	case FieldWindowSHGC:
		for _, k := range sortedKeys(l.Building.Windows) {
			if v, ok := deref(l.Building.Windows[k].SHGC); ok {
				return v, true
			}
		}
	}
	return 0, false
}

// SetValue stores v for a known field. Map-backed fields fill the first
// entry missing the value, creating a "<prefix>1" entry when the map is
// empty. Unknown fields are ignored and report false.
func (l *LotRecord) SetValue(field string, v float64) bool {
	switch field {
	case FieldConditionedFloorArea:
		l.Building.ConditionedFloorArea = Float(v)
	case FieldInfiltrationACH50:
		l.Building.Infiltration.ACH50 = Float(v)
	case FieldHVACTonnage, FieldHVACSEER2:
		if l.HVAC == nil {
			l.HVAC = make(map[string]HVACSystem)
		}
		key := firstMissing(l.HVAC, "system", func(s HVACSystem) bool {
			if field == FieldHVACTonnage {
				return s.Tonnage == nil
			}
			return s.SEER2 == nil
		})
		s := l.HVAC[key]
		if field == FieldHVACTonnage {
			s.Tonnage = Float(v)
		} else {
			s.SEER2 = Float(v)
		}
		l.HVAC[key] = s
	case FieldWallRValue:
		if l.Building.Walls == nil {
			l.Building.Walls = make(map[string]Wall)
		}
		key := firstMissing(l.Building.Walls, "wall", func(w Wall) bool { return w.RValue == nil })
		w := l.Building.Walls[key]
		w.RValue = Float(v)
		l.Building.Walls[key] = w
	case FieldWindowUFactor, FieldWindowSHGC:
		if l.Building.Windows == nil {
			l.Building.Windows = make(map[string]Window)
		}
		key := firstMissing(l.Building.Windows, "window", func(w Window) bool {
			if field == FieldWindowUFactor {
				return w.UFactor == nil
			}
			return w.SHGC == nil
		})
		w := l.Building.Windows[key]
		if field == FieldWindowUFactor {
			w.UFactor = Float(v)
		} else {
			w.SHGC = Float(v)
		}
		l.Building.Windows[key] = w
	default:
		return false
	}
	return true
}

func firstMissing[V any](m map[string]V, prefix string, missing func(V) bool) string {
	for _, k := range sortedKeys(m) {
		if missing(m[k]) {
			return k
		}
	}
	if len(m) == 0 {
		return prefix + "1"
	}
	// Every entry already has the value; overwrite the first one.
	return sortedKeys(m)[0]
}

func deref(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

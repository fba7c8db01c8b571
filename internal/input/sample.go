package input

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/model"
)

// SampleFileName is the name WriteSample gives the sample descriptor.
const SampleFileName = "Lot101_Sample_inputs.json"

// SampleDescriptor returns a complete example lot.
func SampleDescriptor() *model.LotRecord {
	f := model.Float
	return &model.LotRecord{
		LotID: "Lot101_Sample",
		ProjectInfo: model.ProjectInfo{
			Name:    "Sample Project",
			Address: "123 Main St",
			City:    "Orlando",
			State:   "FL",
			Zip:     "32801",
		},
		Building: model.BuildingData{
			ConditionedFloorArea: f(2402.0),
			Windows: map[string]model.Window{
				"NE": {Area: f(120.5), UFactor: f(0.32), SHGC: f(0.25)},
				"SW": {Area: f(98.3), UFactor: f(0.32), SHGC: f(0.25)},
			},
			Walls: map[string]model.Wall{
				"WoodFrameExt": {Area: f(1650.0), RValue: f(19.0)},
			},
			Infiltration: model.Infiltration{ACH50: f(7.0)},
		},
		HVAC: map[string]model.HVACSystem{
			"system1": {Tonnage: f(3.0), SEER2: f(15.0)},
		},
		Duct:           model.Duct{Location: DefaultDuctLocation},
		FloorPlanImage: "floorplans/Lot101_plan.png",
	}
}

// WriteSample writes the sample descriptor into dir and returns its path.
func WriteSample(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "input: create %s", dir)
	}
	data, err := json.MarshalIndent(SampleDescriptor(), "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "input: encode sample")
	}
	path := filepath.Join(dir, SampleFileName)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", eris.Wrapf(err, "input: write %s", path)
	}
	return path, nil
}

// Package quality classifies a lot's extraction results as green, yellow
// or red. Everything here is pure and safe to call from any goroutine.
package quality

import (
	"math"
	"sort"

	"github.com/sells-group/eg-automation/internal/model"
)

// Assessment is the scored view of a lot's resolutions.
type Assessment struct {
	Status        model.QualityStatus `json:"status"`
	Missing       []string            `json:"missing,omitempty"`
	LowConfidence []string            `json:"low_confidence,omitempty"`
	MinConfidence float64             `json:"min_confidence"`
	// LowOptional lists optional fields below threshold. They are shown
	// to the reviewer but never change Status.
	LowOptional []string `json:"low_optional,omitempty"`
}

// Score classifies resolutions. Any required field without a value is
// red. Otherwise the lot is yellow when the lowest confidence among the
// required fields is below threshold, and green when it is not. Values
// taken from the source JSON count as confidence 1.
func Score(resolutions []model.FieldResolution, required []string, threshold float64) model.QualityStatus {
	return Assess(resolutions, required, threshold).Status
}

// Assess is Score plus the fields that drove the classification.
func Assess(resolutions []model.FieldResolution, required []string, threshold float64) Assessment {
	resolved := make(map[string]float64, len(resolutions))
	for _, r := range resolutions {
		if !r.Resolved() {
			continue
		}
		c := effectiveConfidence(r)
		// Keep the best resolution when a field appears twice.
		if prev, ok := resolved[r.Field]; !ok || c > prev {
			resolved[r.Field] = c
		}
	}

	a := Assessment{MinConfidence: 1}
	isRequired := make(map[string]bool, len(required))
	for _, f := range required {
		if isRequired[f] {
			continue
		}
		isRequired[f] = true
		c, ok := resolved[f]
		if !ok {
			a.Missing = append(a.Missing, f)
			continue
		}
		a.MinConfidence = math.Min(a.MinConfidence, c)
		if c < threshold {
			a.LowConfidence = append(a.LowConfidence, f)
		}
	}

	for f, c := range resolved {
		if !isRequired[f] && c < threshold {
			a.LowOptional = append(a.LowOptional, f)
		}
	}
	sort.Strings(a.Missing)
	sort.Strings(a.LowConfidence)
	sort.Strings(a.LowOptional)

	switch {
	case len(a.Missing) > 0:
		a.Status = model.QualityRed
	case len(a.LowConfidence) > 0:
		a.Status = model.QualityYellow
	default:
		a.Status = model.QualityGreen
	}
	return a
}

func effectiveConfidence(r model.FieldResolution) float64 {
	if r.Provenance == model.ProvenanceJSON {
		return 1
	}
	return math.Max(0, math.Min(1, r.Confidence))
}

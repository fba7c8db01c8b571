package ocr

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/config"
	"github.com/sells-group/eg-automation/internal/model"
)

// TextSource is what the Extractor reads images with; *Chain implements it.
type TextSource interface {
	Recognize(ctx context.Context, imagePath string) (ChainResult, error)
}

// Extractor resolves every schema field of a lot, from the descriptor
// when present and from the floor-plan image otherwise.
type Extractor struct {
	source TextSource
	parser *FieldParser
	schema *config.Schema
}

// NewExtractor creates an Extractor. source may be nil, in which case
// fields missing from the descriptor stay unresolved.
func NewExtractor(source TextSource, schema *config.Schema) (*Extractor, error) {
	parser, err := NewFieldParser(schema)
	if err != nil {
		return nil, err
	}
	return &Extractor{source: source, parser: parser, schema: schema}, nil
}

// Resolve returns one resolution per schema field, sorted by field name.
// Values found by OCR are written back into lot. The image is recognized
// at most once per call. The returned error is non-nil only when ctx is
// done; a field nothing could read is recorded on its resolution.
func (e *Extractor) Resolve(ctx context.Context, lot *model.LotRecord) ([]model.FieldResolution, error) {
	log := zap.L().With(zap.String("lot_id", lot.LotID), zap.String("stage", model.StageExtract))

	var (
		recognized bool
		result     ChainResult
		reason     string
	)
	recognize := func() {
		if recognized {
			return
		}
		recognized = true
		switch {
		case e.source == nil:
			reason = "no recognizer configured"
		case lot.FloorPlanImage == "":
			reason = "no floor plan image"
		default:
			if _, err := os.Stat(lot.FloorPlanImage); err != nil {
				reason = "floor plan image not readable"
				return
			}
			res, err := e.source.Recognize(ctx, lot.FloorPlanImage)
			if err != nil {
				reason = err.Error()
				return
			}
			result = res
			log.Info("ocr: image recognized",
				zap.String("recognizer", res.Best.Recognizer),
				zap.Float64("confidence", res.Best.Result.Confidence),
				zap.Int("attempts", len(res.Attempts)),
			)
		}
	}

	names := e.schema.FieldNames()
	out := make([]model.FieldResolution, 0, len(names))
	for _, field := range names {
		if v, ok := lot.Value(field); ok {
			out = append(out, model.FieldResolution{
				Field:      field,
				Value:      model.Float(v),
				Confidence: 1,
				Provenance: model.ProvenanceJSON,
			})
			continue
		}

		recognize()
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r := model.FieldResolution{Field: field}
		if att, v, ok := e.find(result, field); ok {
			lot.SetValue(field, v)
			r.Value = model.Float(v)
			r.Confidence = att.Result.Confidence
			r.Provenance = att.Provenance()
		} else {
			msg := reason
			if msg == "" {
				msg = "no recognizer produced a value"
			}
			r.Error = model.ErrExtractionFailed.Error() + ": " + msg
			if e.schema.IsRequired(field) {
				log.Warn("ocr: required field unresolved", zap.String("field", field), zap.String("reason", msg))
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// find parses field from the selected attempt first, then from the other
// successful attempts in rank order.
func (e *Extractor) find(res ChainResult, field string) (Attempt, float64, bool) {
	if !e.parser.Has(field) || len(res.Attempts) == 0 {
		return Attempt{}, 0, false
	}
	candidates := append([]Attempt{res.Best}, res.Attempts...)
	for _, att := range candidates {
		if att.Err != nil || att.Result.Text == "" {
			continue
		}
		if v, ok := e.parser.Parse(att.Result.Text, field); ok {
			return att, v, true
		}
	}
	return Attempt{}, 0, false
}

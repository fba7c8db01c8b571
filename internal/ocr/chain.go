package ocr

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/model"
)

// Attempt is one recognizer's result within a chain run.
type Attempt struct {
	Recognizer string      `json:"recognizer"`
	Rank       int         `json:"rank"`
	Result     Recognition `json:"result"`
	Err        error       `json:"-"`
}

// Provenance tags values read from this attempt.
func (a Attempt) Provenance() model.Provenance {
	if a.Rank == 0 {
		return model.ProvenanceOCRPrimary
	}
	return model.ProvenanceOCRFallback
}

// ChainResult holds the selected attempt and every attempt made.
type ChainResult struct {
	Best     Attempt   `json:"best"`
	Attempts []Attempt `json:"attempts"`
}

// Chain tries recognizers in rank order until one clears the threshold.
type Chain struct {
	recognizers []Recognizer
	threshold   float64
	timeout     time.Duration
}

// NewChain creates a chain; recognizers are ranked in the order given.
func NewChain(threshold float64, recognizers ...Recognizer) *Chain {
	return &Chain{recognizers: recognizers, threshold: threshold}
}

// Recognize runs the chain over imagePath. The first attempt whose
// confidence reaches the threshold wins; if none does, the most confident
// attempt is returned, the earlier rank winning ties. A failing recognizer
// counts as confidence 0. Only context cancellation is returned as an error.
func (c *Chain) Recognize(ctx context.Context, imagePath string) (ChainResult, error) {
	var res ChainResult
	log := zap.L().With(zap.String("image", imagePath))

	for rank, r := range c.recognizers {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		callCtx := ctx
		cancel := func() {}
		if c.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		}
		start := time.Now()
		rec, err := r.Recognize(callCtx, imagePath)
		cancel()

		att := Attempt{Recognizer: r.Name(), Rank: rank, Err: err}
		if err != nil {
			log.Warn("ocr: recognizer failed",
				zap.String("recognizer", r.Name()),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
		} else {
			rec.Confidence = clamp01(rec.Confidence)
			att.Result = rec
		}
		res.Attempts = append(res.Attempts, att)

		log.Debug("ocr: recognizer complete",
			zap.String("recognizer", r.Name()),
			zap.Float64("confidence", att.Result.Confidence),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)

		if err == nil && att.Result.Confidence >= c.threshold {
			res.Best = att
			return res, nil
		}
	}

	for i, att := range res.Attempts {
		if i == 0 || att.Result.Confidence > res.Best.Result.Confidence {
			res.Best = att
		}
	}
	return res, nil
}

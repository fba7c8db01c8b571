// Package ocr recovers missing lot fields from floor-plan images through a
// ranked chain of text recognizers.
package ocr

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/config"
)

// Recognition is the text a recognizer read from an image and its
// confidence in [0,1].
type Recognition struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Recognizer reads text from an image file.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, imagePath string) (Recognition, error)
}

// NewRecognizer creates a Recognizer by kind. "none" and "" return nil.
func NewRecognizer(kind string, cfg config.OCRConfig) (Recognizer, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "tesseract":
		return NewTesseract(cfg.Language, cfg.TessdataPrefix), nil
	case "command":
		return NewCommand(cfg.Command.Path, cfg.Command.Args...), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral recognizer requires ocr.mistral_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel,
			WithConfidence(cfg.MistralConfidence),
			WithRateLimit(cfg.MistralRatePerSec),
		), nil
	default:
		return nil, eris.Errorf("ocr: unknown recognizer %q", kind)
	}
}

// NewChainFromConfig builds the primary/fallback chain described by cfg.
func NewChainFromConfig(cfg config.OCRConfig, threshold float64) (*Chain, error) {
	var ranked []Recognizer
	for _, kind := range []string{cfg.Primary, cfg.Fallback} {
		r, err := NewRecognizer(kind, cfg)
		if err != nil {
			return nil, err
		}
		if r != nil {
			ranked = append(ranked, r)
		}
	}
	if len(ranked) == 0 {
		return nil, eris.New("ocr: no recognizers configured")
	}

	chain := NewChain(threshold, ranked...)
	if cfg.TimeoutSecs > 0 {
		chain.timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}
	return chain, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

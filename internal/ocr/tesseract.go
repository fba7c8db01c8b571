package ocr

import (
	"context"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"github.com/rotisserie/eris"
)

// Tesseract recognizes text locally through libtesseract.
type Tesseract struct {
	language       string
	tessdataPrefix string
}

// NewTesseract creates a Tesseract recognizer. If language is empty,
// "eng" is used.
func NewTesseract(language, tessdataPrefix string) *Tesseract {
	if language == "" {
		language = "eng"
	}
	return &Tesseract{language: language, tessdataPrefix: tessdataPrefix}
}

// Name implements Recognizer.
func (t *Tesseract) Name() string { return "tesseract" }

// Recognize preprocesses the image and returns the page text with the mean
// word confidence. libtesseract calls cannot be interrupted, so ctx is only
// checked before the call.
func (t *Tesseract) Recognize(ctx context.Context, imagePath string) (Recognition, error) {
	if err := ctx.Err(); err != nil {
		return Recognition{}, err
	}

	prepared, cleanup, err := preprocessFile(imagePath)
	if err != nil {
		return Recognition{}, err
	}
	defer cleanup()

	client := gosseract.NewClient()
	defer client.Close() //nolint:errcheck
	if t.tessdataPrefix != "" {
		client.TessdataPrefix = t.tessdataPrefix
	}
	if err := client.SetLanguage(t.language); err != nil {
		return Recognition{}, eris.Wrap(err, "ocr: tesseract set language")
	}
	if err := client.SetImage(prepared); err != nil {
		return Recognition{}, eris.Wrapf(err, "ocr: tesseract load %s", imagePath)
	}

	text, err := client.Text()
	if err != nil {
		return Recognition{}, eris.Wrapf(err, "ocr: tesseract read %s", imagePath)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return Recognition{}, eris.Wrapf(err, "ocr: tesseract word boxes %s", imagePath)
	}
	var sum float64
	var n int
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" || b.Confidence <= 0 {
			continue
		}
		sum += b.Confidence
		n++
	}

	rec := Recognition{Text: text}
	if n > 0 {
		rec.Confidence = clamp01(sum / float64(n) / 100)
	}
	return rec, nil
}

package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/eg-automation/internal/resilience"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"
	// The OCR API reports no score; results are trusted at this level
	// unless configured otherwise.
	defaultMistralConfidence = 0.8
)

// MistralOption configures a MistralOCR recognizer.
type MistralOption func(*MistralOCR)

// WithConfidence sets the confidence reported for Mistral results.
func WithConfidence(c float64) MistralOption {
	return func(m *MistralOCR) {
		if c > 0 {
			m.confidence = clamp01(c)
		}
	}
}

// WithRateLimit caps requests per second. Zero leaves it unlimited.
func WithRateLimit(perSec float64) MistralOption {
	return func(m *MistralOCR) {
		if perSec > 0 {
			m.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// MistralOCR recognizes text from images using the Mistral OCR API.
type MistralOCR struct {
	apiKey     string
	model      string
	endpoint   string
	confidence float64
	client     *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.Breaker
	retry      resilience.Policy
}

// NewMistralOCR creates a MistralOCR recognizer. If model is empty, the default is used.
func NewMistralOCR(apiKey, model string, opts ...MistralOption) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	m := &MistralOCR{
		apiKey:     apiKey,
		model:      model,
		endpoint:   mistralOCREndpoint,
		confidence: defaultMistralConfidence,
		client:     &http.Client{Timeout: 2 * time.Minute},
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     time.Minute,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("ocr: mistral circuit state change",
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
			},
		}),
		retry: resilience.Policy{MaxAttempts: 2, Backoff: time.Second},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Name implements Recognizer.
func (m *MistralOCR) Name() string { return "mistral" }

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRDocument struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

type mistralOCRResponse struct {
	Pages []mistralOCRPage `json:"pages"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// Recognize sends the image to Mistral OCR and returns the page text.
func (m *MistralOCR) Recognize(ctx context.Context, imagePath string) (Recognition, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return Recognition{}, eris.Wrapf(err, "ocr: read image %s", imagePath)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(imagePath)))
	if mimeType == "" {
		mimeType = "image/png"
	}

	body, err := json.Marshal(mistralOCRRequest{
		Model: m.model,
		Document: mistralOCRDocument{
			Type:     "image_url",
			ImageURL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		},
	})
	if err != nil {
		return Recognition{}, eris.Wrap(err, "ocr: marshal mistral request")
	}

	var text string
	_, err = resilience.Do(ctx, m.retry, func(ctx context.Context, _ int) error {
		return m.breaker.Execute(ctx, func(ctx context.Context) error {
			t, err := m.post(ctx, body)
			text = t
			return err
		})
	})
	if err != nil {
		return Recognition{}, err
	}

	return Recognition{Text: text, Confidence: m.confidence}, nil
}

func (m *MistralOCR) post(ctx context.Context, body []byte) (string, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "ocr: mistral rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "ocr: mistral API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "ocr: read mistral response")
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("ocr: mistral API returned %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", err
	}

	var ocrResp mistralOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return "", eris.Wrap(err, "ocr: unmarshal mistral response")
	}

	var sb strings.Builder
	for i, page := range ocrResp.Pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page.Markdown)
	}
	return sb.String(), nil
}

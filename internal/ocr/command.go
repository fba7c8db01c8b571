package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Command recognizes text by running an external recognizer executable
// with the image path as its last argument. The executable prints either
// a JSON object {"text", "confidence"}, a JSON array of such segments, or
// plain text (confidence 0).
type Command struct {
	binPath string
	args    []string
}

// NewCommand creates a Command recognizer.
func NewCommand(binPath string, args ...string) *Command {
	return &Command{binPath: binPath, args: args}
}

// Name implements Recognizer.
func (c *Command) Name() string { return filepath.Base(c.binPath) }

// Recognize runs the executable and parses its output.
func (c *Command) Recognize(ctx context.Context, imagePath string) (Recognition, error) {
	if c.binPath == "" {
		return Recognition{}, eris.New("ocr: command recognizer has no executable")
	}

	args := append(append([]string{}, c.args...), imagePath)
	cmd := exec.CommandContext(ctx, c.binPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Recognition{}, eris.Wrapf(err, "ocr: %s failed for %s: %s", c.Name(), imagePath, strings.TrimSpace(stderr.String()))
	}

	return parseCommandOutput(stdout.Bytes())
}

type segment struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func parseCommandOutput(out []byte) (Recognition, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return Recognition{}, nil
	}

	switch trimmed[0] {
	case '{':
		var s segment
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Recognition{}, eris.Wrap(err, "ocr: parse recognizer output")
		}
		return Recognition{Text: s.Text, Confidence: normalizeConfidence(s.Confidence)}, nil
	case '[':
		var segs []segment
		if err := json.Unmarshal(trimmed, &segs); err != nil {
			return Recognition{}, eris.Wrap(err, "ocr: parse recognizer output")
		}
		if len(segs) == 0 {
			return Recognition{}, nil
		}
		lines := make([]string, 0, len(segs))
		var sum float64
		for _, s := range segs {
			lines = append(lines, s.Text)
			sum += normalizeConfidence(s.Confidence)
		}
		return Recognition{Text: strings.Join(lines, "\n"), Confidence: sum / float64(len(segs))}, nil
	default:
		return Recognition{Text: string(trimmed)}, nil
	}
}

// normalizeConfidence accepts either a fraction or a percentage.
func normalizeConfidence(c float64) float64 {
	if c > 1 {
		c /= 100
	}
	return clamp01(c)
}

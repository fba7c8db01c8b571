package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/model"
)

// identityFields never contribute to the content fingerprint: the same
// building submitted under another lot_id is still the same content.
var identityFields = []string{"lot_id", "floor_plan_image"}

// Compute fingerprints a lot. The image component hashes the raw bytes of
// the floor plan, the content component hashes the canonical descriptor
// with identity and volatile fields removed at any depth. The key
// combines both, or is the content hash alone when there is no image.
func Compute(lot *model.LotRecord, volatile []string) (model.Fingerprint, error) {
	var fp model.Fingerprint

	content, err := CanonicalJSON(lot.Raw, volatile)
	if err != nil {
		return fp, err
	}
	fp.Content = hashBytes(content)

	if lot.FloorPlanImage != "" {
		// A referenced image that does not exist counts as no image.
		if _, statErr := os.Stat(lot.FloorPlanImage); statErr == nil {
			img, err := HashFile(lot.FloorPlanImage)
			if err != nil {
				return fp, err
			}
			fp.Image = img
		}
	}

	if fp.Image == "" {
		fp.Key = fp.Content
		return fp, nil
	}
	fp.Key = hashBytes([]byte(fp.Image + ":" + fp.Content))
	return fp, nil
}

// CanonicalJSON re-encodes raw with sorted keys and numbers normalized,
// dropping identity and volatile keys wherever they appear.
func CanonicalJSON(raw []byte, volatile []string) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "dedupe: parse descriptor")
	}

	drop := make(map[string]bool, len(identityFields)+len(volatile))
	for _, f := range identityFields {
		drop[f] = true
	}
	for _, f := range volatile {
		drop[f] = true
	}

	out, err := json.Marshal(strip(doc, drop))
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: encode canonical descriptor")
	}
	return out, nil
}

func strip(v any, drop map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if drop[k] {
				continue
			}
			out[k] = strip(child, drop)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = strip(child, drop)
		}
		return out
	default:
		return v
	}
}

// HashFile returns the hex sha256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "dedupe: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "dedupe: read %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

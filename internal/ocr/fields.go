package ocr

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/eg-automation/internal/config"
)

// FieldParser pulls numeric field values out of recognized text.
type FieldParser struct {
	patterns map[string][]*regexp.Regexp
}

// NewFieldParser compiles the schema's patterns. Each pattern must have
// one capture group holding the number.
func NewFieldParser(schema *config.Schema) (*FieldParser, error) {
	p := &FieldParser{patterns: make(map[string][]*regexp.Regexp, len(schema.Fields))}
	for field, fs := range schema.Fields {
		for _, src := range fs.Patterns {
			re, err := regexp.Compile("(?i)" + src)
			if err != nil {
				return nil, eris.Wrapf(err, "ocr: compile pattern for %s", field)
			}
			if re.NumSubexp() < 1 {
				return nil, eris.Errorf("ocr: pattern %q for %s has no capture group", src, field)
			}
			p.patterns[field] = append(p.patterns[field], re)
		}
	}
	return p, nil
}

// Normalize folds compatibility characters and case so patterns see
// plain ASCII digits and letters where the recognizer emitted variants.
func Normalize(text string) string {
	return strings.ToLower(norm.NFKC.String(text))
}

// Parse returns the first value any of field's patterns finds in text.
func (p *FieldParser) Parse(text, field string) (float64, bool) {
	text = Normalize(text)
	for _, re := range p.patterns[field] {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			raw := strings.ReplaceAll(m[1], ",", "")
			raw = strings.TrimSuffix(raw, ".")
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			return v, true
		}
	}
	return 0, false
}

// Has reports whether the parser has patterns for field.
func (p *FieldParser) Has(field string) bool {
	return len(p.patterns[field]) > 0
}

package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/model"
)

// Prompter asks an operator to approve, reject or skip each lot on a
// terminal.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter creates a Prompter reading answers from in and writing the
// review screen to out.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// IsInteractive reports whether f is attached to a terminal.
func IsInteractive(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Present implements Approver.
func (p *Prompter) Present(_ context.Context, item ReviewItem) error {
	a := item.Assessment
	fmt.Fprintf(p.out, "\n=== Lot %s  [%s]  min confidence %.2f\n",
		item.Lot.LotID, strings.ToUpper(string(a.Status)), a.MinConfidence)
	if item.Lot.SourcePath != "" {
		fmt.Fprintf(p.out, "source: %s\n", item.Lot.SourcePath)
	}
	if item.Fingerprint.Key != "" {
		fmt.Fprintf(p.out, "fingerprint: %s\n", shortHash(item.Fingerprint.Key))
	}

	w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE\tCONFIDENCE\tSOURCE\tNOTE")
	for _, r := range item.Resolutions {
		value, conf, note := "-", "-", r.Error
		if r.Resolved() {
			value = fmt.Sprintf("%g", *r.Value)
			conf = fmt.Sprintf("%.2f", r.Confidence)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Field, value, conf, orDash(string(r.Provenance)), note)
	}
	if err := w.Flush(); err != nil {
		return eris.Wrap(err, "approval: render review")
	}

	if len(a.Missing) > 0 {
		fmt.Fprintf(p.out, "missing required: %s\n", strings.Join(a.Missing, ", "))
	}
	if len(a.LowConfidence) > 0 {
		fmt.Fprintf(p.out, "low confidence: %s\n", strings.Join(a.LowConfidence, ", "))
	}
	if len(a.LowOptional) > 0 {
		fmt.Fprintf(p.out, "low confidence (optional): %s\n", strings.Join(a.LowOptional, ", "))
	}
	for _, warn := range item.Warnings {
		fmt.Fprintf(p.out, "warning: %s\n", warn)
	}
	return nil
}

// Decide implements Approver. Red lots are only offered reject or skip.
// End of input skips the lot.
func (p *Prompter) Decide(ctx context.Context, item ReviewItem) (Decision, error) {
	red := item.Assessment.Status == model.QualityRed
	prompt := "[a]pprove / [r]eject / [s]kip: "
	if red {
		prompt = "red lot, cannot be approved. [r]eject / [s]kip: "
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		fmt.Fprint(p.out, prompt)

		line, err := p.in.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		if err != nil && answer == "" {
			if err == io.EOF {
				fmt.Fprintln(p.out)
				return DecisionSkip, nil
			}
			return "", eris.Wrap(err, "approval: read answer")
		}

		switch answer {
		case "a", "approve":
			if !red {
				return DecisionApprove, nil
			}
		case "r", "reject":
			return DecisionReject, nil
		case "s", "skip":
			return DecisionSkip, nil
		}
		fmt.Fprintf(p.out, "unrecognized answer %q\n", answer)
	}
}

func formatResolution(r model.FieldResolution) string {
	return fmt.Sprintf("%g (%s, %.2f)", *r.Value, r.Provenance, r.Confidence)
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

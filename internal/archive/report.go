package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/eg-automation/internal/model"
)

// Report file names under <archive>/<run>/.
const (
	ReportJSONFile = "run_report.json"
	ReportXLSXFile = "run_report.xlsx"
)

// Report aggregates one run.
type Report struct {
	RunID      string           `json:"run_id"`
	Mode       string           `json:"mode"`
	Status     model.RunStatus  `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Summary    model.RunSummary `json:"summary"`
	Lots       []LogRow         `json:"lots"`
}

// NewReport builds a report for run from its outcomes.
func NewReport(run model.Run, outcomes []model.Outcome, finished time.Time) Report {
	r := Report{
		RunID:      run.ID,
		Mode:       run.Mode,
		Status:     run.Status,
		StartedAt:  run.CreatedAt,
		FinishedAt: finished,
		Summary:    model.Summarize(outcomes),
	}
	for _, o := range outcomes {
		r.Lots = append(r.Lots, NewLogRow(o))
	}
	return r
}

// WriteReport writes run_report.json and run_report.xlsx into the run's
// archive directory and returns their paths.
func (a *Archiver) WriteReport(r Report) ([]string, error) {
	dir := a.RunDir(r.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "archive: create %s", dir)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "archive: encode report")
	}
	jsonPath := filepath.Join(dir, ReportJSONFile)
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return nil, eris.Wrapf(err, "archive: write %s", jsonPath)
	}

	xlsxPath := filepath.Join(dir, ReportXLSXFile)
	if err := writeWorkbook(xlsxPath, r); err != nil {
		return []string{jsonPath}, err
	}
	return []string{jsonPath, xlsxPath}, nil
}

var lotHeader = []string{
	"lot_id", "outcome", "quality", "attempts", "fingerprint",
	"duplicate_of", "error", "started_at", "finished_at", "duration_ms", "artifacts",
}

func writeWorkbook(path string, r Report) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "xlsx: add summary sheet")
	}
	s := r.Summary
	for _, kv := range []struct {
		k string
		v any
	}{
		{"run_id", r.RunID},
		{"mode", r.Mode},
		{"status", string(r.Status)},
		{"started_at", r.StartedAt.UTC().Format(time.RFC3339)},
		{"finished_at", r.FinishedAt.UTC().Format(time.RFC3339)},
		{"total", s.Total},
		{"approved_success", s.ApprovedSuccess},
		{"approved_failure", s.ApprovedFailure},
		{"rejected", s.Rejected},
		{"skipped", s.Skipped},
		{"duplicate", s.Duplicate},
		{"green", s.Green},
		{"yellow", s.Yellow},
		{"red", s.Red},
		{"success_rate", s.SuccessRate},
		{"total_duration_ms", s.TotalDurationMs},
		{"avg_duration_ms", s.AvgDurationMs},
	} {
		row := summary.AddRow()
		row.AddCell().SetString(kv.k)
		setCell(row.AddCell(), kv.v)
	}

	lots, err := f.AddSheet("Lots")
	if err != nil {
		return eris.Wrap(err, "xlsx: add lots sheet")
	}
	header := lots.AddRow()
	for _, h := range lotHeader {
		header.AddCell().SetString(h)
	}
	for _, l := range r.Lots {
		row := lots.AddRow()
		row.AddCell().SetString(l.LotID)
		row.AddCell().SetString(l.Outcome)
		row.AddCell().SetString(l.Quality)
		row.AddCell().SetInt(l.Attempts)
		row.AddCell().SetString(l.Fingerprint)
		row.AddCell().SetString(l.DuplicateOf)
		row.AddCell().SetString(l.Error)
		row.AddCell().SetString(l.StartedAt.Format(time.RFC3339))
		row.AddCell().SetString(l.FinishedAt.Format(time.RFC3339))
		row.AddCell().SetInt64(l.DurationMs)
		row.AddCell().SetString(strings.ReplaceAll(l.Artifacts, ";", "\n"))
	}

	return eris.Wrapf(f.Save(path), "xlsx: save %s", path)
}

func setCell(c *xlsx.Cell, v any) {
	switch x := v.(type) {
	case int:
		c.SetInt(x)
	case int64:
		c.SetInt64(x)
	case float64:
		c.SetFloat(x)
	default:
		c.SetValue(x)
	}
}

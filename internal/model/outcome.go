package model

import "time"

// FieldResolution is the resolved value of one required or optional field.
type FieldResolution struct {
	Field      string     `json:"field"`
	Value      *float64   `json:"value,omitempty"`
	Confidence float64    `json:"confidence"`
	Provenance Provenance `json:"provenance,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Resolved reports whether the field carries a value.
func (r FieldResolution) Resolved() bool { return r.Value != nil }

// QualityStatus is the tri-state quality classification of a lot.
type QualityStatus string

const (
	QualityGreen  QualityStatus = "green"
	QualityYellow QualityStatus = "yellow"
	QualityRed    QualityStatus = "red"
)

// Fingerprint identifies lot content independent of its lot_id.
type Fingerprint struct {
	Image   string `json:"image,omitempty"`
	Content string `json:"content"`
	Key     string `json:"key"`
}

// OutcomeKind is the terminal result of one lot within a run.
type OutcomeKind string

const (
	OutcomeApprovedSuccess OutcomeKind = "approved-success"
	OutcomeApprovedFailure OutcomeKind = "approved-failure"
	OutcomeRejected        OutcomeKind = "rejected"
	OutcomeSkipped         OutcomeKind = "skipped"
	OutcomeDuplicate       OutcomeKind = "duplicate"
)

// Outcome is the single recorded result of one lot within a run.
type Outcome struct {
	RunID       string            `json:"run_id"`
	LotID       string            `json:"lot_id"`
	SourcePath  string            `json:"source_path"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Kind        OutcomeKind       `json:"kind"`
	Quality     QualityStatus     `json:"quality,omitempty"`
	Resolutions []FieldResolution `json:"resolutions,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Stage       string            `json:"stage,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorType   string            `json:"error_type,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	OutputDir   string            `json:"output_dir,omitempty"`
	DuplicateOf string            `json:"duplicate_of,omitempty"`
	PriorKind   OutcomeKind       `json:"prior_kind,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Duration returns the wall time spent on the lot.
func (o Outcome) Duration() time.Duration {
	if o.FinishedAt.Before(o.StartedAt) {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// RunStatus represents the state of a processing run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one invocation of the pipeline over a set of lots.
type Run struct {
	ID         string      `json:"id"`
	Mode       string      `json:"mode"`
	Status     RunStatus   `json:"status"`
	Summary    *RunSummary `json:"summary,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// RunSummary aggregates the outcomes of a run.
type RunSummary struct {
	Total           int     `json:"total"`
	ApprovedSuccess int     `json:"approved_success"`
	ApprovedFailure int     `json:"approved_failure"`
	Rejected        int     `json:"rejected"`
	Skipped         int     `json:"skipped"`
	Duplicate       int     `json:"duplicate"`
	Green           int     `json:"green"`
	Yellow          int     `json:"yellow"`
	Red             int     `json:"red"`
	SuccessRate     float64 `json:"success_rate"`
	TotalDurationMs int64   `json:"total_duration_ms"`
	AvgDurationMs   int64   `json:"avg_duration_ms"`
}

// Summarize tallies outcomes into a RunSummary. SuccessRate is the
// share of approved lots whose commit succeeded.
func Summarize(outcomes []Outcome) RunSummary {
	var s RunSummary
	for _, o := range outcomes {
		s.Total++
		switch o.Kind {
		case OutcomeApprovedSuccess:
			s.ApprovedSuccess++
		case OutcomeApprovedFailure:
			s.ApprovedFailure++
		case OutcomeRejected:
			s.Rejected++
		case OutcomeSkipped:
			s.Skipped++
		case OutcomeDuplicate:
			s.Duplicate++
		}
		switch o.Quality {
		case QualityGreen:
			s.Green++
		case QualityYellow:
			s.Yellow++
		case QualityRed:
			s.Red++
		}
		s.TotalDurationMs += o.Duration().Milliseconds()
	}
	if s.Total > 0 {
		s.AvgDurationMs = s.TotalDurationMs / int64(s.Total)
	}
	if approved := s.ApprovedSuccess + s.ApprovedFailure; approved > 0 {
		s.SuccessRate = float64(s.ApprovedSuccess) / float64(approved)
	}
	return s
}

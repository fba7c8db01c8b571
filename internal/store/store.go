// Package store persists runs, lot outcomes and the dead letter queue.
// The outcome table doubles as the persistent fingerprint set.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/resilience"
)

// ErrNotFound is returned when a run or DLQ entry does not exist.
var ErrNotFound = errors.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// OutcomeFilter specifies criteria for listing outcomes.
type OutcomeFilter struct {
	RunID   string              `json:"run_id,omitempty"`
	LotID   string              `json:"lot_id,omitempty"`
	Kind    model.OutcomeKind   `json:"kind,omitempty"`
	Quality model.QualityStatus `json:"quality,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
}

// Store defines the persistence interface for the lot pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, mode string) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Outcomes. RecordOutcome is insert-only: a second outcome for the same
	// run and lot fails with model.ErrOutcomeAlreadyRecorded.
	RecordOutcome(ctx context.Context, o model.Outcome) error
	ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.Outcome, error)
	// LoadFingerprints returns the latest approved-success outcome per
	// fingerprint, oldest first.
	LoadFingerprints(ctx context.Context) ([]model.Outcome, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	IncrementDLQRetry(ctx context.Context, id string, lastErr string) error
	RemoveDLQ(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultLimit = 100

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

// latestPerFingerprint keeps the last outcome seen for each fingerprint,
// preserving first-seen order of the survivors' positions.
func latestPerFingerprint(ordered []model.Outcome) []model.Outcome {
	idx := make(map[string]int, len(ordered))
	var out []model.Outcome
	for _, o := range ordered {
		if i, ok := idx[o.Fingerprint]; ok {
			out[i] = o
			continue
		}
		idx[o.Fingerprint] = len(out)
		out = append(out, o)
	}
	return out
}

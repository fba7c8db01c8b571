package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/resilience"
	"github.com/sells-group/eg-automation/internal/store"
)

// MetricsSnapshot holds a point-in-time view of run health.
type MetricsSnapshot struct {
	// Run metrics (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	RunFailRate  float64 `json:"run_fail_rate"`

	// Lot metrics, summed over the runs in the window.
	Lots             int     `json:"lots"`
	ApprovedSuccess  int     `json:"approved_success"`
	ApprovedFailure  int     `json:"approved_failure"`
	Rejected         int     `json:"rejected"`
	Skipped          int     `json:"skipped"`
	Duplicate        int     `json:"duplicate"`
	Red              int     `json:"red"`
	CommitFailRate   float64 `json:"commit_fail_rate"`
	AvgLotDurationMs int64   `json:"avg_lot_duration_ms"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the part of the store the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
}

// maxDLQScan bounds the entries read to measure DLQ depth.
const maxDLQScan = 10000

// Collector gathers metrics from the store.
type Collector struct {
	source Source
	now    func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{source: src, now: time.Now}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	runs, err := c.source.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	var totalLotMs int64
	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusFailed:
			snap.RunsFailed++
		default:
			snap.RunsRunning++
		}
		if s := r.Summary; s != nil {
			snap.Lots += s.Total
			snap.ApprovedSuccess += s.ApprovedSuccess
			snap.ApprovedFailure += s.ApprovedFailure
			snap.Rejected += s.Rejected
			snap.Skipped += s.Skipped
			snap.Duplicate += s.Duplicate
			snap.Red += s.Red
			totalLotMs += s.TotalDurationMs
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if approved := snap.ApprovedSuccess + snap.ApprovedFailure; approved > 0 {
		snap.CommitFailRate = float64(snap.ApprovedFailure) / float64(approved)
	}
	if snap.Lots > 0 {
		snap.AvgLotDurationMs = totalLotMs / int64(snap.Lots)
	}

	// DLQ depth.
	entries, err := c.source.ListDLQ(ctx, resilience.DLQFilter{Limit: maxDLQScan})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list dlq")
	}
	for _, e := range entries {
		if e.CanRetry() {
			snap.DLQDepth++
		}
	}

	return snap, nil
}

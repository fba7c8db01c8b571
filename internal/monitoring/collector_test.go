package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/resilience"
	"github.com/sells-group/eg-automation/internal/store"
)

// mockSource implements Source for testing.
type mockSource struct {
	runs    []model.Run
	dlq     []resilience.DLQEntry
	listErr error
	dlqErr  error
}

func (m *mockSource) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var filtered []model.Run
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		filtered = append(filtered, r)
	}
	return filtered, nil
}

func (m *mockSource) ListDLQ(_ context.Context, _ resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return m.dlq, m.dlqErr
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCollector(src Source) *Collector {
	c := NewCollector(src)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestCollector_EmptyStore(t *testing.T) {
	c := newTestCollector(&mockSource{})

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RunsTotal)
	assert.Equal(t, 0, snap.DLQDepth)
	assert.Zero(t, snap.RunFailRate)
	assert.Zero(t, snap.CommitFailRate)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.Equal(t, fixedNow, snap.CollectedAt)
}

func TestCollector_RunMetrics(t *testing.T) {
	src := &mockSource{
		runs: []model.Run{
			{Status: model.RunStatusComplete, CreatedAt: fixedNow.Add(-time.Hour),
				Summary: &model.RunSummary{Total: 6, ApprovedSuccess: 3, ApprovedFailure: 1, Rejected: 1, Duplicate: 1, Red: 1, TotalDurationMs: 6000}},
			{Status: model.RunStatusComplete, CreatedAt: fixedNow.Add(-2 * time.Hour),
				Summary: &model.RunSummary{Total: 2, ApprovedSuccess: 2, TotalDurationMs: 2000}},
			{Status: model.RunStatusFailed, CreatedAt: fixedNow.Add(-3 * time.Hour),
				Summary: &model.RunSummary{Total: 2, ApprovedFailure: 2, TotalDurationMs: 2000}},
			{Status: model.RunStatusRunning, CreatedAt: fixedNow.Add(-time.Minute)},
			// Outside the window.
			{Status: model.RunStatusFailed, CreatedAt: fixedNow.Add(-48 * time.Hour),
				Summary: &model.RunSummary{Total: 9, ApprovedFailure: 9}},
		},
		dlq: []resilience.DLQEntry{
			{ID: "1", RetryCount: 0, MaxRetries: 3},
			{ID: "2", RetryCount: 3, MaxRetries: 3},
			{ID: "3", RetryCount: 1, MaxRetries: 3},
		},
	}

	snap, err := newTestCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 2, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 1.0/3.0, snap.RunFailRate, 0.001)

	assert.Equal(t, 10, snap.Lots)
	assert.Equal(t, 5, snap.ApprovedSuccess)
	assert.Equal(t, 3, snap.ApprovedFailure)
	assert.Equal(t, 1, snap.Red)
	assert.InDelta(t, 3.0/8.0, snap.CommitFailRate, 0.001)
	assert.Equal(t, int64(1000), snap.AvgLotDurationMs)

	// Exhausted entries do not count.
	assert.Equal(t, 2, snap.DLQDepth)
}

func TestCollector_ListRunsError(t *testing.T) {
	c := newTestCollector(&mockSource{listErr: errors.New("db down")})
	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list runs")
}

func TestCollector_DLQError(t *testing.T) {
	c := newTestCollector(&mockSource{dlqErr: errors.New("db down")})
	_, err := c.Collect(context.Background(), 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list dlq")
}

func TestCollector_FailureRateZeroFinished(t *testing.T) {
	src := &mockSource{
		runs: []model.Run{{Status: model.RunStatusRunning, CreatedAt: fixedNow}},
	}
	snap, err := newTestCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Zero(t, snap.RunFailRate)
}

func TestCollector_StoreSatisfiesSource(t *testing.T) {
	var _ Source = store.Store(nil)
}

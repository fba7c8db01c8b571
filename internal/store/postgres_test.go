package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var runColumns = []string{"id", "mode", "status", "summary", "error", "created_at", "finished_at"}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "batch", "running", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "batch")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := created.Add(time.Minute)
	summary, err := json.Marshal(model.RunSummary{Total: 2, ApprovedSuccess: 2, SuccessRate: 1})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, mode, status, summary, error, created_at, finished_at FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-1", "batch", "complete", summary, "", created, &finished))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 2, run.Summary.ApprovedSuccess)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, finished, *run.FinishedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, mode, status, summary, error, created_at, finished_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "get run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs("complete", pgxmock.AnyArg(), "", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), "missing", model.RunStatusComplete, &model.RunSummary{}, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs WHERE 1=1 AND status = \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("failed", 5, 10).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-9", "batch", "failed", []byte(nil), "host unavailable", time.Now(), (*time.Time)(nil)))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: model.RunStatusFailed, Limit: 5, Offset: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "host unavailable", runs[0].Error)
	assert.Nil(t, runs[0].Summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordOutcome(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	o := model.Outcome{RunID: "run-1", LotID: "Lot1", SourcePath: "in/Lot1.json", Fingerprint: "fp", Kind: model.OutcomeApprovedSuccess, Quality: model.QualityGreen}
	mock.ExpectExec(`INSERT INTO outcomes`).
		WithArgs("run-1", "Lot1", "in/Lot1.json", "fp", "approved-success", "green", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.RecordOutcome(context.Background(), o))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordOutcome_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO outcomes`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.RecordOutcome(context.Background(), model.Outcome{RunID: "run-1", LotID: "Lot1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrOutcomeAlreadyRecorded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordOutcome_OtherError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO outcomes`).WillReturnError(errors.New("connection reset"))

	err := s.RecordOutcome(context.Background(), model.Outcome{RunID: "run-1", LotID: "Lot1"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrOutcomeAlreadyRecorded)
	assert.Contains(t, err.Error(), "insert outcome Lot1")
}

func TestPostgresStore_ListOutcomes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	data, err := json.Marshal(model.Outcome{RunID: "run-1", LotID: "Lot2", Kind: model.OutcomeRejected, Quality: model.QualityRed})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM outcomes WHERE 1=1 AND run_id = \$1 AND kind = \$2 ORDER BY seq LIMIT \$3`).
		WithArgs("run-1", "rejected", 100).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	got, err := s.ListOutcomes(context.Background(), OutcomeFilter{RunID: "run-1", Kind: model.OutcomeRejected})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.QualityRed, got[0].Quality)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadFingerprints(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	first, _ := json.Marshal(model.Outcome{LotID: "Lot1", Fingerprint: "fp", Kind: model.OutcomeApprovedSuccess})
	second, _ := json.Marshal(model.Outcome{LotID: "Lot9", Fingerprint: "fp", Kind: model.OutcomeApprovedSuccess})

	mock.ExpectQuery(`SELECT data FROM outcomes WHERE kind = \$1`).
		WithArgs("approved-success").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(first).AddRow(second))

	got, err := s.LoadFingerprints(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Lot9", got[0].LotID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()
	created := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO dead_letter_queue`).
		WithArgs("d1", "run-1", "Lot1", "in/Lot1.json", "fp", "busy", "transient", 3, 0, 3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`FROM dead_letter_queue WHERE 1=1 AND run_id = \$1 ORDER BY created_at ASC, id ASC LIMIT \$2`).
		WithArgs("run-1", 100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "run_id", "lot_id", "source_path", "fingerprint", "error", "error_type", "attempts", "retry_count", "max_retries", "created_at"}).
			AddRow("d1", "run-1", "Lot1", "in/Lot1.json", "fp", "busy", "transient", 3, 0, 3, created))
	mock.ExpectExec(`UPDATE dead_letter_queue SET retry_count`).
		WithArgs("again", "d1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM dead_letter_queue`).
		WithArgs("d1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.EnqueueDLQ(ctx, resilience.DLQEntry{
		ID: "d1", RunID: "run-1", LotID: "Lot1", SourcePath: "in/Lot1.json", Fingerprint: "fp",
		Error: "busy", ErrorType: "transient", Attempts: 3, MaxRetries: 3,
	}))

	entries, err := s.ListDLQ(ctx, resilience.DLQFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Attempts)

	require.NoError(t, s.IncrementDLQRetry(ctx, "d1", "again"))
	require.NoError(t, s.RemoveDLQ(ctx, "d1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Close(t *testing.T) {
	var closed bool
	s := &PostgresStore{closeFn: func() { closed = true }}
	require.NoError(t, s.Close())
	assert.True(t, closed)
}

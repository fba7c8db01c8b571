package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/db"
	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"insert_run":     `INSERT INTO runs (id, mode, status, created_at) VALUES ($1, $2, $3, $4)`,
	"finish_run":     `UPDATE runs SET status = $1, summary = $2, error = $3, finished_at = $4 WHERE id = $5`,
	"get_run":        `SELECT id, mode, status, summary, error, created_at, finished_at FROM runs WHERE id = $1`,
	"insert_outcome": insertOutcomeSQL,
}

const insertOutcomeSQL = `INSERT INTO outcomes (run_id, lot_id, source_path, fingerprint, kind, quality, data, started_at, finished_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	summary     JSONB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS outcomes (
	seq         BIGSERIAL PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	lot_id      TEXT NOT NULL,
	source_path TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	quality     TEXT NOT NULL DEFAULT '',
	data        JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	UNIQUE (run_id, lot_id)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL,
	lot_id      TEXT NOT NULL,
	source_path TEXT NOT NULL,
	fingerprint TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'transient',
	attempts    INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_outcomes_run_id ON outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_fingerprint ON outcomes(fingerprint, kind);
CREATE INDEX IF NOT EXISTS idx_dlq_run_id ON dead_letter_queue(run_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, mode string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, mode, status, created_at) VALUES ($1, $2, $3, $4)`,
		id, mode, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &model.Run{ID: id, Mode: mode, Status: model.RunStatusRunning, CreatedAt: now}, nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary, runErr string) error {
	var summaryJSON []byte
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal summary")
		}
		summaryJSON = b
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, error = $3, finished_at = $4 WHERE id = $5`,
		string(status), summaryJSON, runErr, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, mode, status, summary, error, created_at, finished_at FROM runs WHERE id = $1`,
		runID,
	)
	r, err := scanPgRun(row)
	if db.IsNoRows(err) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, mode, status, summary, error, created_at, finished_at FROM runs WHERE 1=1`
	var args []any
	argN := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argN)
	args = append(args, limitOr(filter.Limit))
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) RecordOutcome(ctx context.Context, o model.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outcome")
	}

	_, err = s.pool.Exec(ctx, insertOutcomeSQL,
		o.RunID, o.LotID, o.SourcePath, o.Fingerprint, string(o.Kind), string(o.Quality),
		data, o.StartedAt.UTC(), o.FinishedAt.UTC(),
	)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(model.ErrOutcomeAlreadyRecorded, "postgres: lot %s in run %s", o.LotID, o.RunID)
	}
	return eris.Wrapf(err, "postgres: insert outcome %s", o.LotID)
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, filter OutcomeFilter) ([]model.Outcome, error) {
	query := `SELECT data FROM outcomes WHERE 1=1`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(` AND %s = $%d`, cond, len(args))
	}

	if filter.RunID != "" {
		add("run_id", filter.RunID)
	}
	if filter.LotID != "" {
		add("lot_id", filter.LotID)
	}
	if filter.Kind != "" {
		add("kind", string(filter.Kind))
	}
	if filter.Quality != "" {
		add("quality", string(filter.Quality))
	}
	args = append(args, limitOr(filter.Limit))
	query += fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args))

	return s.queryOutcomes(ctx, "list outcomes", query, args...)
}

func (s *PostgresStore) LoadFingerprints(ctx context.Context) ([]model.Outcome, error) {
	all, err := s.queryOutcomes(ctx, "load fingerprints",
		`SELECT data FROM outcomes WHERE kind = $1 AND fingerprint <> '' ORDER BY seq`,
		string(model.OutcomeApprovedSuccess),
	)
	if err != nil {
		return nil, err
	}
	return latestPerFingerprint(all), nil
}

func (s *PostgresStore) queryOutcomes(ctx context.Context, op, query string, args ...any) ([]model.Outcome, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.Outcome
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		var o model.Outcome
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, eris.Wrapf(err, "postgres: %s unmarshal", op)
		}
		out = append(out, o)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (id, run_id, lot_id, source_path, fingerprint, error, error_type, attempts, retry_count, max_retries, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.RunID, e.LotID, e.SourcePath, e.Fingerprint, e.Error, e.ErrorType,
		e.Attempts, e.RetryCount, e.MaxRetries, e.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: enqueue dlq %s", e.LotID)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, run_id, lot_id, source_path, fingerprint, error, error_type, attempts, retry_count, max_retries, created_at
		FROM dead_letter_queue WHERE 1=1`
	var args []any

	if filter.RunID != "" {
		args = append(args, filter.RunID)
		query += fmt.Sprintf(` AND run_id = $%d`, len(args))
	}
	if filter.ErrorType != "" {
		args = append(args, filter.ErrorType)
		query += fmt.Sprintf(` AND error_type = $%d`, len(args))
	}
	args = append(args, limitOr(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.LotID, &e.SourcePath, &e.Fingerprint, &e.Error,
			&e.ErrorType, &e.Attempts, &e.RetryCount, &e.MaxRetries, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue SET retry_count = retry_count + 1, error = $1 WHERE id = $2`,
		lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrapf(err, "postgres: remove dlq %s", id)
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var summaryJSON []byte
	var finished *time.Time

	if err := row.Scan(&r.ID, &r.Mode, &status, &summaryJSON, &r.Error, &r.CreatedAt, &finished); err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	r.FinishedAt = finished
	if len(summaryJSON) > 0 {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "unmarshal summary")
		}
	}
	return &r, nil
}

package archive

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/model"
)

// ProcessingLogFile is the append-only log under the archive root.
const ProcessingLogFile = "processing_log.csv"

// LogRow is one line of the processing log.
type LogRow struct {
	RunID       string    `csv:"run_id"`
	LotID       string    `csv:"lot_id"`
	SourcePath  string    `csv:"source_path"`
	Fingerprint string    `csv:"fingerprint"`
	Outcome     string    `csv:"outcome"`
	Quality     string    `csv:"quality"`
	Attempts    int       `csv:"attempts"`
	Artifacts   string    `csv:"artifacts"`
	DuplicateOf string    `csv:"duplicate_of"`
	Error       string    `csv:"error"`
	StartedAt   time.Time `csv:"started_at"`
	FinishedAt  time.Time `csv:"finished_at"`
	DurationMs  int64     `csv:"duration_ms"`
}

// NewLogRow flattens an outcome into a log row.
func NewLogRow(o model.Outcome) LogRow {
	return LogRow{
		RunID:       o.RunID,
		LotID:       o.LotID,
		SourcePath:  o.SourcePath,
		Fingerprint: o.Fingerprint,
		Outcome:     string(o.Kind),
		Quality:     string(o.Quality),
		Attempts:    o.Attempts,
		Artifacts:   strings.Join(o.Artifacts, ";"),
		DuplicateOf: o.DuplicateOf,
		Error:       o.Error,
		StartedAt:   o.StartedAt.UTC(),
		FinishedAt:  o.FinishedAt.UTC(),
		DurationMs:  o.Duration().Milliseconds(),
	}
}

// LogPath returns the processing log location.
func (a *Archiver) LogPath() string {
	return filepath.Join(a.archiveDir, ProcessingLogFile)
}

// AppendLog appends one row for o, writing the header when the log is new.
func (a *Archiver) AppendLog(o model.Outcome) error {
	a.logMu.Lock()
	defer a.logMu.Unlock()

	if err := os.MkdirAll(a.archiveDir, 0o755); err != nil {
		return eris.Wrapf(err, "archive: create %s", a.archiveDir)
	}
	path := a.LogPath()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return eris.Wrapf(err, "archive: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "archive: stat %s", path)
	}

	w := csv.NewWriter(f)
	enc := csvutil.NewEncoder(w)
	enc.AutoHeader = info.Size() == 0
	if err := enc.Encode(NewLogRow(o)); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrap(err, "archive: encode log row")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "archive: write %s", path)
	}
	return eris.Wrapf(f.Close(), "archive: close %s", path)
}

// ReadLog returns every row of the processing log. A missing log is empty.
func (a *Archiver) ReadLog() ([]LogRow, error) {
	a.logMu.Lock()
	defer a.logMu.Unlock()

	data, err := os.ReadFile(a.LogPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "archive: read processing log")
	}
	var rows []LogRow
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrap(err, "archive: decode processing log")
	}
	return rows, nil
}

// Package archive lays out per-lot output and archive directories, keeps
// the append-only processing log and writes run reports.
package archive

import (
	"archive/zip"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/model"
)

// LotLogFile is the per-lot log written into the output directory.
const LotLogFile = "lot_log.json"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName turns a lot id into a single path element.
func SafeName(lotID string) string {
	name := strings.Trim(unsafeChars.ReplaceAllString(lotID, "_"), "._")
	if name == "" {
		return "lot"
	}
	return name
}

// Archiver owns the output and archive trees.
type Archiver struct {
	outputDir  string
	archiveDir string

	// logMu serializes appends to the processing log.
	logMu sync.Mutex
}

// New creates an Archiver rooted at outputDir and archiveDir.
func New(outputDir, archiveDir string) *Archiver {
	return &Archiver{outputDir: outputDir, archiveDir: archiveDir}
}

// OutputDir returns <output>/<lot>/<run>. Each run writes its own
// directory, so reprocessing a lot never overwrites the artifacts an
// earlier outcome points at.
func (a *Archiver) OutputDir(runID, lotID string) string {
	return filepath.Join(a.outputDir, SafeName(lotID), SafeName(runID))
}

// RunDir returns <archive>/<run>.
func (a *Archiver) RunDir(runID string) string {
	return filepath.Join(a.archiveDir, SafeName(runID))
}

func (a *Archiver) lotArchiveDir(runID, lotID string) string {
	return filepath.Join(a.RunDir(runID), SafeName(lotID))
}

// ArchiveInputs copies the lot's original files into
// <archive>/<run>/<lot>/. Empty or missing paths are skipped.
func (a *Archiver) ArchiveInputs(runID, lotID string, paths ...string) ([]string, error) {
	dir := a.lotArchiveDir(runID, lotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "archive: create %s", dir)
	}

	var copied []string
	for _, src := range paths {
		if src == "" {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(dir, filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return copied, err
		}
		copied = append(copied, dst)
	}
	return copied, nil
}

// ArchiveOutputs zips outDir into <archive>/<run>/<lot>/<lot>_output.zip.
func (a *Archiver) ArchiveOutputs(runID, lotID, outDir string) (string, error) {
	dir := a.lotArchiveDir(runID, lotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", eris.Wrapf(err, "archive: create %s", dir)
	}
	dst := filepath.Join(dir, SafeName(lotID)+"_output.zip")
	if err := zipDir(outDir, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// WriteLotLog writes the outcome as lot_log.json into outDir.
func (a *Archiver) WriteLotLog(outDir string, o model.Outcome) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", eris.Wrapf(err, "archive: create %s", outDir)
	}
	entry := struct {
		model.Outcome
		DurationMs int64 `json:"duration_ms"`
	}{Outcome: o, DurationMs: o.Duration().Milliseconds()}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", eris.Wrap(err, "archive: encode lot log")
	}
	path := filepath.Join(outDir, LotLogFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "archive: write %s", path)
	}
	return path, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "archive: open %s", src)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return eris.Wrapf(err, "archive: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return eris.Wrapf(err, "archive: copy %s", src)
	}
	return eris.Wrapf(out.Close(), "archive: close %s", dst)
}

func zipDir(src, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return eris.Wrapf(err, "archive: create %s", dst)
	}
	zw := zip.NewWriter(f)

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close() //nolint:errcheck
		_, err = io.Copy(w, in)
		return err
	})
	if walkErr != nil {
		zw.Close() //nolint:errcheck
		f.Close()  //nolint:errcheck
		return eris.Wrapf(walkErr, "archive: zip %s", src)
	}
	if err := zw.Close(); err != nil {
		f.Close() //nolint:errcheck
		return eris.Wrapf(err, "archive: finish %s", dst)
	}
	return eris.Wrapf(f.Close(), "archive: close %s", dst)
}

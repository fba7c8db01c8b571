package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/approval"
	"github.com/sells-group/eg-automation/internal/archive"
	"github.com/sells-group/eg-automation/internal/config"
	"github.com/sells-group/eg-automation/internal/host"
	"github.com/sells-group/eg-automation/internal/input"
	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/ocr"
	"github.com/sells-group/eg-automation/internal/resilience"
	"github.com/sells-group/eg-automation/internal/store"
)

type harness struct {
	root     string
	inputDir string
	cfg      *config.Config
	driver   *host.SimulatedDriver
	store    *store.SQLiteStore
	archiver *archive.Archiver
	pipe     *Pipeline
}

func testConfig(root string) *config.Config {
	return &config.Config{
		Paths: config.PathsConfig{
			InputDir:     filepath.Join(root, "input"),
			OutputDir:    filepath.Join(root, "output"),
			ArchiveDir:   filepath.Join(root, "archive"),
			TemplateDir:  filepath.Join(root, "templates"),
			TemplateFile: "YourTemplate.egpj",
		},
		Quality:   config.QualityConfig{ConfidenceThreshold: 0.6},
		Duplicate: config.DuplicateConfig{Enabled: true, VolatileFields: []string{"timestamp"}},
		Host:      config.HostConfig{CallTimeoutSecs: 5, MaxAttempts: 3},
		Batch:     config.BatchConfig{Workers: 3, QueueSize: 8},
	}
}

func newHarness(t *testing.T, opts ...func(*config.Config)) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := testConfig(root)
	for _, o := range opts {
		o(cfg)
	}
	return newHarnessWith(t, root, cfg, approval.NewBatchApprover(zap.NewNop()))
}

func newHarnessWith(t *testing.T, root string, cfg *config.Config, approver approval.Approver) *harness {
	t.Helper()
	require.NoError(t, os.MkdirAll(cfg.Paths.InputDir, 0o755))

	schema := config.DefaultSchema()
	ext, err := ocr.NewExtractor(nil, schema)
	require.NoError(t, err)

	st, err := store.NewSQLite(filepath.Join(root, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	driver := host.NewSimulatedDriver()
	session := host.NewSession(driver, host.SessionConfigFrom(cfg.Host, cfg.Paths))
	arch := archive.New(cfg.Paths.OutputDir, cfg.Paths.ArchiveDir)

	return &harness{
		root:     root,
		inputDir: cfg.Paths.InputDir,
		cfg:      cfg,
		driver:   driver,
		store:    st,
		archiver: arch,
		pipe:     New(cfg, schema, ext, approver, session, st, arch),
	}
}

// writeLot writes a complete descriptor for lotID, changed by mutate.
func (h *harness) writeLot(t *testing.T, file, lotID string, mutate func(*model.LotRecord)) string {
	t.Helper()
	lot := input.SampleDescriptor()
	lot.LotID = lotID
	lot.FloorPlanImage = ""
	if mutate != nil {
		mutate(lot)
	}
	data, err := json.Marshal(lot)
	require.NoError(t, err)
	path := filepath.Join(h.inputDir, file)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (h *harness) run(t *testing.T, files ...string) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return h.pipe.Run(ctx, "batch", files)
}

func (h *harness) countCalls(op string) int {
	n := 0
	for _, c := range h.driver.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func byKind(outcomes []model.Outcome, kind model.OutcomeKind) []model.Outcome {
	var out []model.Outcome
	for _, o := range outcomes {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

func withArea(v float64) func(*model.LotRecord) {
	return func(l *model.LotRecord) { l.Building.ConditionedFloorArea = model.Float(v) }
}

func TestRun_CommitsDistinctLots(t *testing.T) {
	h := newHarness(t)
	files := []string{
		h.writeLot(t, "Lot1.json", "Lot1", withArea(1800)),
		h.writeLot(t, "Lot2.json", "Lot2", withArea(2000)),
		h.writeLot(t, "Lot3.json", "Lot3", withArea(2402)),
	}

	res, err := h.run(t, files...)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, res.Run.Status)
	assert.Equal(t, 3, res.Summary.Total)
	assert.Equal(t, 3, res.Summary.ApprovedSuccess)
	assert.Equal(t, 3, res.Summary.Green)
	assert.Equal(t, 1.0, res.Summary.SuccessRate)
	assert.Equal(t, 3, h.countCalls("calculate"))

	for _, o := range res.Outcomes {
		assert.Equal(t, res.Run.ID, o.RunID)
		assert.Equal(t, 1, o.Attempts)
		require.Len(t, o.Artifacts, 2)
		assert.FileExists(t, o.Artifacts[0])
		assert.FileExists(t, filepath.Join(o.OutputDir, archive.LotLogFile))
		assert.FileExists(t, filepath.Join(h.archiver.RunDir(res.Run.ID), o.LotID, o.LotID+".json"))
		assert.FileExists(t, filepath.Join(h.archiver.RunDir(res.Run.ID), o.LotID, o.LotID+"_output.zip"))
		for _, r := range o.Resolutions {
			assert.Equal(t, model.ProvenanceJSON, r.Provenance)
		}
	}

	rows, err := h.archiver.ReadLog()
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	require.Len(t, res.Reports, 2)
	assert.FileExists(t, res.Reports[0])

	stored, err := h.store.ListOutcomes(context.Background(), store.OutcomeFilter{RunID: res.Run.ID})
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	run, err := h.store.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 3, run.Summary.ApprovedSuccess)
}

func TestRun_DuplicateWithinRun(t *testing.T) {
	h := newHarness(t)
	a := h.writeLot(t, "LotA.json", "LotA", withArea(2402.0))
	b := h.writeLot(t, "LotB.json", "LotB", withArea(2402.0))

	res, err := h.run(t, a, b)
	require.NoError(t, err)

	success := byKind(res.Outcomes, model.OutcomeApprovedSuccess)
	dups := byKind(res.Outcomes, model.OutcomeDuplicate)
	require.Len(t, success, 1)
	require.Len(t, dups, 1)
	assert.Equal(t, success[0].LotID, dups[0].DuplicateOf)
	assert.Equal(t, model.OutcomeApprovedSuccess, dups[0].PriorKind)
	assert.Equal(t, success[0].Fingerprint, dups[0].Fingerprint)
	assert.Equal(t, success[0].Artifacts, dups[0].Artifacts)
	assert.Equal(t, 1, h.countCalls("calculate"))
	assert.Equal(t, 1, res.Summary.Duplicate)
}

func TestRun_ManyIdenticalLotsCommitOnce(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Batch.Workers = 8 })
	var files []string
	for i := 0; i < 12; i++ {
		id := "Lot" + string(rune('A'+i))
		files = append(files, h.writeLot(t, id+".json", id, nil))
	}

	res, err := h.run(t, files...)
	require.NoError(t, err)
	assert.Len(t, byKind(res.Outcomes, model.OutcomeApprovedSuccess), 1)
	assert.Len(t, byKind(res.Outcomes, model.OutcomeDuplicate), 11)
	assert.Equal(t, 1, h.countCalls("calculate"))
}

func TestRun_DuplicateAcrossRuns(t *testing.T) {
	h := newHarness(t)
	path := h.writeLot(t, "Lot1.json", "Lot1", nil)

	first, err := h.run(t, path)
	require.NoError(t, err)
	require.Len(t, byKind(first.Outcomes, model.OutcomeApprovedSuccess), 1)

	renamed := h.writeLot(t, "Lot1_again.json", "Lot1_again", nil)
	second, err := h.run(t, renamed)
	require.NoError(t, err)
	require.Len(t, second.Outcomes, 1)

	dup := second.Outcomes[0]
	assert.Equal(t, model.OutcomeDuplicate, dup.Kind)
	assert.Equal(t, "Lot1", dup.DuplicateOf)
	assert.Contains(t, dup.Reason, first.Run.ID)
	assert.Equal(t, 1, h.countCalls("calculate"))
}

func TestRun_RejectedLotIsReprocessedLater(t *testing.T) {
	h := newHarness(t)
	path := h.writeLot(t, "Lot1.json", "Lot1", func(l *model.LotRecord) { l.Building.ConditionedFloorArea = nil })

	first, err := h.run(t, path)
	require.NoError(t, err)
	require.Len(t, first.Outcomes, 1)
	assert.Equal(t, model.OutcomeRejected, first.Outcomes[0].Kind)

	second, err := h.run(t, path)
	require.NoError(t, err)
	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, model.OutcomeRejected, second.Outcomes[0].Kind)
}

func TestRun_ReprocessedLotKeepsEarlierOutputs(t *testing.T) {
	h := newHarness(t)
	path := h.writeLot(t, "Lot1.json", "Lot1", withArea(1500))
	first, err := h.run(t, path)
	require.NoError(t, err)
	require.Len(t, byKind(first.Outcomes, model.OutcomeApprovedSuccess), 1)

	// Same lot id, new content: not a duplicate, so it is committed again.
	h.writeLot(t, "Lot1.json", "Lot1", withArea(1600))
	second, err := h.run(t, path)
	require.NoError(t, err)
	require.Len(t, byKind(second.Outcomes, model.OutcomeApprovedSuccess), 1)

	a, b := first.Outcomes[0], second.Outcomes[0]
	assert.NotEqual(t, a.OutputDir, b.OutputDir)
	require.NotEmpty(t, a.Artifacts)
	for _, artifact := range a.Artifacts {
		assert.FileExists(t, artifact)
	}

	data, err := os.ReadFile(filepath.Join(a.OutputDir, archive.LotLogFile))
	require.NoError(t, err)
	var logged model.Outcome
	require.NoError(t, json.Unmarshal(data, &logged))
	assert.Equal(t, first.Run.ID, logged.RunID)
	assert.FileExists(t, filepath.Join(b.OutputDir, archive.LotLogFile))
}

func TestRun_MissingFloorAreaIsRed(t *testing.T) {
	h := newHarness(t)
	path := h.writeLot(t, "Lot1.json", "Lot1", func(l *model.LotRecord) { l.Building.ConditionedFloorArea = nil })

	res, err := h.run(t, path)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)

	o := res.Outcomes[0]
	assert.Equal(t, model.QualityRed, o.Quality)
	assert.Equal(t, model.OutcomeRejected, o.Kind)
	assert.Equal(t, model.StageApproval, o.Stage)
	assert.Equal(t, 0, h.countCalls("calculate"))

	var floor model.FieldResolution
	for _, r := range o.Resolutions {
		if r.Field == model.FieldConditionedFloorArea {
			floor = r
		}
	}
	assert.False(t, floor.Resolved())
	assert.Contains(t, floor.Error, "extraction failed")
}

func TestRun_DefaultedFieldIsYellow(t *testing.T) {
	h := newHarness(t)
	path := h.writeLot(t, "Lot1.json", "Lot1", func(l *model.LotRecord) { l.HVAC = nil })

	res, err := h.run(t, path)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)

	o := res.Outcomes[0]
	assert.Equal(t, model.QualityYellow, o.Quality)
	assert.Equal(t, model.OutcomeApprovedSuccess, o.Kind)
	assert.Contains(t, o.Warnings, "hvac_tonnage defaulted to 2.5")
}

func TestRun_DefaultedOptionalFieldStaysGreen(t *testing.T) {
	h := newHarness(t)
	path := h.writeLot(t, "Lot1.json", "Lot1", func(l *model.LotRecord) {
		l.HVAC = map[string]model.HVACSystem{"system1": {Tonnage: model.Float(3)}}
	})

	res, err := h.run(t, path)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 1)

	o := res.Outcomes[0]
	assert.Equal(t, model.QualityGreen, o.Quality)
	assert.Equal(t, model.OutcomeApprovedSuccess, o.Kind)
	assert.Contains(t, o.Warnings, "hvac_seer2 defaulted to 14")
}

func TestRun_RetriesExhaustedThenNextLotProceeds(t *testing.T) {
	h := newHarness(t)
	var calcs int
	h.driver.Fault = func(op string) error {
		if op == "calculate" {
			calcs++
			if calcs <= 3 {
				return errors.New("host busy")
			}
		}
		return nil
	}
	a := h.writeLot(t, "LotA.json", "LotA", withArea(1500))
	b := h.writeLot(t, "LotB.json", "LotB", withArea(1600))

	res, err := h.run(t, a, b)
	require.NoError(t, err)

	failed := byKind(res.Outcomes, model.OutcomeApprovedFailure)
	success := byKind(res.Outcomes, model.OutcomeApprovedSuccess)
	require.Len(t, failed, 1)
	require.Len(t, success, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Equal(t, model.StageCommit, failed[0].Stage)
	assert.Contains(t, failed[0].Error, "host busy")
	assert.Equal(t, 0.5, res.Summary.SuccessRate)

	rows, err := h.archiver.ReadLog()
	require.NoError(t, err)
	var failureRows int
	for _, r := range rows {
		if r.Outcome == string(model.OutcomeApprovedFailure) {
			failureRows++
		}
	}
	assert.Equal(t, 1, failureRows)

	dlq, err := h.store.ListDLQ(context.Background(), resilience.DLQFilter{RunID: res.Run.ID})
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, failed[0].LotID, dlq[0].LotID)
	assert.Equal(t, 3, dlq[0].Attempts)
	assert.Equal(t, resilience.ClassTransient, dlq[0].ErrorType)
	assert.Equal(t, resilience.ClassTransient, failed[0].ErrorType)
}

func TestRun_HostUnavailableAtOpen(t *testing.T) {
	h := newHarness(t)
	h.driver.Fault = func(op string) error {
		if op == "connect" {
			return errors.New("class not registered")
		}
		return nil
	}
	path := h.writeLot(t, "Lot1.json", "Lot1", nil)

	res, err := h.run(t, path)
	require.Error(t, err)
	assert.True(t, host.IsUnavailable(err))
	require.NotNil(t, res)
	assert.Equal(t, model.RunStatusFailed, res.Run.Status)
	assert.Empty(t, res.Outcomes)

	run, err := h.store.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestRun_HostUnavailableMidRunStopsRun(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Batch.Workers = 1 })
	h.driver.Fault = func(op string) error {
		if op == "calculate" {
			return host.Unavailable("calculate", errors.New("host crashed"))
		}
		return nil
	}
	files := []string{
		h.writeLot(t, "LotA.json", "LotA", withArea(1500)),
		h.writeLot(t, "LotB.json", "LotB", withArea(1600)),
		h.writeLot(t, "LotC.json", "LotC", withArea(1700)),
	}

	res, err := h.run(t, files...)
	require.Error(t, err)
	assert.True(t, host.IsUnavailable(err))
	assert.ErrorIs(t, err, model.ErrAutomationUnavailable)
	assert.Equal(t, model.RunStatusFailed, res.Run.Status)
	assert.Equal(t, 1, h.countCalls("calculate"))

	seen := map[string]bool{}
	for _, o := range res.Outcomes {
		assert.False(t, seen[o.SourcePath], "outcome recorded twice for %s", o.SourcePath)
		seen[o.SourcePath] = true
		assert.Equal(t, model.OutcomeApprovedFailure, o.Kind)
	}
	assert.NotEmpty(t, res.Outcomes)

	dlq, err := h.store.ListDLQ(context.Background(), resilience.DLQFilter{RunID: res.Run.ID})
	require.NoError(t, err)
	require.Len(t, dlq, len(res.Outcomes))
	for _, e := range dlq {
		assert.Equal(t, resilience.ClassUnavailable, e.ErrorType, "lot %s", e.LotID)
	}
}

func TestRun_MalformedInputSkipped(t *testing.T) {
	h := newHarness(t)
	bad := filepath.Join(h.inputDir, "Broken.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"lot_id": `), 0o644))
	good := h.writeLot(t, "Lot1.json", "Lot1", nil)

	res, err := h.run(t, bad, good)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)

	skipped := byKind(res.Outcomes, model.OutcomeSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "Broken", skipped[0].LotID)
	assert.Equal(t, model.StageInput, skipped[0].Stage)
	assert.Contains(t, skipped[0].Error, "lot Broken: input")
	assert.Len(t, byKind(res.Outcomes, model.OutcomeApprovedSuccess), 1)
}

func TestRun_DuplicateLotIDSkipped(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Batch.Workers = 1 })
	a := h.writeLot(t, "A.json", "X", withArea(1500))
	b := h.writeLot(t, "B.json", "X", withArea(1600))

	res, err := h.run(t, a, b)
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)

	skipped := byKind(res.Outcomes, model.OutcomeSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "X@B.json", skipped[0].LotID)
	assert.Contains(t, skipped[0].Error, "already used")
}

func TestRun_DuplicateDetectionDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Duplicate.Enabled = false })
	a := h.writeLot(t, "LotA.json", "LotA", nil)
	b := h.writeLot(t, "LotB.json", "LotB", nil)

	res, err := h.run(t, a, b)
	require.NoError(t, err)
	assert.Len(t, byKind(res.Outcomes, model.OutcomeApprovedSuccess), 2)
	assert.Equal(t, 2, h.countCalls("calculate"))
}

func TestRun_InteractiveDecisions(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	cfg.Batch.Workers = 1
	var screen bytes.Buffer
	prompter := approval.NewPrompter(strings.NewReader("a\nr\n"), &screen)
	h := newHarnessWith(t, root, cfg, prompter)

	a := h.writeLot(t, "LotA.json", "LotA", withArea(1500))
	b := h.writeLot(t, "LotB.json", "LotB", withArea(1600))

	res, err := h.pipe.Run(context.Background(), "interactive", []string{a, b})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)

	kinds := map[string]model.OutcomeKind{}
	for _, o := range res.Outcomes {
		kinds[o.LotID] = o.Kind
	}
	assert.Equal(t, model.OutcomeApprovedSuccess, kinds["LotA"])
	assert.Equal(t, model.OutcomeRejected, kinds["LotB"])
	assert.Contains(t, screen.String(), "=== Lot LotA")
	assert.Contains(t, screen.String(), "source-json")
}

func TestRun_CancelledContext(t *testing.T) {
	h := newHarness(t)
	path := h.writeLot(t, "Lot1.json", "Lot1", nil)

	ctx, cancel := context.WithCancel(context.Background())
	files := make(chan string)
	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = h.pipe.RunStream(ctx, "watch", files)
	}()
	files <- path
	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	assert.ErrorIs(t, err, context.Canceled)
}

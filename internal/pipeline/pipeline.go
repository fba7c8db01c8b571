// Package pipeline runs lots from descriptor to recorded outcome: load,
// fingerprint, extract, score, approve, commit, archive.
package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/eg-automation/internal/approval"
	"github.com/sells-group/eg-automation/internal/archive"
	"github.com/sells-group/eg-automation/internal/config"
	"github.com/sells-group/eg-automation/internal/dedupe"
	"github.com/sells-group/eg-automation/internal/host"
	"github.com/sells-group/eg-automation/internal/input"
	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/ocr"
	"github.com/sells-group/eg-automation/internal/quality"
	"github.com/sells-group/eg-automation/internal/resilience"
	"github.com/sells-group/eg-automation/internal/store"
)

// Pipeline processes lots with a pool of preparation workers, one
// approver and one committer on the shared host session.
type Pipeline struct {
	cfg       *config.Config
	schema    *config.Schema
	extractor *ocr.Extractor
	approver  approval.Approver
	session   *host.Session
	store     store.Store
	archiver  *archive.Archiver
}

// New creates a Pipeline with all dependencies.
func New(
	cfg *config.Config,
	schema *config.Schema,
	extractor *ocr.Extractor,
	approver approval.Approver,
	session *host.Session,
	st store.Store,
	arch *archive.Archiver,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		schema:    schema,
		extractor: extractor,
		approver:  approver,
		session:   session,
		store:     st,
		archiver:  arch,
	}
}

// Result is the outcome of one run.
type Result struct {
	Run      model.Run        `json:"run"`
	Summary  model.RunSummary `json:"summary"`
	Outcomes []model.Outcome  `json:"outcomes"`
	Reports  []string         `json:"reports,omitempty"`
}

// Run processes files as one run.
func (p *Pipeline) Run(ctx context.Context, mode string, files []string) (*Result, error) {
	ch := make(chan string, len(files))
	for _, f := range files {
		ch <- f
	}
	close(ch)
	return p.RunStream(ctx, mode, ch)
}

// RunStream processes descriptor paths from files until the channel is
// closed. An unavailable host ends the run with an error; every other
// failure is confined to its lot.
func (p *Pipeline) RunStream(ctx context.Context, mode string, files <-chan string) (*Result, error) {
	run, err := p.store.CreateRun(ctx, mode)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("mode", mode))
	log.Info("pipeline: run started")

	prior, err := p.store.LoadFingerprints(ctx)
	if err != nil {
		return p.finish(ctx, run, nil, eris.Wrap(err, "pipeline: load fingerprints"))
	}
	detector := dedupe.NewDetector(p.cfg.Duplicate.Enabled, prior)
	rec := NewRecorder(run.ID, p.store, p.archiver, detector)

	if err := p.session.Open(ctx); err != nil {
		log.Error("pipeline: host unavailable", zap.Error(err))
		return p.finish(ctx, run, rec, err)
	}

	err = p.process(ctx, run.ID, files, detector, rec)
	return p.finish(ctx, run, rec, err)
}

func (p *Pipeline) finish(ctx context.Context, run *model.Run, rec *Recorder, runErr error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	finished := time.Now().UTC()

	var outcomes []model.Outcome
	if rec != nil {
		outcomes = rec.Outcomes()
	}
	summary := model.Summarize(outcomes)

	run.Status = model.RunStatusComplete
	if runErr != nil {
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
	}
	run.Summary = &summary
	run.FinishedAt = &finished

	res := &Result{Run: *run, Summary: summary, Outcomes: outcomes}
	reports, err := p.archiver.WriteReport(archive.NewReport(*run, outcomes, finished))
	if err != nil {
		zap.L().Warn("pipeline: write report failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	res.Reports = reports

	if err := p.store.FinishRun(ctx, run.ID, run.Status, &summary, run.Error); err != nil {
		zap.L().Error("pipeline: finish run failed", zap.String("run_id", run.ID), zap.Error(err))
	}

	zap.L().Info("pipeline: run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("total", summary.Total),
		zap.Int("approved_success", summary.ApprovedSuccess),
		zap.Int("approved_failure", summary.ApprovedFailure),
		zap.Int("rejected", summary.Rejected),
		zap.Int("skipped", summary.Skipped),
		zap.Int("duplicate", summary.Duplicate),
		zap.Int64("total_duration_ms", summary.TotalDurationMs),
	)
	return res, runErr
}

// job is a prepared lot on its way through approval and commit.
type job struct {
	ticket  *approval.Ticket
	started time.Time
}

func (j *job) lot() *model.LotRecord { return j.ticket.Item.Lot }

// runState is the per-run bookkeeping shared by the stages.
type runState struct {
	runID string
	// ctx outlives the preparation workers; duplicates wait on it.
	ctx      context.Context
	detector *dedupe.Detector
	rec      *Recorder
	group    *errgroup.Group

	mu     sync.Mutex
	lotIDs map[string]string
}

// claimLotID reports whether lotID is new in this run.
func (s *runState) claimLotID(lotID, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lotIDs[lotID]; ok {
		return false
	}
	s.lotIDs[lotID] = path
	return true
}

func (p *Pipeline) process(ctx context.Context, runID string, files <-chan string, detector *dedupe.Detector, rec *Recorder) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	g, gctx := errgroup.WithContext(runCtx)
	st := &runState{runID: runID, ctx: gctx, detector: detector, rec: rec, group: g, lotIDs: make(map[string]string)}

	queue := p.cfg.Batch.QueueSize
	if queue < 1 {
		queue = 1
	}
	prepared := make(chan *job, queue)
	commits := make(chan *job, queue)

	// Preparation: load, fingerprint, extract and score on a bounded pool.
	g.Go(func() error {
		defer close(prepared)

		workers, wctx := errgroup.WithContext(gctx)
		workers.SetLimit(max(1, p.cfg.Batch.Workers))
	feed:
		for {
			select {
			case path, ok := <-files:
				if !ok {
					break feed
				}
				workers.Go(func() error {
					return p.prepare(wctx, st, path, prepared)
				})
			case <-gctx.Done():
				break feed
			}
		}
		return workers.Wait()
	})

	// Approval: one lot at a time.
	g.Go(func() error {
		defer close(commits)
		for j := range prepared {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := approval.Review(gctx, p.approver, j.ticket); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				zap.L().Warn("pipeline: approval failed, skipping lot",
					zap.String("lot_id", j.lot().LotID),
					zap.String("stage", model.StageApproval),
					zap.Error(err),
				)
				if j.ticket.State() == approval.StatePending {
					_ = j.ticket.Skip("approval error: " + err.Error())
				}
			}

			if j.ticket.State() == approval.StateApproved {
				select {
				case commits <- j:
				case <-gctx.Done():
					p.failJob(gctx, st, j, context.Cause(gctx), 0)
					return gctx.Err()
				}
				continue
			}
			p.recordTicket(gctx, st, j)
		}
		return nil
	})

	// Commit: the only goroutine touching the host session.
	g.Go(func() error {
		var fatal error
		for j := range commits {
			if fatal == nil && gctx.Err() != nil {
				fatal = context.Cause(gctx)
			}
			if fatal != nil {
				p.failJob(gctx, st, j, fatal, 0)
				continue
			}

			lot := j.lot()
			res, err := p.session.Commit(gctx, lot, p.archiver.OutputDir(runID, lot.LotID))
			if err != nil {
				p.failJob(gctx, st, j, err, res.Attempts)
				if host.IsUnavailable(err) {
					fatal = err
					cancel(err)
				}
				continue
			}
			if err := j.ticket.Commit(res.Artifacts, res.Attempts); err != nil {
				return eris.Wrap(err, "pipeline: commit transition")
			}
			p.recordTicket(gctx, st, j)
		}
		return fatal
	})

	err := g.Wait()
	if cause := context.Cause(runCtx); cause != nil && host.IsUnavailable(cause) {
		return cause
	}
	if err == nil {
		err = context.Cause(ctx)
	}
	return err
}

// prepare takes one descriptor as far as the approval queue. Lots that
// cannot get there are recorded here.
func (p *Pipeline) prepare(ctx context.Context, st *runState, path string, out chan<- *job) error {
	started := time.Now()

	lot, err := input.Load(path)
	if err != nil {
		p.recordError(ctx, st, path, lotIDFromPath(path), "", model.StageInput, err, started)
		return nil
	}
	if !st.claimLotID(lot.LotID, path) {
		err := eris.Wrapf(model.ErrInputMalformed, "lot_id %q already used in this run", lot.LotID)
		p.recordError(ctx, st, path, lot.LotID+"@"+filepath.Base(path), lot.FloorPlanImage, model.StageInput, err, started)
		return nil
	}
	log := zap.L().With(zap.String("run_id", st.runID), zap.String("lot_id", lot.LotID))

	fp, err := dedupe.Compute(lot, p.cfg.Duplicate.VolatileFields)
	if err != nil {
		p.recordError(ctx, st, path, lot.LotID, lot.FloorPlanImage, model.StageFingerprint, err, started)
		return nil
	}

	claim := st.detector.Claim(fp.Key, lot.LotID, st.runID)
	if claim.Duplicate {
		log.Info("pipeline: duplicate lot", zap.String("duplicate_of", claim.Prior.LotID))
		prior := claim.Prior
		st.group.Go(func() error {
			p.awaitDuplicate(st.ctx, st, lot, fp, prior, started)
			return nil
		})
		return nil
	}

	resolutions, err := p.extractor.Resolve(ctx, lot)
	if err != nil {
		return err
	}
	resolutions, warnings := input.ApplyDefaults(lot, resolutions, p.schema)
	assessment := quality.Assess(resolutions, p.schema.Required, p.cfg.Quality.ConfidenceThreshold)

	log.Info("pipeline: lot prepared",
		zap.String("quality", string(assessment.Status)),
		zap.Strings("missing", assessment.Missing),
		zap.Float64("min_confidence", assessment.MinConfidence),
	)

	j := &job{
		ticket: approval.NewTicket(approval.ReviewItem{
			Lot:         lot,
			Fingerprint: fp,
			Assessment:  assessment,
			Resolutions: resolutions,
			Warnings:    warnings,
		}),
		started: started,
	}
	select {
	case out <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) awaitDuplicate(ctx context.Context, st *runState, lot *model.LotRecord, fp model.Fingerprint, prior *dedupe.Entry, started time.Time) {
	first, err := prior.Wait(ctx)
	if err != nil {
		return
	}
	reason := "duplicate of " + first.LotID
	if first.RunID != "" && first.RunID != st.runID {
		reason += " (run " + first.RunID + ")"
	}
	o := model.Outcome{
		LotID:       lot.LotID,
		SourcePath:  lot.SourcePath,
		Fingerprint: fp.Key,
		Kind:        model.OutcomeDuplicate,
		Reason:      reason,
		Stage:       model.StageFingerprint,
		Artifacts:   first.Artifacts,
		DuplicateOf: first.LotID,
		PriorKind:   first.Kind,
		StartedAt:   started,
	}
	p.record(ctx, st, o, lot.FloorPlanImage)
}

func (p *Pipeline) recordError(ctx context.Context, st *runState, path, lotID, image, stage string, err error, started time.Time) {
	serr := &model.StageError{LotID: lotID, Stage: stage, Err: err}
	o := model.Outcome{
		LotID:      lotID,
		SourcePath: path,
		Kind:       model.OutcomeSkipped,
		Stage:      stage,
		Error:      serr.Error(),
		Reason:     "input malformed",
		StartedAt:  started,
	}
	if stage == model.StageFingerprint {
		o.Reason = "fingerprint failed"
	}
	p.record(ctx, st, o, image)
}

func (p *Pipeline) failJob(ctx context.Context, st *runState, j *job, err error, attempts int) {
	if err == nil {
		err = context.Canceled
	}
	serr := &model.StageError{LotID: j.lot().LotID, Stage: model.StageCommit, Err: err}
	if ferr := j.ticket.Fail(serr, attempts); ferr != nil {
		zap.L().Error("pipeline: fail transition", zap.String("lot_id", j.lot().LotID), zap.Error(ferr))
		return
	}
	p.recordTicketAs(ctx, st, j, resilience.ClassifyError(serr))
}

func (p *Pipeline) recordTicket(ctx context.Context, st *runState, j *job) {
	p.recordTicketAs(ctx, st, j, "")
}

func (p *Pipeline) recordTicketAs(ctx context.Context, st *runState, j *job, errorType string) {
	o, err := j.ticket.Outcome()
	if err != nil {
		zap.L().Error("pipeline: outcome", zap.String("lot_id", j.lot().LotID), zap.Error(err))
		return
	}
	o.StartedAt = j.started
	o.ErrorType = errorType
	p.record(ctx, st, o, j.lot().FloorPlanImage)
}

func (p *Pipeline) record(ctx context.Context, st *runState, o model.Outcome, image string) {
	if err := st.rec.Record(ctx, o, image); err != nil {
		zap.L().Error("pipeline: record", zap.String("lot_id", o.LotID), zap.Error(err))
	}
}

func lotIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

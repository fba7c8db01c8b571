package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/archive"
	"github.com/sells-group/eg-automation/internal/dedupe"
	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/resilience"
	"github.com/sells-group/eg-automation/internal/store"
)

// DefaultDLQMaxRetries bounds how often a failed lot is retried from the
// dead letter queue.
const DefaultDLQMaxRetries = 3

// Recorder writes each lot's outcome exactly once: lot log, archive copy,
// processing log, store row, duplicate release and, for failed commits, a
// dead letter entry.
type Recorder struct {
	runID    string
	store    store.Store
	archiver *archive.Archiver
	detector *dedupe.Detector
	now      func() time.Time

	mu       sync.Mutex
	seen     map[string]bool
	outcomes []model.Outcome
}

// NewRecorder creates a Recorder for one run.
func NewRecorder(runID string, st store.Store, arch *archive.Archiver, det *dedupe.Detector) *Recorder {
	return &Recorder{
		runID:    runID,
		store:    st,
		archiver: arch,
		detector: det,
		now:      time.Now,
		seen:     make(map[string]bool),
	}
}

// Record persists o. A second outcome for the same source file fails with
// model.ErrOutcomeAlreadyRecorded. Side effects that fail are logged; only
// the store write is reported.
func (r *Recorder) Record(ctx context.Context, o model.Outcome, imagePath string) error {
	r.mu.Lock()
	if r.seen[o.SourcePath] {
		r.mu.Unlock()
		return eris.Wrapf(model.ErrOutcomeAlreadyRecorded, "pipeline: %s", o.SourcePath)
	}
	r.seen[o.SourcePath] = true
	r.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	o.RunID = r.runID
	if o.FinishedAt.IsZero() {
		o.FinishedAt = r.now()
	}
	o.OutputDir = r.archiver.OutputDir(r.runID, o.LotID)

	log := zap.L().With(
		zap.String("run_id", r.runID),
		zap.String("lot_id", o.LotID),
		zap.String("outcome", string(o.Kind)),
	)

	if _, err := r.archiver.ArchiveInputs(r.runID, o.LotID, o.SourcePath, imagePath); err != nil {
		log.Warn("pipeline: archive inputs failed", zap.Error(err))
	}
	if _, err := r.archiver.WriteLotLog(o.OutputDir, o); err != nil {
		log.Warn("pipeline: write lot log failed", zap.Error(err))
	}
	if o.Kind == model.OutcomeApprovedSuccess || o.Kind == model.OutcomeApprovedFailure {
		if _, err := r.archiver.ArchiveOutputs(r.runID, o.LotID, o.OutputDir); err != nil {
			log.Warn("pipeline: archive outputs failed", zap.Error(err))
		}
	}
	if err := r.archiver.AppendLog(o); err != nil {
		log.Warn("pipeline: append processing log failed", zap.Error(err))
	}

	storeErr := r.store.RecordOutcome(ctx, o)
	if storeErr != nil {
		log.Error("pipeline: store outcome failed", zap.Error(storeErr))
	}

	if o.Kind != model.OutcomeDuplicate {
		r.detector.Complete(o.Fingerprint, o)
	}

	if o.Kind == model.OutcomeApprovedFailure {
		errorType := o.ErrorType
		if errorType == "" {
			errorType = resilience.ClassTransient
		}
		entry := resilience.DLQEntry{
			RunID:       r.runID,
			LotID:       o.LotID,
			SourcePath:  o.SourcePath,
			Fingerprint: o.Fingerprint,
			Error:       o.Error,
			ErrorType:   errorType,
			Attempts:    o.Attempts,
			MaxRetries:  DefaultDLQMaxRetries,
			CreatedAt:   o.FinishedAt,
		}
		if dlqErr := r.store.EnqueueDLQ(ctx, entry); dlqErr != nil {
			log.Error("pipeline: enqueue dlq failed", zap.Error(dlqErr))
		}
	}

	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("quality", string(o.Quality)),
		zap.Int("attempts", o.Attempts),
		zap.Int64("duration_ms", o.Duration().Milliseconds()),
	}
	if o.Error != "" {
		fields = append(fields, zap.String("stage", o.Stage), zap.String("error", o.Error))
		log.Warn("pipeline: lot recorded", fields...)
	} else {
		log.Info("pipeline: lot recorded", fields...)
	}
	return eris.Wrap(storeErr, "pipeline: record outcome")
}

// Outcomes returns the outcomes recorded so far, in recording order.
func (r *Recorder) Outcomes() []model.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Outcome(nil), r.outcomes...)
}

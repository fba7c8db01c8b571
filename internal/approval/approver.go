package approval

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eg-automation/internal/model"
)

// Decision is an approver's verdict on one lot.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionSkip    Decision = "skip"
)

// Approver shows a lot to whoever decides and returns the decision.
type Approver interface {
	// Present shows the quality status and every resolution with its
	// provenance.
	Present(ctx context.Context, item ReviewItem) error
	// Decide returns the decision for a presented item.
	Decide(ctx context.Context, item ReviewItem) (Decision, error)
}

// Review presents the ticket's lot, asks for a decision and applies it.
// An approval of a red lot is turned into a rejection.
func Review(ctx context.Context, a Approver, t *Ticket) error {
	if err := a.Present(ctx, t.Item); err != nil {
		return eris.Wrap(err, "approval: present")
	}
	t.MarkPresented()

	d, err := a.Decide(ctx, t.Item)
	if err != nil {
		return eris.Wrap(err, "approval: decide")
	}

	switch d {
	case DecisionApprove:
		if t.Item.Assessment.Status == model.QualityRed {
			return t.Reject("red quality cannot be approved")
		}
		return t.Approve(true)
	case DecisionReject:
		return t.Reject("rejected by approver")
	case DecisionSkip:
		return t.Skip("skipped by approver")
	default:
		return eris.Errorf("approval: unknown decision %q", d)
	}
}

// BatchApprover approves green and yellow lots and rejects red ones
// without asking anyone. Presentation goes to the log.
type BatchApprover struct {
	log *zap.Logger
}

// NewBatchApprover creates a BatchApprover logging to log, or to the
// global logger when log is nil.
func NewBatchApprover(log *zap.Logger) *BatchApprover {
	if log == nil {
		log = zap.L()
	}
	return &BatchApprover{log: log}
}

// Present implements Approver.
func (b *BatchApprover) Present(_ context.Context, item ReviewItem) error {
	fields := make([]zap.Field, 0, len(item.Resolutions)+3)
	fields = append(fields,
		zap.String("lot_id", item.Lot.LotID),
		zap.String("stage", model.StageApproval),
		zap.String("quality", string(item.Assessment.Status)),
	)
	for _, r := range item.Resolutions {
		if r.Resolved() {
			fields = append(fields, zap.String(r.Field, formatResolution(r)))
		} else {
			fields = append(fields, zap.String(r.Field, "unresolved: "+r.Error))
		}
	}
	b.log.Info("approval: lot ready for review", fields...)
	return nil
}

// Decide implements Approver.
func (b *BatchApprover) Decide(ctx context.Context, item ReviewItem) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if item.Assessment.Status == model.QualityRed {
		return DecisionReject, nil
	}
	return DecisionApprove, nil
}

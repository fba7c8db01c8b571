// Package approval gates every lot behind an explicit decision before it
// may reach the host application.
package approval

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/eg-automation/internal/model"
	"github.com/sells-group/eg-automation/internal/quality"
)

// State is a ticket's position in the approval lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateSkipped   State = "skipped"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// Errors returned by ticket transitions.
var (
	ErrInvalidTransition = eris.New("approval: invalid transition")
	ErrNotPresented      = eris.New("approval: lot was not presented for review")
	ErrNotConfirmed      = eris.New("approval: approval was not confirmed")
	ErrRedNotApprovable  = eris.New("approval: red lots cannot be approved")
	ErrNotTerminal       = eris.New("approval: ticket is not in a terminal state")
)

// ReviewItem is everything shown to the approver for one lot.
type ReviewItem struct {
	Lot         *model.LotRecord
	Fingerprint model.Fingerprint
	Assessment  quality.Assessment
	Resolutions []model.FieldResolution
	Warnings    []string
}

// Transition records one state change.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Ticket tracks one lot from review to commit. A ticket is owned by one
// goroutine at a time; hand-off happens over channels.
type Ticket struct {
	Item ReviewItem

	state     State
	presented bool
	reason    string
	attempts  int
	err       error
	artifacts []string
	history   []Transition
	now       func() time.Time
}

// NewTicket creates a pending ticket.
func NewTicket(item ReviewItem) *Ticket {
	return &Ticket{Item: item, state: StatePending, now: time.Now}
}

// State returns the current state.
func (t *Ticket) State() State { return t.state }

// History returns the transitions so far.
func (t *Ticket) History() []Transition { return append([]Transition(nil), t.history...) }

// MarkPresented records that the quality status and every resolution
// with its provenance were shown to the approver.
func (t *Ticket) MarkPresented() { t.presented = true }

// Presented reports whether MarkPresented was called.
func (t *Ticket) Presented() bool { return t.presented }

// Approve moves a pending ticket to approved. The caller must pass
// confirmed=true for an explicit confirmation, the ticket must have been
// presented, and red lots are refused.
func (t *Ticket) Approve(confirmed bool) error {
	if t.state != StatePending {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", t.state, StateApproved)
	}
	if !t.presented {
		return ErrNotPresented
	}
	if !confirmed {
		return ErrNotConfirmed
	}
	if t.Item.Assessment.Status == model.QualityRed {
		return ErrRedNotApprovable
	}
	t.move(StateApproved, "")
	return nil
}

// Reject moves a pending ticket to rejected.
func (t *Ticket) Reject(reason string) error {
	if t.state != StatePending {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", t.state, StateRejected)
	}
	t.move(StateRejected, reason)
	return nil
}

// Skip moves a pending ticket to skipped.
func (t *Ticket) Skip(reason string) error {
	if t.state != StatePending {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", t.state, StateSkipped)
	}
	t.move(StateSkipped, reason)
	return nil
}

// Commit records a successful host commit of an approved ticket.
func (t *Ticket) Commit(artifacts []string, attempts int) error {
	if t.state != StateApproved {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", t.state, StateCommitted)
	}
	t.artifacts = artifacts
	t.attempts = attempts
	t.move(StateCommitted, "")
	return nil
}

// Fail records a failed host commit of an approved ticket.
func (t *Ticket) Fail(err error, attempts int) error {
	if t.state != StateApproved {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", t.state, StateFailed)
	}
	t.err = err
	t.attempts = attempts
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	t.move(StateFailed, reason)
	return nil
}

// Terminal reports whether no further transitions are possible.
func (t *Ticket) Terminal() bool {
	switch t.state {
	case StateRejected, StateSkipped, StateCommitted, StateFailed:
		return true
	default:
		return false
	}
}

// Outcome builds the lot's outcome. Only terminal tickets have one.
func (t *Ticket) Outcome() (model.Outcome, error) {
	o := model.Outcome{
		Quality:     t.Item.Assessment.Status,
		Resolutions: t.Item.Resolutions,
		Warnings:    t.Item.Warnings,
		Fingerprint: t.Item.Fingerprint.Key,
		Attempts:    t.attempts,
		Reason:      t.reason,
	}
	if t.Item.Lot != nil {
		o.LotID = t.Item.Lot.LotID
		o.SourcePath = t.Item.Lot.SourcePath
	}

	switch t.state {
	case StateCommitted:
		o.Kind = model.OutcomeApprovedSuccess
		o.Artifacts = t.artifacts
		o.Reason = ""
	case StateFailed:
		o.Kind = model.OutcomeApprovedFailure
		o.Stage = model.StageCommit
		o.Reason = ""
		if t.err != nil {
			o.Error = t.err.Error()
		}
	case StateRejected:
		o.Kind = model.OutcomeRejected
		o.Stage = model.StageApproval
	case StateSkipped:
		o.Kind = model.OutcomeSkipped
		o.Stage = model.StageApproval
	default:
		return model.Outcome{}, eris.Wrapf(ErrNotTerminal, "lot %s is %s", o.LotID, t.state)
	}
	return o, nil
}

func (t *Ticket) move(to State, reason string) {
	t.history = append(t.history, Transition{From: t.state, To: to, Reason: reason, At: t.now()})
	t.state = to
	if reason != "" {
		t.reason = reason
	}
}

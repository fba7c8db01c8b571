// Package dedupe fingerprints lot content and detects lots that were
// already submitted, in this run or an earlier one.
package dedupe

import (
	"context"
	"sync"

	"github.com/sells-group/eg-automation/internal/model"
)

// Entry is the first lot seen for a fingerprint.
type Entry struct {
	Fingerprint string
	LotID       string
	RunID       string

	done    chan struct{}
	outcome model.Outcome
}

// Done is closed once the entry's outcome is known.
func (e *Entry) Done() <-chan struct{} { return e.done }

// Wait blocks until the entry's lot has a recorded outcome.
func (e *Entry) Wait(ctx context.Context) (model.Outcome, error) {
	select {
	case <-e.done:
		return e.outcome, nil
	case <-ctx.Done():
		return model.Outcome{}, ctx.Err()
	}
}

// Claim is the result of registering a fingerprint.
type Claim struct {
	Duplicate bool
	Prior     *Entry
}

// Detector tracks fingerprints seen in this run and in earlier runs.
// Claims are atomic: of two concurrent lots with the same fingerprint
// exactly one gets a fresh claim.
type Detector struct {
	enabled bool

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewDetector returns a detector seeded with outcomes from earlier runs.
// Later outcomes for the same fingerprint replace earlier ones. A disabled
// detector hands out fresh claims for every fingerprint.
func NewDetector(enabled bool, prior []model.Outcome) *Detector {
	d := &Detector{enabled: enabled, entries: make(map[string]*Entry, len(prior))}
	for _, o := range prior {
		if o.Fingerprint == "" {
			continue
		}
		e := &Entry{
			Fingerprint: o.Fingerprint,
			LotID:       o.LotID,
			RunID:       o.RunID,
			done:        make(chan struct{}),
			outcome:     o,
		}
		close(e.done)
		d.entries[o.Fingerprint] = e
	}
	return d
}

// Claim registers fp for lotID unless it is already known.
func (d *Detector) Claim(fp, lotID, runID string) Claim {
	if !d.enabled || fp == "" {
		return Claim{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[fp]; ok {
		return Claim{Duplicate: true, Prior: e}
	}
	d.entries[fp] = &Entry{
		Fingerprint: fp,
		LotID:       lotID,
		RunID:       runID,
		done:        make(chan struct{}),
	}
	return Claim{}
}

// Complete publishes the outcome of the lot that claimed fp, releasing
// any duplicates waiting on it. Completing an unknown or already completed
// fingerprint is a no-op.
func (d *Detector) Complete(fp string, outcome model.Outcome) {
	if !d.enabled || fp == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[fp]
	if !ok {
		return
	}
	select {
	case <-e.done:
		return
	default:
	}
	e.outcome = outcome
	close(e.done)
}

// Len returns the number of known fingerprints.
func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

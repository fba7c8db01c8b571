package model

import (
	"errors"
	"fmt"
)

// Error kinds shared across pipeline stages. Stage code wraps these with
// eris so callers can classify with errors.Is.
var (
	ErrInputMalformed         = errors.New("input malformed")
	ErrExtractionFailed       = errors.New("extraction failed")
	ErrAutomationCallFailed   = errors.New("automation call failed")
	ErrAutomationUnavailable  = errors.New("automation unavailable")
	ErrDuplicateLot           = errors.New("duplicate lot")
	ErrOutcomeAlreadyRecorded = errors.New("outcome already recorded")
)

// Stage names used in StageError and Outcome.Stage.
const (
	StageInput       = "input"
	StageFingerprint = "fingerprint"
	StageExtract     = "extract"
	StageApproval    = "approval"
	StageCommit      = "commit"
	StageArchive     = "archive"
)

// StageError attaches the lot and pipeline stage to an error.
type StageError struct {
	LotID string
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("lot %s: %s: %v", e.LotID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

package flow

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error the engine returns for a rejected operation
// matches exactly one of these with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidState   = errors.New("invalid state")
	ErrSlotOccupied   = errors.New("clinic slot occupied")
	ErrNoCandidate    = errors.New("no patient waiting")
	ErrOriginMismatch = errors.New("referral origin mismatch")
	ErrInvalidClinic  = errors.New("unknown or inactive clinic")
)

var (
	ErrNotInQueue          = fmt.Errorf("%w: patient is not in this queue", ErrNotFound)
	ErrPatientNotFound     = fmt.Errorf("%w: patient", ErrNotFound)
	ErrNotCurrentlyActive  = fmt.Errorf("%w: patient is not in clinic", ErrInvalidState)
	ErrNotReferred         = fmt.Errorf("%w: patient is not referred", ErrInvalidState)
	ErrNotDilated          = fmt.Errorf("%w: patient is not dilated", ErrInvalidState)
	ErrDilationWaitPending = fmt.Errorf("%w: dilation wait not over", ErrInvalidState)
	ErrPatientCompleted    = fmt.Errorf("%w: visit already completed", ErrInvalidState)
)

// errScopeChanged means the set of clinics a patient touches grew between
// planning the locks and taking them.
var errScopeChanged = errors.New("patient clinic set changed")

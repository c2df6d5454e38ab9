package store

import (
	"errors"
	"fmt"
)

// Outcome classifies the result of a conditional write.
type Outcome int

const (
	// OutcomeOK means the write was applied.
	OutcomeOK Outcome = iota

	// OutcomeConflict means the stored token no longer matched.
	OutcomeConflict

	// OutcomeError means the backend failed.
	OutcomeError
)

// String returns a string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeConflict:
		return "conflict"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by conditional writes instead of a bare error so a
// retry loop can switch on the outcome.
type Result struct {
	Outcome Outcome
	err     error
}

// OK returns a successful result.
func OK() Result { return Result{Outcome: OutcomeOK} }

// Conflict returns a version conflict result.
func Conflict() Result { return Result{Outcome: OutcomeConflict, err: ErrVersionConflict} }

// Failed returns an error result. A nil err yields OK and an err wrapping
// ErrVersionConflict yields Conflict.
func Failed(err error) Result {
	switch {
	case err == nil:
		return OK()
	case errors.Is(err, ErrVersionConflict):
		return Result{Outcome: OutcomeConflict, err: err}
	default:
		return Result{Outcome: OutcomeError, err: err}
	}
}

// IsOK reports whether the write was applied.
func (r Result) IsOK() bool { return r.Outcome == OutcomeOK }

// IsConflict reports whether the write lost an optimistic concurrency race.
func (r Result) IsConflict() bool { return r.Outcome == OutcomeConflict }

// Err returns nil for OK, an error wrapping ErrVersionConflict for a
// conflict and the backend error otherwise.
func (r Result) Err() error {
	return r.err
}

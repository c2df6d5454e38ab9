package message

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of an inbox or outbox record.
//
// Records progress through these states:
//   - StatusNew: stored, waiting to be claimed
//   - StatusProcessing: claimed by a worker (inline path or polling loop)
//   - StatusProcessed: handled or sent successfully (terminal)
//   - StatusFailed: last attempt failed, eligible again after NextRetryAfter
//   - StatusIgnored: given up on (poison message or manual skip, terminal)
type Status string

const (
	// StatusNew indicates the record is waiting to be claimed.
	StatusNew Status = "new"

	// StatusProcessing indicates a worker claimed the record.
	StatusProcessing Status = "processing"

	// StatusProcessed indicates the record was handled successfully.
	StatusProcessed Status = "processed"

	// StatusFailed indicates the last attempt failed.
	StatusFailed Status = "failed"

	// StatusIgnored indicates the record will never be retried.
	StatusIgnored Status = "ignored"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusNew, StatusProcessing, StatusProcessed, StatusFailed, StatusIgnored}

// ErrInvalidStatus is returned when parsing an unknown status value.
var ErrInvalidStatus = errors.New("invalid record status")

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// IsValid reports whether the status is part of the record lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusProcessing, StatusProcessed, StatusFailed, StatusIgnored:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusIgnored
}

// IsPending reports whether the record still has to be handled.
// Pending records block newer records in the same sub-queue.
func (s Status) IsPending() bool {
	return s == StatusNew || s == StatusProcessing || s == StatusFailed
}

// CanTransitionTo reports whether a transition from s to next is allowed.
//
// Processing -> Processing is allowed so a stuck claim can be taken over
// by another worker once the processing max age has elapsed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusNew:
		return next == StatusProcessing || next == StatusFailed || next == StatusIgnored
	case StatusProcessing:
		return next == StatusProcessing || next == StatusProcessed || next == StatusFailed
	case StatusFailed:
		return next == StatusProcessing || next == StatusIgnored
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// TransitionError indicates an illegal status change.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("record %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// IsTransitionError checks if an error is an illegal status change.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

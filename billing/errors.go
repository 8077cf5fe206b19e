/*
errors.go - Centralized error types for the billing core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Store implementations map database-level failures onto these.

ERROR CATEGORIES:
  1. Validation errors - malformed input, surfaced directly, never retried
  2. State errors      - workflow transitions from a state that forbids them
  3. Ledger errors     - duplicate charges, stale corrections, missing rows

PROPAGATION POLICY:
  Ledger-mutating operations fail closed: no partial writes survive.
  The Rate Engine never fails for zero-data months; it returns a flagged
  DailyRateResult instead, so dashboards can render "not yet computable".

USAGE:
  if errors.Is(err, billing.ErrInvalidState) {
      // refresh the request and retry with current state
  }

SEE ALSO:
  - reduction.go: InvalidStateError producers
  - charges.go:   StaleCorrectionError producer
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidState is returned when a workflow transition is attempted
	// from a state that does not permit it.
	ErrInvalidState = errors.New("invalid state for transition")

	// ErrStaleCorrection is returned when correcting a ledger entry that is
	// not the latest for its (student, fee type) key. Hard rejection.
	ErrStaleCorrection = errors.New("stale correction: not the latest record")

	// ErrUndefinedRate is returned when a caller tries to charge with a rate
	// flagged undefined (zero man-days month).
	ErrUndefinedRate = errors.New("daily rate undefined for period")

	// ErrDuplicateCharge is returned by stores when a mess_charge already
	// exists for the same student+date. Expected under concurrent runs.
	ErrDuplicateCharge = errors.New("duplicate mess charge for student and date")

	// ErrConcurrentModification is returned when an optimistic status check
	// detects that another actor transitioned the request first.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError reports malformed input. Surfaced to the caller as-is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidStateError reports which state blocked a workflow transition.
type InvalidStateError struct {
	RequestID ReductionID
	Status    ReductionStatus
	Tier      Tier
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("request %s: tier %q may not act on status %q", e.RequestID, e.Tier, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// StaleCorrectionError reports a correction attempt on a non-latest record.
type StaleCorrectionError struct {
	RecordID FeeRecordID
	LatestID FeeRecordID
}

func (e *StaleCorrectionError) Error() string {
	return fmt.Sprintf("record %s is not the latest for its key (latest: %s)", e.RecordID, e.LatestID)
}

func (e *StaleCorrectionError) Unwrap() error { return ErrStaleCorrection }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input
// or a state the client must refresh before retrying.
func IsClientError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrStaleCorrection) ||
		errors.Is(err, ErrUndefinedRate) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

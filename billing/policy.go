/*
policy.go - Pluggable billing policies

PURPOSE:
  The knobs that product owns, kept out of the algorithms:
  - ManDayPolicy:  which attendance statuses count as man-days when the
    monthly rate is derived. Whether on_duty days feed the denominator is
    an open product question, so it is configuration, not code.
  - ChargePolicy:  which statuses exempt a student-day from the daily
    mess charge.
  - FeeEligibility: which students a fee type may be applied to. The
    student directory owns the underlying facts; this core only asks.

DEFAULTS:
  Man-days count "present" only. Daily charges skip "leave" and "on_duty".
  Bed charges require a student flagged requires_bed; other types apply to
  everyone.
*/
package billing

import "context"

// =============================================================================
// MAN-DAY POLICY - Denominator of the daily rate
// =============================================================================

// ManDayPolicy selects the attendance statuses that count as man-days.
type ManDayPolicy struct {
	CountedStatuses []AttendanceStatus
}

// DefaultManDayPolicy counts present days only. Add StatusOnDuty to also
// bill on-duty days into the denominator.
func DefaultManDayPolicy() ManDayPolicy {
	return ManDayPolicy{CountedStatuses: []AttendanceStatus{StatusPresent}}
}

// =============================================================================
// CHARGE POLICY - Which student-days are exempt from the daily charge
// =============================================================================

// ChargePolicy selects the statuses that exempt a day from charging.
// Days with no attendance record at all are chargeable.
type ChargePolicy struct {
	SkipStatuses []AttendanceStatus
}

// DefaultChargePolicy skips leave and on-duty days.
func DefaultChargePolicy() ChargePolicy {
	return ChargePolicy{SkipStatuses: []AttendanceStatus{StatusLeave, StatusOnDuty}}
}

// ShouldSkip reports whether a status exempts the day.
func (p ChargePolicy) ShouldSkip(status AttendanceStatus) bool {
	for _, s := range p.SkipStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// =============================================================================
// FEE ELIGIBILITY - Policy-driven bulk fee validation
// =============================================================================

// FeeEligibility decides whether a fee type may be applied to a student.
// Implementations return a *ValidationError describing the refusal.
type FeeEligibility interface {
	EligibleFor(ctx context.Context, student Student, feeType FeeType) error
}

// DefaultEligibility enforces the one built-in rule: bed charges only for
// students flagged as requiring a bed.
type DefaultEligibility struct{}

func (DefaultEligibility) EligibleFor(_ context.Context, student Student, feeType FeeType) error {
	if feeType == FeeBedCharge && !student.RequiresBed {
		return &ValidationError{
			Field:  "student_ids",
			Reason: "student " + string(student.ID) + " does not require a bed",
		}
	}
	return nil
}

/*
rate.go - Rate Engine: monthly expenses / man-days -> daily mess rate

PURPOSE:
  Derives the per-student per-day mess charge for a billing month:

      daily_rate = total_expenses / total_man_days

  rounded to 2 decimal places, round-half-up. Man-days are the count of
  student-days whose attendance status is counted by the ManDayPolicy
  (default: present only).

PURITY:
  ComputeDailyRate is a pure read + computation with no side effects.
  The Charge Materializer and reporting consumers recompute it repeatedly
  and must see identical results for identical inputs, so nothing here may
  depend on wall-clock state beyond the future-month check (injected via
  Now for tests).

EDGE CASES:
  - Future month: all-zero result, Undefined false. Dashboards preview
    upcoming months without tripping error paths.
  - Zero man-days: DailyRate zero and Undefined true. This is an expected
    state during partial months, not an error; callers must not charge
    while the flag is set.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RateEngine computes DailyRateResult from the expense and attendance ledgers.
type RateEngine struct {
	Expenses   ExpenseSource
	Attendance AttendanceSource
	Policy     ManDayPolicy

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewRateEngine builds a rate engine with the default man-day policy.
func NewRateEngine(expenses ExpenseSource, attendance AttendanceSource) *RateEngine {
	return &RateEngine{
		Expenses:   expenses,
		Attendance: attendance,
		Policy:     DefaultManDayPolicy(),
		Now:        time.Now,
	}
}

// ComputeDailyRate derives the mess rate for one billing month.
func (e *RateEngine) ComputeDailyRate(ctx context.Context, month, year int) (DailyRateResult, error) {
	bm, err := NewBillingMonth(month, year)
	if err != nil {
		return DailyRateResult{}, err
	}

	// Future months preview as zero rather than erroring.
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	current := MonthOf(DayOf(now()))
	if bm.After(current) {
		return DailyRateResult{Month: month, Year: year, TotalExpenses: decimal.Zero, DailyRate: decimal.Zero}, nil
	}

	totalExpenses, err := e.Expenses.SumExpenses(ctx, bm)
	if err != nil {
		return DailyRateResult{}, fmt.Errorf("failed to sum expenses for %s: %w", bm, err)
	}

	manDays, err := e.Attendance.CountManDays(ctx, bm, e.Policy.CountedStatuses)
	if err != nil {
		return DailyRateResult{}, fmt.Errorf("failed to count man-days for %s: %w", bm, err)
	}
	if manDays < 0 {
		return DailyRateResult{}, &ValidationError{Field: "man_days", Reason: "attendance source returned a negative count"}
	}

	result := DailyRateResult{
		Month:         month,
		Year:          year,
		TotalExpenses: totalExpenses,
		TotalManDays:  manDays,
		DailyRate:     decimal.Zero,
	}

	if manDays == 0 {
		// No chargeable days: the rate is undefined, not zero-priced.
		result.Undefined = true
		return result, nil
	}

	// DivRound at 2 places is round-half-away-from-zero, which is
	// round-half-up for the non-negative amounts a mess ledger carries.
	result.DailyRate = totalExpenses.DivRound(decimal.NewFromInt(manDays), 2)
	return result, nil
}

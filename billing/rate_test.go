package billing_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostelworks/messbilling/billing"
	"github.com/hostelworks/messbilling/billing/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestRateEngine(t *testing.T) (*billing.RateEngine, *memory.Store) {
	t.Helper()
	store := memory.New()
	engine := billing.NewRateEngine(store, store)
	// Pin the clock so the future-month check is deterministic.
	engine.Now = func() time.Time {
		return time.Date(2026, time.July, 15, 12, 0, 0, 0, time.UTC)
	}
	return engine, store
}

func addExpense(t *testing.T, store *memory.Store, date billing.DayDate, amount string) {
	t.Helper()
	err := store.AddExpense(context.Background(), billing.Expense{
		ID:     fmt.Sprintf("exp-%s-%s", date, amount),
		Date:   date,
		Amount: billing.MustMoney(amount),
	})
	require.NoError(t, err)
}

func markDays(t *testing.T, store *memory.Store, studentID string, month billing.BillingMonth, days int, status billing.AttendanceStatus) {
	t.Helper()
	for d := 1; d <= days; d++ {
		date := billing.NewDayDate(month.Year, time.Month(month.Month), d)
		err := store.MarkAttendance(context.Background(), billing.StudentID(studentID), date, status)
		require.NoError(t, err)
	}
}

// =============================================================================
// RATE COMPUTATION TESTS
// =============================================================================

func TestRateEngine_ExpensesOverManDays(t *testing.T) {
	// GIVEN: June 2026 has 3000.00 in expenses and 150 present student-days
	// WHEN: Computing the daily rate
	// THEN: Rate is 3000 / 150 = 20.00

	engine, store := newTestRateEngine(t)
	ctx := context.Background()
	june := billing.BillingMonth{Month: 6, Year: 2026}

	addExpense(t, store, billing.NewDayDate(2026, time.June, 5), "1800.00")
	addExpense(t, store, billing.NewDayDate(2026, time.June, 20), "1200.00")

	// 5 students present for all 30 days = 150 man-days
	for i := 1; i <= 5; i++ {
		markDays(t, store, fmt.Sprintf("s%d", i), june, 30, billing.StatusPresent)
	}

	result, err := engine.ComputeDailyRate(ctx, 6, 2026)
	require.NoError(t, err)

	assert.False(t, result.Undefined)
	assert.Equal(t, int64(150), result.TotalManDays)
	assert.True(t, result.TotalExpenses.Equal(billing.MustMoney("3000.00")), "expenses should sum to 3000, got %s", result.TotalExpenses)
	assert.True(t, result.DailyRate.Equal(billing.MustMoney("20.00")), "rate should be 20.00, got %s", result.DailyRate)
}

func TestRateEngine_OnlyCountedStatusesAreManDays(t *testing.T) {
	// GIVEN: A month with present, absent, leave and on_duty days
	// WHEN: Computing with the default man-day policy (present only)
	// THEN: Only present days divide the expenses

	engine, store := newTestRateEngine(t)
	ctx := context.Background()
	june := billing.BillingMonth{Month: 6, Year: 2026}

	addExpense(t, store, billing.NewDayDate(2026, time.June, 1), "100.00")

	markDays(t, store, "s1", june, 10, billing.StatusPresent)
	markDays(t, store, "s2", june, 10, billing.StatusAbsent)
	markDays(t, store, "s3", june, 10, billing.StatusLeave)
	markDays(t, store, "s4", june, 10, billing.StatusOnDuty)

	result, err := engine.ComputeDailyRate(ctx, 6, 2026)
	require.NoError(t, err)

	assert.Equal(t, int64(10), result.TotalManDays)
	assert.True(t, result.DailyRate.Equal(billing.MustMoney("10.00")))
}

func TestRateEngine_RoundsHalfUp(t *testing.T) {
	// GIVEN: Expenses that do not divide evenly into the man-days
	// WHEN: Computing the daily rate
	// THEN: The quotient is rounded half-up at 2 decimal places

	engine, store := newTestRateEngine(t)
	ctx := context.Background()
	june := billing.BillingMonth{Month: 6, Year: 2026}

	// 1.25 / 2 = 0.625 -> 0.63
	addExpense(t, store, billing.NewDayDate(2026, time.June, 1), "1.25")
	markDays(t, store, "s1", june, 2, billing.StatusPresent)

	result, err := engine.ComputeDailyRate(ctx, 6, 2026)
	require.NoError(t, err)

	assert.True(t, result.DailyRate.Equal(billing.MustMoney("0.63")), "0.625 should round to 0.63, got %s", result.DailyRate)
}

func TestRateEngine_ZeroManDays_Undefined(t *testing.T) {
	// GIVEN: A month with expenses but no counted attendance
	// WHEN: Computing the daily rate
	// THEN: The rate is undefined, not an error and not zero-priced

	engine, store := newTestRateEngine(t)
	ctx := context.Background()

	addExpense(t, store, billing.NewDayDate(2026, time.June, 1), "500.00")

	result, err := engine.ComputeDailyRate(ctx, 6, 2026)
	require.NoError(t, err)

	assert.True(t, result.Undefined)
	assert.True(t, result.DailyRate.IsZero())
	assert.True(t, result.TotalExpenses.Equal(billing.MustMoney("500.00")))
}

func TestRateEngine_FutureMonth_ZeroPreview(t *testing.T) {
	// GIVEN: The clock is pinned to July 2026
	// WHEN: Computing the rate for December 2026
	// THEN: An all-zero result with Undefined false (dashboard preview)

	engine, _ := newTestRateEngine(t)
	ctx := context.Background()

	result, err := engine.ComputeDailyRate(ctx, 12, 2026)
	require.NoError(t, err)

	assert.False(t, result.Undefined)
	assert.True(t, result.DailyRate.IsZero())
	assert.True(t, result.TotalExpenses.IsZero())
	assert.Equal(t, int64(0), result.TotalManDays)
}

func TestRateEngine_InvalidMonth_Rejected(t *testing.T) {
	// GIVEN: An out-of-range month
	// WHEN: Computing the rate
	// THEN: A validation error

	engine, _ := newTestRateEngine(t)

	_, err := engine.ComputeDailyRate(context.Background(), 13, 2026)

	var ve *billing.ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Equal(t, "month", ve.Field)
}

func TestRateEngine_DeterministicAcrossRecomputation(t *testing.T) {
	// GIVEN: Fixed expenses and attendance
	// WHEN: Computing the rate repeatedly
	// THEN: Identical inputs always give identical results

	engine, store := newTestRateEngine(t)
	ctx := context.Background()
	june := billing.BillingMonth{Month: 6, Year: 2026}

	addExpense(t, store, billing.NewDayDate(2026, time.June, 3), "999.99")
	markDays(t, store, "s1", june, 7, billing.StatusPresent)

	first, err := engine.ComputeDailyRate(ctx, 6, 2026)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := engine.ComputeDailyRate(ctx, 6, 2026)
		require.NoError(t, err)
		assert.True(t, first.DailyRate.Equal(again.DailyRate))
		assert.Equal(t, first.TotalManDays, again.TotalManDays)
	}
}

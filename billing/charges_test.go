package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostelworks/messbilling/billing"
	"github.com/hostelworks/messbilling/billing/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestMaterializer(t *testing.T) (*billing.ChargeMaterializer, *memory.Store) {
	t.Helper()
	store := memory.New()
	return billing.NewChargeMaterializer(store, store, store, store), store
}

func addStudent(t *testing.T, store *memory.Store, id string, requiresBed bool) {
	t.Helper()
	err := store.SaveStudent(context.Background(), billing.Student{
		ID:          billing.StudentID(id),
		Name:        "Student " + id,
		RequiresBed: requiresBed,
		Active:      true,
	})
	require.NoError(t, err)
}

// =============================================================================
// DAILY CHARGE TESTS
// =============================================================================

func TestApplyDailyCharges_ChargesEveryActiveStudent(t *testing.T) {
	// GIVEN: Three active students with no attendance marked
	// WHEN: Applying daily charges at 20.00
	// THEN: Each gets one mess_charge and the monthly totals reflect it

	m, store := newTestMaterializer(t)
	ctx := context.Background()
	date := billing.NewDayDate(2026, time.June, 10)

	addStudent(t, store, "s1", false)
	addStudent(t, store, "s2", false)
	addStudent(t, store, "s3", false)

	result, err := m.ApplyDailyCharges(ctx, date, billing.MustMoney("20.00"), "warden-1")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Applied)
	assert.Equal(t, 0, result.Skipped)

	total, err := store.MonthlyTotal(ctx, "s1", 6, 2026)
	require.NoError(t, err)
	assert.True(t, total.Equal(billing.MustMoney("20.00")))

	records, err := store.ListFees(ctx, billing.FeeFilter{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, billing.FeeMessCharge, r.Type)
		require.NotNil(t, r.ChargeDate)
		assert.True(t, r.ChargeDate.Equal(date))
		assert.Equal(t, "warden-1", r.IssuedBy)
	}
}

func TestApplyDailyCharges_RerunIsIdempotent(t *testing.T) {
	// GIVEN: A date that has already been charged
	// WHEN: Running the same date again
	// THEN: Every student is skipped, no totals change

	m, store := newTestMaterializer(t)
	ctx := context.Background()
	date := billing.NewDayDate(2026, time.June, 10)

	addStudent(t, store, "s1", false)
	addStudent(t, store, "s2", false)

	first, err := m.ApplyDailyCharges(ctx, date, billing.MustMoney("20.00"), "warden-1")
	require.NoError(t, err)
	require.Equal(t, 2, first.Applied)

	second, err := m.ApplyDailyCharges(ctx, date, billing.MustMoney("20.00"), "warden-1")
	require.NoError(t, err)

	assert.Equal(t, 0, second.Applied)
	assert.Equal(t, 2, second.Skipped)

	total, err := store.MonthlyTotal(ctx, "s1", 6, 2026)
	require.NoError(t, err)
	assert.True(t, total.Equal(billing.MustMoney("20.00")), "rerun must not double-charge")
}

func TestApplyDailyCharges_ExemptStatusesSkip(t *testing.T) {
	// GIVEN: Students on leave and on duty for the date, one present, one absent
	// WHEN: Applying daily charges
	// THEN: leave and on_duty skip; present and absent are charged

	m, store := newTestMaterializer(t)
	ctx := context.Background()
	date := billing.NewDayDate(2026, time.June, 10)

	addStudent(t, store, "present", false)
	addStudent(t, store, "absent", false)
	addStudent(t, store, "leave", false)
	addStudent(t, store, "duty", false)

	require.NoError(t, store.MarkAttendance(ctx, "present", date, billing.StatusPresent))
	require.NoError(t, store.MarkAttendance(ctx, "absent", date, billing.StatusAbsent))
	require.NoError(t, store.MarkAttendance(ctx, "leave", date, billing.StatusLeave))
	require.NoError(t, store.MarkAttendance(ctx, "duty", date, billing.StatusOnDuty))

	result, err := m.ApplyDailyCharges(ctx, date, billing.MustMoney("15.00"), "warden-1")
	require.NoError(t, err)

	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, 2, result.Skipped)

	exists, err := store.MessChargeExists(ctx, "leave", date)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = store.MessChargeExists(ctx, "absent", date)
	require.NoError(t, err)
	assert.True(t, exists, "absent without approved reduction is still chargeable")
}

func TestApplyDailyCharges_UnmarkedDayIsChargeable(t *testing.T) {
	// GIVEN: A student with no attendance record for the date
	// WHEN: Applying daily charges
	// THEN: The student is charged (absence of a record is not an exemption)

	m, store := newTestMaterializer(t)
	ctx := context.Background()
	date := billing.NewDayDate(2026, time.June, 10)

	addStudent(t, store, "s1", false)

	result, err := m.ApplyDailyCharges(ctx, date, billing.MustMoney("20.00"), "warden-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
}

func TestApplyDailyCharges_NonPositiveRate_Rejected(t *testing.T) {
	// GIVEN: A zero or negative rate (e.g. taken from an undefined month)
	// WHEN: Applying daily charges
	// THEN: ErrUndefinedRate, nothing written

	m, store := newTestMaterializer(t)
	ctx := context.Background()
	date := billing.NewDayDate(2026, time.June, 10)

	addStudent(t, store, "s1", false)

	_, err := m.ApplyDailyCharges(ctx, date, decimal.Zero, "warden-1")
	assert.ErrorIs(t, err, billing.ErrUndefinedRate)

	_, err = m.ApplyDailyCharges(ctx, date, billing.MustMoney("-5.00"), "warden-1")
	assert.ErrorIs(t, err, billing.ErrUndefinedRate)

	records, err := store.ListFees(ctx, billing.FeeFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestApplyDailyCharges_SubCentRate_Rejected(t *testing.T) {
	// GIVEN: A rate with more than 2 decimal places
	// WHEN: Applying daily charges
	// THEN: A validation error

	m, store := newTestMaterializer(t)
	addStudent(t, store, "s1", false)

	rate, err := decimal.NewFromString("19.999")
	require.NoError(t, err)

	_, err = m.ApplyDailyCharges(context.Background(), billing.NewDayDate(2026, time.June, 10), rate, "warden-1")

	var ve *billing.ValidationError
	assert.ErrorAs(t, err, &ve)
}

// =============================================================================
// CORRECTION TESTS
// =============================================================================

func TestCorrectFeeRecord_RewritesAmountByDelta(t *testing.T) {
	// GIVEN: A charged student-day at 20.00
	// WHEN: Correcting the unit price to 18.50
	// THEN: Amount becomes 18.50 and the monthly total moves by the delta

	m, store := newTestMaterializer(t)
	ctx := context.Background()
	date := billing.NewDayDate(2026, time.June, 10)

	addStudent(t, store, "s1", false)
	_, err := m.ApplyDailyCharges(ctx, date, billing.MustMoney("20.00"), "warden-1")
	require.NoError(t, err)

	records, err := store.ListFees(ctx, billing.FeeFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	newPrice := billing.MustMoney("18.50")
	corrected, err := m.CorrectFeeRecord(ctx, records[0].ID, nil, &newPrice)
	require.NoError(t, err)

	assert.True(t, corrected.Amount.Equal(billing.MustMoney("18.50")))
	assert.True(t, corrected.UnitPrice.Equal(newPrice))

	total, err := store.MonthlyTotal(ctx, "s1", 6, 2026)
	require.NoError(t, err)
	assert.True(t, total.Equal(billing.MustMoney("18.50")), "monthly total should follow the correction, got %s", total)
}

func TestCorrectFeeRecord_QuantityTimesUnitPrice(t *testing.T) {
	// GIVEN: A mess charge at quantity 1
	// WHEN: Correcting quantity to 2 and unit price to 10.05
	// THEN: Amount = 2 * 10.05 = 20.10

	m, store := newTestMaterializer(t)
	ctx := context.Background()

	addStudent(t, store, "s1", false)
	_, err := m.ApplyDailyCharges(ctx, billing.NewDayDate(2026, time.June, 10), billing.MustMoney("20.00"), "warden-1")
	require.NoError(t, err)

	records, err := store.ListFees(ctx, billing.FeeFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)

	quantity := decimal.NewFromInt(2)
	price := billing.MustMoney("10.05")
	corrected, err := m.CorrectFeeRecord(ctx, records[0].ID, &quantity, &price)
	require.NoError(t, err)

	assert.True(t, corrected.Amount.Equal(billing.MustMoney("20.10")))
}

func TestCorrectFeeRecord_OnlyLatestIsCorrectable(t *testing.T) {
	// GIVEN: Two mess charges for the same student on consecutive days
	// WHEN: Correcting the older one
	// THEN: StaleCorrectionError naming the latest record

	m, store := newTestMaterializer(t)
	ctx := context.Background()

	addStudent(t, store, "s1", false)

	day1 := billing.NewDayDate(2026, time.June, 10)
	day2 := billing.NewDayDate(2026, time.June, 11)

	_, err := m.ApplyDailyCharges(ctx, day1, billing.MustMoney("20.00"), "warden-1")
	require.NoError(t, err)
	_, err = m.ApplyDailyCharges(ctx, day2, billing.MustMoney("20.00"), "warden-1")
	require.NoError(t, err)

	records, err := store.ListFees(ctx, billing.FeeFilter{})
	require.NoError(t, err)
	require.Len(t, records, 2)

	older := records[0]
	newer := records[1]

	price := billing.MustMoney("18.00")
	_, err = m.CorrectFeeRecord(ctx, older.ID, nil, &price)

	var stale *billing.StaleCorrectionError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, older.ID, stale.RecordID)
	assert.Equal(t, newer.ID, stale.LatestID)

	// Correcting the latest succeeds.
	_, err = m.CorrectFeeRecord(ctx, newer.ID, nil, &price)
	assert.NoError(t, err)
}

func TestCorrectFeeRecord_UnknownRecord_NotFound(t *testing.T) {
	// GIVEN: No such record
	// WHEN: Correcting it
	// THEN: ErrNotFound

	m, _ := newTestMaterializer(t)

	price := billing.MustMoney("18.00")
	_, err := m.CorrectFeeRecord(context.Background(), "missing", nil, &price)

	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestCorrectFeeRecord_InvalidValues_Rejected(t *testing.T) {
	// GIVEN: A charged record
	// WHEN: Correcting with a non-positive quantity or sub-cent price
	// THEN: Validation errors, record untouched

	m, store := newTestMaterializer(t)
	ctx := context.Background()

	addStudent(t, store, "s1", false)
	_, err := m.ApplyDailyCharges(ctx, billing.NewDayDate(2026, time.June, 10), billing.MustMoney("20.00"), "warden-1")
	require.NoError(t, err)

	records, err := store.ListFees(ctx, billing.FeeFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	id := records[0].ID

	zero := decimal.Zero
	_, err = m.CorrectFeeRecord(ctx, id, &zero, nil)
	var ve *billing.ValidationError
	assert.ErrorAs(t, err, &ve)

	subCent, _ := decimal.NewFromString("19.999")
	_, err = m.CorrectFeeRecord(ctx, id, nil, &subCent)
	assert.ErrorAs(t, err, &ve)

	unchanged, err := store.GetFee(ctx, id)
	require.NoError(t, err)
	assert.True(t, unchanged.Amount.Equal(billing.MustMoney("20.00")))
}

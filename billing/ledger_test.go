package billing_test

import (
	"context"
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

func newTestLedger(t *testing.T) (*billing.FeeLedger, *memory.Store) {
	t.Helper()
	store := memory.New()
	ledger := billing.NewFeeLedger(store, store)
	ledger.Now = func() time.Time {
		return time.Date(2026, time.June, 15, 10, 30, 45, 0, time.UTC)
	}
	return ledger, store
}

func bulkInput(studentIDs ...billing.StudentID) billing.BulkFeeInput {
	return billing.BulkFeeInput{
		Type:        billing.FeeWaterBill,
		Amount:      billing.MustMoney("75.00"),
		Description: "June water bill",
		StudentIDs:  studentIDs,
		Month:       6,
		Year:        2026,
		IssuedBy:    "admin-1",
	}
}

// =============================================================================
// BULK FEE TESTS
// =============================================================================

func TestCreateBulkFee_OneRecordPerStudent(t *testing.T) {
	// GIVEN: Three registered students
	// WHEN: Creating a bulk water bill
	// THEN: Three records share one batch key and totals update per student

	ledger, store := newTestLedger(t)
	ctx := context.Background()

	addStudent(t, store, "s1", false)
	addStudent(t, store, "s2", false)
	addStudent(t, store, "s3", false)

	result, err := ledger.CreateBulkFee(ctx, bulkInput("s1", "s2", "s3"))
	require.NoError(t, err)

	assert.Equal(t, 3, result.Count)

	records, err := ledger.BatchRecords(ctx, result.BatchKey)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, billing.FeeWaterBill, r.Type)
		assert.True(t, r.Amount.Equal(billing.MustMoney("75.00")))
		assert.True(t, result.BatchKey.Equal(r.BatchKey()))
	}

	total, err := store.MonthlyTotal(ctx, "s2", 6, 2026)
	require.NoError(t, err)
	assert.True(t, total.Equal(billing.MustMoney("75.00")))
}

func TestCreateBulkFee_UnknownStudent_NothingPersists(t *testing.T) {
	// GIVEN: Two valid students and one unknown in the same batch
	// WHEN: Creating the bulk fee
	// THEN: Validation error and the ledger stays empty (atomicity)

	ledger, store := newTestLedger(t)
	ctx := context.Background()

	addStudent(t, store, "s1", false)
	addStudent(t, store, "s2", false)

	_, err := ledger.CreateBulkFee(ctx, bulkInput("s1", "ghost", "s2"))

	var ve *billing.ValidationError
	require.ErrorAs(t, err, &ve)

	records, err := store.ListFees(ctx, billing.FeeFilter{})
	require.NoError(t, err)
	assert.Empty(t, records, "a failed batch must leave no trace")

	total, err := store.MonthlyTotal(ctx, "s1", 6, 2026)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestCreateBulkFee_BedChargeRequiresBed(t *testing.T) {
	// GIVEN: One student with a bed and one without
	// WHEN: Creating a bulk bed charge for both
	// THEN: The ineligible student fails the whole batch

	ledger, store := newTestLedger(t)
	ctx := context.Background()

	addStudent(t, store, "with-bed", true)
	addStudent(t, store, "no-bed", false)

	in := bulkInput("with-bed", "no-bed")
	in.Type = billing.FeeBedCharge
	in.Description = "June bed charge"

	_, err := ledger.CreateBulkFee(ctx, in)

	var ve *billing.ValidationError
	require.ErrorAs(t, err, &ve)

	records, err := store.ListFees(ctx, billing.FeeFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)

	// A batch of only eligible students succeeds.
	result, err := ledger.CreateBulkFee(ctx, billing.BulkFeeInput{
		Type:        billing.FeeBedCharge,
		Amount:      billing.MustMoney("120.00"),
		Description: "June bed charge",
		StudentIDs:  []billing.StudentID{"with-bed"},
		Month:       6,
		Year:        2026,
		IssuedBy:    "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)
}

func TestCreateBulkFee_InputValidation(t *testing.T) {
	// GIVEN: Invalid inputs
	// WHEN: Creating bulk fees
	// THEN: Each is rejected with a validation error

	ledger, store := newTestLedger(t)
	ctx := context.Background()
	addStudent(t, store, "s1", false)

	cases := []struct {
		name   string
		mutate func(*billing.BulkFeeInput)
	}{
		{"empty students", func(in *billing.BulkFeeInput) { in.StudentIDs = nil }},
		{"unknown fee type", func(in *billing.BulkFeeInput) { in.Type = "parking" }},
		{"zero amount", func(in *billing.BulkFeeInput) { in.Amount = billing.MustMoney("0") }},
		{"sub-cent amount", func(in *billing.BulkFeeInput) { in.Amount = billing.MustMoney("10.005") }},
		{"empty description", func(in *billing.BulkFeeInput) { in.Description = "" }},
		{"bad month", func(in *billing.BulkFeeInput) { in.Month = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := bulkInput("s1")
			tc.mutate(&in)

			_, err := ledger.CreateBulkFee(ctx, in)

			var ve *billing.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestCreateBulkFee_NegativeAmountIsACredit(t *testing.T) {
	// GIVEN: A batch with a negative amount (refund)
	// WHEN: Creating it
	// THEN: It persists and pulls the monthly total down

	ledger, store := newTestLedger(t)
	ctx := context.Background()
	addStudent(t, store, "s1", false)

	in := bulkInput("s1")
	in.Amount = billing.MustMoney("-25.00")
	in.Description = "deposit refund"

	result, err := ledger.CreateBulkFee(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Count)

	total, err := store.MonthlyTotal(ctx, "s1", 6, 2026)
	require.NoError(t, err)
	assert.True(t, total.Equal(billing.MustMoney("-25.00")))
}

// =============================================================================
// BATCH KEY & REVERT TESTS
// =============================================================================

func TestBatchKey_RoundTripsThroughString(t *testing.T) {
	// GIVEN: A batch key, including a description containing the separator
	// WHEN: Encoding to string and parsing back
	// THEN: The parsed key matches and still selects the batch

	ledger, store := newTestLedger(t)
	ctx := context.Background()
	addStudent(t, store, "s1", false)

	in := bulkInput("s1")
	in.Description = "fine | broken chair"
	in.Type = billing.FeeFine

	result, err := ledger.CreateBulkFee(ctx, in)
	require.NoError(t, err)

	parsed, err := billing.ParseBatchKey(result.BatchKey.String())
	require.NoError(t, err)
	assert.True(t, result.BatchKey.Equal(parsed))

	records, err := ledger.BatchRecords(ctx, parsed)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRevertBatch_DeletesExactlyTheBatch(t *testing.T) {
	// GIVEN: Two separate batches a minute apart
	// WHEN: Reverting the first by its key
	// THEN: Only its records disappear; totals roll back exactly

	ledger, store := newTestLedger(t)
	ctx := context.Background()

	addStudent(t, store, "s1", false)
	addStudent(t, store, "s2", false)

	first, err := ledger.CreateBulkFee(ctx, bulkInput("s1", "s2"))
	require.NoError(t, err)

	ledger.Now = func() time.Time {
		return time.Date(2026, time.June, 15, 10, 31, 0, 0, time.UTC)
	}
	in := bulkInput("s1", "s2")
	in.Type = billing.FeeNewspaper
	in.Amount = billing.MustMoney("30.00")
	in.Description = "June newspaper"
	second, err := ledger.CreateBulkFee(ctx, in)
	require.NoError(t, err)

	records, err := ledger.BatchRecords(ctx, first.BatchKey)
	require.NoError(t, err)
	ids := make([]billing.FeeRecordID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}

	result, err := ledger.RevertBatch(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Deleted)

	remaining, err := store.ListFees(ctx, billing.FeeFilter{})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	for _, r := range remaining {
		assert.True(t, second.BatchKey.Equal(r.BatchKey()), "only the second batch should remain")
	}

	total, err := store.MonthlyTotal(ctx, "s1", 6, 2026)
	require.NoError(t, err)
	assert.True(t, total.Equal(billing.MustMoney("30.00")), "total should be just the surviving batch, got %s", total)
}

func TestRevertBatch_DoubleRevertIsZeroEffect(t *testing.T) {
	// GIVEN: A batch already reverted
	// WHEN: Reverting the same IDs again
	// THEN: Deleted: 0, no error, totals unchanged

	ledger, store := newTestLedger(t)
	ctx := context.Background()
	addStudent(t, store, "s1", false)

	created, err := ledger.CreateBulkFee(ctx, bulkInput("s1"))
	require.NoError(t, err)

	records, err := ledger.BatchRecords(ctx, created.BatchKey)
	require.NoError(t, err)
	ids := []billing.FeeRecordID{records[0].ID}

	result, err := ledger.RevertBatch(ctx, ids)
	require.NoError(t, err)
	require.Equal(t, 1, result.Deleted)

	again, err := ledger.RevertBatch(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Deleted)

	total, err := store.MonthlyTotal(ctx, "s1", 6, 2026)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestRevertBatch_EmptyIDs_Rejected(t *testing.T) {
	ledger, _ := newTestLedger(t)

	_, err := ledger.RevertBatch(context.Background(), nil)

	var ve *billing.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestSameMinuteIdenticalBatches_MergeUnderOneKey(t *testing.T) {
	// GIVEN: Two batches created in the same minute with identical type,
	//        amount and description
	// WHEN: Enumerating by the shared key
	// THEN: Both batches appear - the documented minute-granularity merge

	ledger, store := newTestLedger(t)
	ctx := context.Background()

	addStudent(t, store, "s1", false)
	addStudent(t, store, "s2", false)

	first, err := ledger.CreateBulkFee(ctx, bulkInput("s1"))
	require.NoError(t, err)

	second, err := ledger.CreateBulkFee(ctx, bulkInput("s2"))
	require.NoError(t, err)

	assert.True(t, first.BatchKey.Equal(second.BatchKey))

	records, err := ledger.BatchRecords(ctx, first.BatchKey)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestListFees_FilterValidation(t *testing.T) {
	// GIVEN: A month filter without a year
	// WHEN: Listing fees
	// THEN: Validation error (month and year travel together)

	ledger, _ := newTestLedger(t)
	month := 6

	_, err := ledger.ListFees(context.Background(), billing.FeeFilter{Month: &month})

	var ve *billing.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestMonthlySummary_ReflectsLiveLedger(t *testing.T) {
	// GIVEN: A bulk fee and a partial revert
	// WHEN: Reading the monthly summary
	// THEN: Totals match the surviving records exactly

	ledger, store := newTestLedger(t)
	ctx := context.Background()

	addStudent(t, store, "s1", false)
	addStudent(t, store, "s2", false)

	created, err := ledger.CreateBulkFee(ctx, bulkInput("s1", "s2"))
	require.NoError(t, err)

	records, err := ledger.BatchRecords(ctx, created.BatchKey)
	require.NoError(t, err)

	// Revert only s1's record.
	var s1ID billing.FeeRecordID
	for _, r := range records {
		if r.StudentID == "s1" {
			s1ID = r.ID
		}
	}
	_, err = ledger.RevertBatch(ctx, []billing.FeeRecordID{s1ID})
	require.NoError(t, err)

	summary, err := ledger.MonthlySummary(ctx, 6, 2026)
	require.NoError(t, err)

	_, hasS1 := summary["s1"]
	assert.False(t, hasS1, "zero totals are omitted")
	assert.True(t, summary["s2"].Equal(billing.MustMoney("75.00")))
}

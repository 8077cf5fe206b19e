/*
Package billing provides the mess-fee billing core for hostel residency
operations.

PURPOSE:
  This package contains the domain types and services for mess billing:
  deriving a month's per-day mess rate from expenses and attendance,
  materializing daily charges per student, managing the fee ledger with
  batched (undoable) bulk operations, and running the two-tier day-reduction
  approval workflow.

KEY CONCEPTS IN THIS FILE (types.go):
  - FeeRecord: one charge or credit against one student for one billing month
  - FeeType:   the category tag that drives eligibility rules
  - BatchKey:  derived grouping key that makes a bulk operation undoable
  - DailyRateResult: the computed mess rate for a month (may be undefined)
  - Student / Expense / AttendanceStatus: collaborator-owned data shapes

DESIGN PRINCIPLES:
  1. Precision: all money uses decimal.Decimal at 2 decimal places.
     No float64 money anywhere; aggregation is drift-free.
  2. Type Safety: strong typing for IDs prevents mixing student/record IDs.
  3. Derived grouping: a batch is reconstructed by key, never persisted
     as its own row, so the ledger stays a flat append-friendly structure.

SEE ALSO:
  - rate.go:      RateEngine computing DailyRateResult
  - charges.go:   ChargeMaterializer producing mess_charge records
  - ledger.go:    FeeLedger bulk operations and queries
  - reduction.go: DayReductionRequest state machine
*/
package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type FeeRecordID string
type ReductionID string

// =============================================================================
// FEE TYPES
// =============================================================================

// FeeType categorizes a ledger entry. Eligibility rules key off this.
type FeeType string

const (
	FeeMessCharge FeeType = "mess_charge"
	FeeBedCharge  FeeType = "bed_charge"
	FeeWaterBill  FeeType = "water_bill"
	FeeFine       FeeType = "fine"
	FeeNewspaper  FeeType = "newspaper"
	FeeOther      FeeType = "other"
)

// Valid returns true when the fee type is a supported value.
func (t FeeType) Valid() bool {
	switch t {
	case FeeMessCharge, FeeBedCharge, FeeWaterBill, FeeFine, FeeNewspaper, FeeOther:
		return true
	default:
		return false
	}
}

// =============================================================================
// FEE RECORD - One charge or credit against one student
// =============================================================================

// FeeRecord is a single ledger entry. Amount is signed: positive = charge,
// negative = credit/refund. Amount always equals Quantity * UnitPrice rounded
// to 2 decimal places (mess charges are quantity 1 at the daily rate).
//
// Records are never mutated in place except through the explicit correction
// operation on the ChargeMaterializer; deletion happens only via batch
// reversal, individual reversal, or day-reduction finalization.
type FeeRecord struct {
	ID          FeeRecordID
	StudentID   StudentID
	Type        FeeType
	Amount      decimal.Decimal
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Month       int // 1-12
	Year        int
	Description string

	// ChargeDate is set only for mess_charge records and is the idempotency
	// key for daily charging: at most one mess_charge per student per date.
	ChargeDate *DayDate

	IssuedBy  string
	CreatedAt time.Time
}

// BatchKey returns the derived batch membership key for this record.
func (r FeeRecord) BatchKey() BatchKey {
	return NewBatchKey(r.Type, r.Amount, r.Description, r.CreatedAt)
}

// =============================================================================
// BATCH KEY - Derived grouping for undoable bulk operations
// =============================================================================

// BatchKey identifies the set of FeeRecords created by one bulk operation.
// Membership is reconstructed by grouping on (fee_type, amount, description,
// created-at truncated to the minute) - no batch table exists.
//
// KNOWN LIMITATION: two unrelated batches created within the same minute with
// identical type, amount and description are indistinguishable and will be
// merged for undo purposes. This minute-granularity collision is accepted;
// the reporting collaborators group by the same derived key, so a stronger
// key here would silently diverge from them.
type BatchKey struct {
	Type        FeeType
	Amount      decimal.Decimal
	Description string
	Minute      time.Time // UTC, truncated to the minute
}

// NewBatchKey derives the batch key from a record's identifying fields.
func NewBatchKey(t FeeType, amount decimal.Decimal, description string, createdAt time.Time) BatchKey {
	return BatchKey{
		Type:        t,
		Amount:      amount,
		Description: description,
		Minute:      createdAt.UTC().Truncate(time.Minute),
	}
}

const batchKeyMinuteLayout = "2006-01-02T15:04"

// String encodes the key as "type|amount|minute|description".
// Description goes last because it is the only free-text component.
func (k BatchKey) String() string {
	return fmt.Sprintf("%s|%s|%s|%s",
		k.Type, k.Amount.StringFixed(2), k.Minute.Format(batchKeyMinuteLayout), k.Description)
}

// ParseBatchKey decodes a key produced by String.
func ParseBatchKey(s string) (BatchKey, error) {
	parts := strings.SplitN(s, "|", 4)
	if len(parts) != 4 {
		return BatchKey{}, &ValidationError{Field: "batch_key", Reason: "expected type|amount|minute|description"}
	}
	t := FeeType(parts[0])
	if !t.Valid() {
		return BatchKey{}, &ValidationError{Field: "batch_key", Reason: "unknown fee type " + parts[0]}
	}
	amount, err := decimal.NewFromString(parts[1])
	if err != nil {
		return BatchKey{}, &ValidationError{Field: "batch_key", Reason: "bad amount: " + err.Error()}
	}
	minute, err := time.ParseInLocation(batchKeyMinuteLayout, parts[2], time.UTC)
	if err != nil {
		return BatchKey{}, &ValidationError{Field: "batch_key", Reason: "bad minute: " + err.Error()}
	}
	return BatchKey{Type: t, Amount: amount, Description: parts[3], Minute: minute}, nil
}

// Equal compares keys by value (decimal amounts compare by value, not exponent).
func (k BatchKey) Equal(other BatchKey) bool {
	return k.Type == other.Type &&
		k.Amount.Equal(other.Amount) &&
		k.Description == other.Description &&
		k.Minute.Equal(other.Minute)
}

// =============================================================================
// DAILY RATE RESULT - Computed, never persisted
// =============================================================================

// DailyRateResult carries the derived mess rate for one billing month.
//
// Undefined is set when the month has expenses but zero man-days; callers
// must not charge while it is set. A future month yields an all-zero result
// with Undefined false so dashboards can render a preview state.
type DailyRateResult struct {
	Month         int
	Year          int
	TotalExpenses decimal.Decimal
	TotalManDays  int64
	DailyRate     decimal.Decimal
	Undefined     bool
}

// =============================================================================
// ATTENDANCE - Collaborator-owned, read-only input
// =============================================================================

// AttendanceStatus is the per-student per-day status from the attendance ledger.
type AttendanceStatus string

const (
	StatusPresent AttendanceStatus = "present"
	StatusAbsent  AttendanceStatus = "absent"
	StatusLeave   AttendanceStatus = "leave"
	StatusOnDuty  AttendanceStatus = "on_duty"
)

// Valid returns true when the status is a supported value.
func (s AttendanceStatus) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLeave, StatusOnDuty:
		return true
	default:
		return false
	}
}

// =============================================================================
// COLLABORATOR SHAPES
// =============================================================================

// Student is the slice of the student directory this core needs.
type Student struct {
	ID          StudentID
	Name        string
	RequiresBed bool
	HostelID    string
	SessionID   string
	Active      bool
}

// Expense is one dated entry from the expense ledger.
type Expense struct {
	ID          string
	Date        DayDate
	Category    string
	Amount      decimal.Decimal
	Description string
}

// =============================================================================
// OPERATION RESULTS
// =============================================================================

// ApplyResult reports a daily charging run.
type ApplyResult struct {
	Applied int
	Skipped int
}

// BulkFeeResult reports a bulk fee creation.
type BulkFeeResult struct {
	BatchKey BatchKey
	Count    int
}

// RevertResult reports a batch reversal. Deleted is zero when the records
// were already gone (e.g. a concurrent revert won).
type RevertResult struct {
	Deleted int
}

// =============================================================================
// MONEY HELPERS
// =============================================================================

// IsMoney reports whether d is representable at 2-decimal precision.
func IsMoney(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// MustMoney parses a 2-decimal amount; used in tests and seed data.
func MustMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

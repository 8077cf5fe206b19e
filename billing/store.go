/*
store.go - Persistence and collaborator interfaces

PURPOSE:
  Defines the interface between the billing core and its storage, plus the
  read-only collaborator interfaces (attendance ledger, expense ledger,
  student directory). Different implementations can use SQLite, PostgreSQL,
  or in-memory storage.

KEY INTERFACES:
  FeeStore:         Fee ledger persistence (atomic batch insert/delete)
  ReductionStore:   Day-reduction requests with optimistic transitions
  AttendanceSource: Read-only attendance input
  ExpenseSource:    Read-only expense input
  StudentDirectory: Read-only student lookup
  Backend:          Everything a deployment wires together

ATOMICITY CONTRACT:
  InsertFees and DeleteFees are all-or-nothing. A bulk fee spanning many
  students either fully persists or leaves no trace; a half-reverted batch
  would be a non-reconcilable ledger, so partial failure must roll back.

IDEMPOTENCE:
  Stores enforce at most one mess_charge per student per date (a uniqueness
  check at write time, not a ledger-wide lock) and return ErrDuplicateCharge
  on violation so concurrent daily runs cannot double-charge.

AGGREGATES:
  Stores maintain the per-student monthly fee total incrementally: inserts,
  deletes and corrections apply deltas, never full rescans.

IMPLEMENTATIONS:
  - store/sqlite:           production SQLite
  - store/postgres:         production PostgreSQL (pgx)
  - billing/store/memory:   in-memory for tests
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FEE STORE
// =============================================================================

// FeeFilter narrows a ledger query. Nil fields match everything.
type FeeFilter struct {
	StudentID *StudentID
	Type      *FeeType
	Month     *int
	Year      *int
	BatchKey  *BatchKey
}

// FeeStore persists the fee ledger.
type FeeStore interface {
	// InsertFees persists records atomically: all or none. Returns
	// ErrDuplicateCharge when a mess_charge for the same student+date
	// already exists.
	InsertFees(ctx context.Context, records []FeeRecord) error

	// DeleteFees removes exactly the given IDs atomically and returns how
	// many rows were actually deleted. IDs that are already gone are not an
	// error; a concurrent double-revert simply observes fewer deletions.
	DeleteFees(ctx context.Context, ids []FeeRecordID) (int, error)

	// GetFee returns a record or ErrNotFound.
	GetFee(ctx context.Context, id FeeRecordID) (*FeeRecord, error)

	// ListFees returns records matching the filter, oldest first.
	ListFees(ctx context.Context, filter FeeFilter) ([]FeeRecord, error)

	// MessChargeExists reports whether a mess_charge exists for student+date.
	MessChargeExists(ctx context.Context, studentID StudentID, date DayDate) (bool, error)

	// LatestFeeID returns the most recently created record ID for a
	// (student, fee type) key, or ErrNotFound.
	LatestFeeID(ctx context.Context, studentID StudentID, feeType FeeType) (FeeRecordID, error)

	// UpdateFeeAmount rewrites quantity, unit price and amount of one record
	// and applies the amount delta to the student's monthly total in the
	// same transaction. Returns ErrNotFound for a missing record.
	UpdateFeeAmount(ctx context.Context, id FeeRecordID, quantity, unitPrice, amount decimal.Decimal) error

	// MonthlyTotal returns the incrementally maintained fee total for one
	// student and month. Zero when no fees exist.
	MonthlyTotal(ctx context.Context, studentID StudentID, month, year int) (decimal.Decimal, error)

	// MonthlyTotals returns the per-student totals for a month.
	MonthlyTotals(ctx context.Context, month, year int) (map[StudentID]decimal.Decimal, error)
}

// =============================================================================
// REDUCTION STORE
// =============================================================================

// ReductionFilter narrows a reduction query.
type ReductionFilter struct {
	StudentID *StudentID
	Status    *ReductionStatus
}

// ReductionStore persists day-reduction requests.
type ReductionStore interface {
	InsertReduction(ctx context.Context, req *DayReductionRequest) error

	// GetReduction returns a request or ErrNotFound.
	GetReduction(ctx context.Context, id ReductionID) (*DayReductionRequest, error)

	ListReductions(ctx context.Context, filter ReductionFilter) ([]DayReductionRequest, error)

	// TransitionReduction sets status to next only if the current status
	// still equals expect (optimistic concurrency). Remarks land in the
	// admin or warden column depending on tier. Returns
	// ErrConcurrentModification when the compare-and-set misses.
	TransitionReduction(ctx context.Context, id ReductionID, expect, next ReductionStatus, tier Tier, remarks string) error

	// FinalizeReduction performs the terminal warden approval atomically:
	// the same compare-and-set as TransitionReduction plus deletion of all
	// mess_charge records overlapping the request's window, in one
	// transaction. Returns how many charges were removed.
	FinalizeReduction(ctx context.Context, id ReductionID, expect ReductionStatus, remarks string) (int, error)

	// HasApprovedReduction reports whether date falls inside any finalized
	// (approved_by_warden) reduction window for the student.
	HasApprovedReduction(ctx context.Context, studentID StudentID, date DayDate) (bool, error)
}

// =============================================================================
// COLLABORATORS - Read-only inputs owned by other subsystems
// =============================================================================

// AttendanceSource is the attendance ledger. Days with no record are treated
// as chargeable by the materializer; only explicit leave/on_duty days skip.
type AttendanceSource interface {
	// GetAttendance returns the status for student+date, or ErrNotFound
	// when the day was never marked.
	GetAttendance(ctx context.Context, studentID StudentID, date DayDate) (AttendanceStatus, error)

	// CountManDays counts student-days in the month whose status is in
	// statuses, across all students.
	CountManDays(ctx context.Context, month BillingMonth, statuses []AttendanceStatus) (int64, error)

	// AttendanceStats returns per-status counts for a date range.
	AttendanceStats(ctx context.Context, from, to DayDate) (map[AttendanceStatus]int64, error)
}

// ExpenseSource is the expense ledger.
type ExpenseSource interface {
	// SumExpenses totals all expense entries dated inside the month.
	SumExpenses(ctx context.Context, month BillingMonth) (decimal.Decimal, error)

	ListExpenses(ctx context.Context, month BillingMonth) ([]Expense, error)
}

// StudentDirectory resolves students for eligibility checks and charging.
type StudentDirectory interface {
	// GetStudent returns a student or ErrNotFound.
	GetStudent(ctx context.Context, id StudentID) (*Student, error)

	// ListActiveStudents returns the students eligible for daily charging.
	ListActiveStudents(ctx context.Context) ([]Student, error)
}

// =============================================================================
// BACKEND - Everything a deployment wires together
// =============================================================================

// Backend is the full storage surface one deployment provides. The SQLite
// and PostgreSQL stores implement it with a single struct, the way a real
// installation keeps all of this in one database.
type Backend interface {
	FeeStore
	ReductionStore
	AttendanceSource
	ExpenseSource
	StudentDirectory

	// Ingest surface for collaborator data. These back the adapter
	// endpoints that feed attendance, expenses and students into the
	// store; the billing core itself only ever reads them.
	SaveStudent(ctx context.Context, s Student) error
	MarkAttendance(ctx context.Context, studentID StudentID, date DayDate, status AttendanceStatus) error
	AddExpense(ctx context.Context, e Expense) error
}

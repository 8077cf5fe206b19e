/*
ledger.go - Fee Ledger: batched fee operations and queries

PURPOSE:
  The canonical store of all per-student charges and credits, of any type.
  Bulk operations write many records as one atomic batch and revert them
  later as a single undoable unit.

BATCH IDENTITY:
  All records of a bulk operation share description, amount, fee type and
  one creation timestamp truncated to the minute. That quadruple IS the
  batch key - there is no batch table. See BatchKey in types.go for the
  accepted minute-granularity collision.

UNDO FLOW:
  1. CreateBulkFee returns the derived BatchKey
  2. BatchRecords(key) enumerates the member record IDs
  3. RevertBatch(ids) deletes exactly those IDs atomically

  A double revert finds the records already gone and reports Deleted: 0
  instead of erroring.

ELIGIBILITY:
  Fee types can require a capability the student must have (bed charges
  need requires_bed). The rule set is pluggable via FeeEligibility; the
  student directory supplies the facts.
*/
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeeLedger exposes batched fee operations over a FeeStore.
type FeeLedger struct {
	Store       FeeStore
	Students    StudentDirectory
	Eligibility FeeEligibility

	Now func() time.Time
}

// NewFeeLedger builds a ledger with the default eligibility rules.
func NewFeeLedger(store FeeStore, students StudentDirectory) *FeeLedger {
	return &FeeLedger{
		Store:       store,
		Students:    students,
		Eligibility: DefaultEligibility{},
		Now:         time.Now,
	}
}

// BulkFeeInput describes one bulk fee operation.
type BulkFeeInput struct {
	Type        FeeType
	Amount      decimal.Decimal
	Description string
	StudentIDs  []StudentID
	Month       int
	Year        int
	IssuedBy    string
}

// CreateBulkFee applies one fee to many students as a single atomic batch.
// If any student is missing or ineligible, nothing persists.
func (l *FeeLedger) CreateBulkFee(ctx context.Context, in BulkFeeInput) (BulkFeeResult, error) {
	if len(in.StudentIDs) == 0 {
		return BulkFeeResult{}, &ValidationError{Field: "student_ids", Reason: "must not be empty"}
	}
	if !in.Type.Valid() {
		return BulkFeeResult{}, &ValidationError{Field: "fee_type", Reason: "unknown fee type " + string(in.Type)}
	}
	if in.Amount.IsZero() {
		return BulkFeeResult{}, &ValidationError{Field: "amount", Reason: "must not be zero"}
	}
	if !IsMoney(in.Amount) {
		return BulkFeeResult{}, &ValidationError{Field: "amount", Reason: "not representable at 2 decimal places"}
	}
	if in.Description == "" {
		return BulkFeeResult{}, &ValidationError{Field: "description", Reason: "required"}
	}
	if _, err := NewBillingMonth(in.Month, in.Year); err != nil {
		return BulkFeeResult{}, err
	}

	// One shared minute-truncated timestamp is what makes the batch
	// reconstructable by key later.
	createdAt := l.now().UTC().Truncate(time.Minute)

	records := make([]FeeRecord, 0, len(in.StudentIDs))
	for _, studentID := range in.StudentIDs {
		student, err := l.Students.GetStudent(ctx, studentID)
		if err != nil {
			if IsNotFound(err) {
				return BulkFeeResult{}, &ValidationError{Field: "student_ids", Reason: "unknown student " + string(studentID)}
			}
			return BulkFeeResult{}, fmt.Errorf("failed to resolve student %s: %w", studentID, err)
		}
		if err := l.Eligibility.EligibleFor(ctx, *student, in.Type); err != nil {
			return BulkFeeResult{}, err
		}

		records = append(records, FeeRecord{
			ID:          FeeRecordID(uuid.NewString()),
			StudentID:   studentID,
			Type:        in.Type,
			Amount:      in.Amount,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   in.Amount,
			Month:       in.Month,
			Year:        in.Year,
			Description: in.Description,
			IssuedBy:    in.IssuedBy,
			CreatedAt:   createdAt,
		})
	}

	if err := l.Store.InsertFees(ctx, records); err != nil {
		return BulkFeeResult{}, fmt.Errorf("failed to persist fee batch: %w", err)
	}

	return BulkFeeResult{
		BatchKey: NewBatchKey(in.Type, in.Amount, in.Description, createdAt),
		Count:    len(records),
	}, nil
}

// RevertBatch deletes exactly the given record IDs in one atomic operation.
// IDs already deleted by a concurrent revert are reported as zero effect,
// never as an error.
func (l *FeeLedger) RevertBatch(ctx context.Context, ids []FeeRecordID) (RevertResult, error) {
	if len(ids) == 0 {
		return RevertResult{}, &ValidationError{Field: "record_ids", Reason: "must not be empty"}
	}
	deleted, err := l.Store.DeleteFees(ctx, ids)
	if err != nil {
		return RevertResult{}, fmt.Errorf("failed to revert batch: %w", err)
	}
	return RevertResult{Deleted: deleted}, nil
}

// BatchRecords enumerates the records belonging to a batch key, for callers
// about to revert it.
func (l *FeeLedger) BatchRecords(ctx context.Context, key BatchKey) ([]FeeRecord, error) {
	return l.Store.ListFees(ctx, FeeFilter{BatchKey: &key})
}

// ListFees returns ledger rows matching the filter. This is the query
// surface the reporting layer reads; formatting stays out of this core.
func (l *FeeLedger) ListFees(ctx context.Context, filter FeeFilter) ([]FeeRecord, error) {
	if filter.Month != nil || filter.Year != nil {
		if filter.Month == nil || filter.Year == nil {
			return nil, &ValidationError{Field: "filter", Reason: "month and year must be given together"}
		}
		if _, err := NewBillingMonth(*filter.Month, *filter.Year); err != nil {
			return nil, err
		}
	}
	return l.Store.ListFees(ctx, filter)
}

// MonthlySummary returns the per-student fee totals for a month from the
// incrementally maintained aggregate.
func (l *FeeLedger) MonthlySummary(ctx context.Context, month, year int) (map[StudentID]decimal.Decimal, error) {
	if _, err := NewBillingMonth(month, year); err != nil {
		return nil, err
	}
	return l.Store.MonthlyTotals(ctx, month, year)
}

func (l *FeeLedger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

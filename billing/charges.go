/*
charges.go - Charge Materializer: daily rate -> per-student mess_charge rows

PURPOSE:
  Applies a computed daily rate to every eligible student-day, producing
  mess_charge FeeRecords, and hosts the correction operation for past
  entries.

SKIP RULES (per student, per date):
  1. Attendance status is exempt (leave/on_duty by default, via ChargePolicy)
  2. The date falls inside a finalized day-reduction window
  3. A mess_charge for that student+date already exists (idempotence)

IDEMPOTENCE & CONCURRENCY:
  Re-running for the same date never double-charges. The existence check is
  a fast path; the store's uniqueness constraint is the authority, so two
  operators running the same date concurrently race safely - the loser's
  insert comes back ErrDuplicateCharge and is counted as skipped.

CORRECTIONS:
  CorrectFeeRecord rewrites quantity/unit price of a past entry and lets
  the store apply the amount delta to the monthly aggregate - a delta, not
  a rescan. Only the latest record for a (student, fee type) key may be
  corrected; anything older is settled history and gets StaleCorrection.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultMessChargeDescription labels materialized daily charges.
const DefaultMessChargeDescription = "daily mess charge"

// ChargeMaterializer turns a daily rate into mess_charge ledger rows.
type ChargeMaterializer struct {
	Fees       FeeStore
	Attendance AttendanceSource
	Students   StudentDirectory
	Reductions ReductionStore
	Policy     ChargePolicy

	Now func() time.Time
}

// NewChargeMaterializer builds a materializer with the default charge policy.
func NewChargeMaterializer(fees FeeStore, attendance AttendanceSource, students StudentDirectory, reductions ReductionStore) *ChargeMaterializer {
	return &ChargeMaterializer{
		Fees:       fees,
		Attendance: attendance,
		Students:   students,
		Reductions: reductions,
		Policy:     DefaultChargePolicy(),
		Now:        time.Now,
	}
}

// ApplyDailyCharges charges every eligible active student for one calendar
// date at the given rate. Safe to re-run and safe to run concurrently.
func (m *ChargeMaterializer) ApplyDailyCharges(ctx context.Context, date DayDate, rate decimal.Decimal, issuedBy string) (ApplyResult, error) {
	if date.IsZero() {
		return ApplyResult{}, &ValidationError{Field: "date", Reason: "required"}
	}
	if !rate.IsPositive() {
		return ApplyResult{}, fmt.Errorf("cannot charge %s at rate %s: %w", date, rate.StringFixed(2), ErrUndefinedRate)
	}
	if !IsMoney(rate) {
		return ApplyResult{}, &ValidationError{Field: "rate", Reason: "not representable at 2 decimal places"}
	}

	students, err := m.Students.ListActiveStudents(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("failed to list students: %w", err)
	}

	now := m.now()
	month := MonthOf(date)

	var result ApplyResult
	for _, student := range students {
		charge, err := m.shouldCharge(ctx, student.ID, date)
		if err != nil {
			return result, err
		}
		if !charge {
			result.Skipped++
			continue
		}

		d := date
		record := FeeRecord{
			ID:          FeeRecordID(uuid.NewString()),
			StudentID:   student.ID,
			Type:        FeeMessCharge,
			Amount:      rate,
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   rate,
			Month:       month.Month,
			Year:        month.Year,
			Description: DefaultMessChargeDescription,
			ChargeDate:  &d,
			IssuedBy:    issuedBy,
			CreatedAt:   now,
		}

		if err := m.Fees.InsertFees(ctx, []FeeRecord{record}); err != nil {
			if errors.Is(err, ErrDuplicateCharge) {
				// A concurrent run charged this student+date first.
				result.Skipped++
				continue
			}
			return result, fmt.Errorf("failed to charge student %s for %s: %w", student.ID, date, err)
		}
		result.Applied++
	}

	return result, nil
}

func (m *ChargeMaterializer) shouldCharge(ctx context.Context, studentID StudentID, date DayDate) (bool, error) {
	status, err := m.Attendance.GetAttendance(ctx, studentID, date)
	switch {
	case err == nil:
		if m.Policy.ShouldSkip(status) {
			return false, nil
		}
	case errors.Is(err, ErrNotFound):
		// Unmarked days are chargeable.
	default:
		return false, fmt.Errorf("failed to read attendance for %s on %s: %w", studentID, date, err)
	}

	excluded, err := m.Reductions.HasApprovedReduction(ctx, studentID, date)
	if err != nil {
		return false, fmt.Errorf("failed to check reduction window for %s: %w", studentID, err)
	}
	if excluded {
		return false, nil
	}

	exists, err := m.Fees.MessChargeExists(ctx, studentID, date)
	if err != nil {
		return false, fmt.Errorf("failed to check existing charge for %s: %w", studentID, err)
	}
	return !exists, nil
}

// CorrectFeeRecord rewrites the quantity and/or unit price of the latest
// record for its (student, fee type) key. Nil arguments keep the current
// value. The monthly aggregate is updated by delta inside the store.
func (m *ChargeMaterializer) CorrectFeeRecord(ctx context.Context, id FeeRecordID, newQuantity, newUnitPrice *decimal.Decimal) (*FeeRecord, error) {
	record, err := m.Fees.GetFee(ctx, id)
	if err != nil {
		return nil, err
	}

	latest, err := m.Fees.LatestFeeID(ctx, record.StudentID, record.Type)
	if err != nil {
		return nil, err
	}
	if latest != id {
		return nil, &StaleCorrectionError{RecordID: id, LatestID: latest}
	}

	quantity := record.Quantity
	if newQuantity != nil {
		quantity = *newQuantity
	}
	unitPrice := record.UnitPrice
	if newUnitPrice != nil {
		unitPrice = *newUnitPrice
	}
	if !quantity.IsPositive() {
		return nil, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if unitPrice.IsNegative() {
		return nil, &ValidationError{Field: "unit_price", Reason: "must not be negative"}
	}
	if !IsMoney(unitPrice) {
		return nil, &ValidationError{Field: "unit_price", Reason: "not representable at 2 decimal places"}
	}

	amount := quantity.Mul(unitPrice).Round(2)
	if err := m.Fees.UpdateFeeAmount(ctx, id, quantity, unitPrice, amount); err != nil {
		return nil, err
	}

	record.Quantity = quantity
	record.UnitPrice = unitPrice
	record.Amount = amount
	return record, nil
}

func (m *ChargeMaterializer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

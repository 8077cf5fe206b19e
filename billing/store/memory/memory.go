// Package memory provides an in-memory Backend implementation (testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hostelworks/messbilling/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation of billing.Backend
// =============================================================================

type Store struct {
	mu sync.RWMutex

	fees       []billing.FeeRecord
	totals     map[totalsKey]decimal.Decimal
	reductions map[billing.ReductionID]billing.DayReductionRequest
	attendance map[attendanceKey]billing.AttendanceStatus
	expenses   []billing.Expense
	students   map[billing.StudentID]billing.Student
}

type totalsKey struct {
	StudentID billing.StudentID
	Month     int
	Year      int
}

type attendanceKey struct {
	StudentID billing.StudentID
	Date      string // YYYY-MM-DD
}

func New() *Store {
	return &Store{
		totals:     make(map[totalsKey]decimal.Decimal),
		reductions: make(map[billing.ReductionID]billing.DayReductionRequest),
		attendance: make(map[attendanceKey]billing.AttendanceStatus),
		students:   make(map[billing.StudentID]billing.Student),
	}
}

// =============================================================================
// FEE STORE
// =============================================================================

// InsertFees appends records atomically. All duplicate checks run before
// any write so a failing batch leaves no trace.
func (m *Store) InsertFees(_ context.Context, records []billing.FeeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[attendanceKey]bool)
	for _, r := range records {
		if r.Type != billing.FeeMessCharge || r.ChargeDate == nil {
			continue
		}
		k := attendanceKey{StudentID: r.StudentID, Date: r.ChargeDate.String()}
		if seen[k] || m.messChargeExistsLocked(r.StudentID, *r.ChargeDate) {
			return billing.ErrDuplicateCharge
		}
		seen[k] = true
	}

	for _, r := range records {
		m.fees = append(m.fees, r)
		m.applyTotalDeltaLocked(r.StudentID, r.Month, r.Year, r.Amount)
	}
	return nil
}

// DeleteFees removes exactly the given IDs; missing IDs count as zero effect.
func (m *Store) DeleteFees(_ context.Context, ids []billing.FeeRecordID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteFeesLocked(ids), nil
}

func (m *Store) deleteFeesLocked(ids []billing.FeeRecordID) int {
	drop := make(map[billing.FeeRecordID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	deleted := 0
	kept := m.fees[:0]
	for _, r := range m.fees {
		if drop[r.ID] {
			m.applyTotalDeltaLocked(r.StudentID, r.Month, r.Year, r.Amount.Neg())
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.fees = kept
	return deleted
}

func (m *Store) GetFee(_ context.Context, id billing.FeeRecordID) (*billing.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.fees {
		if r.ID == id {
			rec := r
			return &rec, nil
		}
	}
	return nil, billing.ErrNotFound
}

func (m *Store) ListFees(_ context.Context, filter billing.FeeFilter) ([]billing.FeeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.FeeRecord
	for _, r := range m.fees {
		if matchesFilter(r, filter) {
			result = append(result, r)
		}
	}
	return result, nil
}

func matchesFilter(r billing.FeeRecord, f billing.FeeFilter) bool {
	if f.StudentID != nil && r.StudentID != *f.StudentID {
		return false
	}
	if f.Type != nil && r.Type != *f.Type {
		return false
	}
	if f.Month != nil && r.Month != *f.Month {
		return false
	}
	if f.Year != nil && r.Year != *f.Year {
		return false
	}
	if f.BatchKey != nil && !f.BatchKey.Equal(r.BatchKey()) {
		return false
	}
	return true
}

func (m *Store) MessChargeExists(_ context.Context, studentID billing.StudentID, date billing.DayDate) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messChargeExistsLocked(studentID, date), nil
}

func (m *Store) messChargeExistsLocked(studentID billing.StudentID, date billing.DayDate) bool {
	for _, r := range m.fees {
		if r.Type == billing.FeeMessCharge && r.StudentID == studentID &&
			r.ChargeDate != nil && r.ChargeDate.Equal(date) {
			return true
		}
	}
	return false
}

// LatestFeeID returns the most recently created record for the key; ties on
// CreatedAt resolve to the later insertion.
func (m *Store) LatestFeeID(_ context.Context, studentID billing.StudentID, feeType billing.FeeType) (billing.FeeRecordID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found bool
	var latest billing.FeeRecord
	for _, r := range m.fees {
		if r.StudentID != studentID || r.Type != feeType {
			continue
		}
		if !found || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
			found = true
		}
	}
	if !found {
		return "", billing.ErrNotFound
	}
	return latest.ID, nil
}

func (m *Store) UpdateFeeAmount(_ context.Context, id billing.FeeRecordID, quantity, unitPrice, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.fees {
		if r.ID != id {
			continue
		}
		delta := amount.Sub(r.Amount)
		m.fees[i].Quantity = quantity
		m.fees[i].UnitPrice = unitPrice
		m.fees[i].Amount = amount
		m.applyTotalDeltaLocked(r.StudentID, r.Month, r.Year, delta)
		return nil
	}
	return billing.ErrNotFound
}

func (m *Store) MonthlyTotal(_ context.Context, studentID billing.StudentID, month, year int) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total, ok := m.totals[totalsKey{StudentID: studentID, Month: month, Year: year}]
	if !ok {
		return decimal.Zero, nil
	}
	return total, nil
}

func (m *Store) MonthlyTotals(_ context.Context, month, year int) (map[billing.StudentID]decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[billing.StudentID]decimal.Decimal)
	for k, v := range m.totals {
		if k.Month == month && k.Year == year && !v.IsZero() {
			result[k.StudentID] = v
		}
	}
	return result, nil
}

func (m *Store) applyTotalDeltaLocked(studentID billing.StudentID, month, year int, delta decimal.Decimal) {
	k := totalsKey{StudentID: studentID, Month: month, Year: year}
	m.totals[k] = m.totals[k].Add(delta)
}

// =============================================================================
// REDUCTION STORE
// =============================================================================

func (m *Store) InsertReduction(_ context.Context, req *billing.DayReductionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reductions[req.ID] = *req
	return nil
}

func (m *Store) GetReduction(_ context.Context, id billing.ReductionID) (*billing.DayReductionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.reductions[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return &req, nil
}

func (m *Store) ListReductions(_ context.Context, filter billing.ReductionFilter) ([]billing.DayReductionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.DayReductionRequest
	for _, req := range m.reductions {
		if filter.StudentID != nil && req.StudentID != *filter.StudentID {
			continue
		}
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		result = append(result, req)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *Store) TransitionReduction(_ context.Context, id billing.ReductionID, expect, next billing.ReductionStatus, tier billing.Tier, remarks string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(id, expect, next, tier, remarks)
}

func (m *Store) transitionLocked(id billing.ReductionID, expect, next billing.ReductionStatus, tier billing.Tier, remarks string) error {
	req, ok := m.reductions[id]
	if !ok {
		return billing.ErrNotFound
	}
	if req.Status != expect {
		return billing.ErrConcurrentModification
	}
	req.Status = next
	switch tier {
	case billing.TierAdmin:
		req.AdminRemarks = remarks
	case billing.TierWarden:
		req.WardenRemarks = remarks
	}
	req.UpdatedAt = time.Now()
	m.reductions[id] = req
	return nil
}

// FinalizeReduction transitions to approved_by_warden and removes the
// overlapping mess charges in one locked step, mirroring a DB transaction.
func (m *Store) FinalizeReduction(_ context.Context, id billing.ReductionID, expect billing.ReductionStatus, remarks string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.transitionLocked(id, expect, billing.ReductionApprovedByWarden, billing.TierWarden, remarks); err != nil {
		return 0, err
	}

	req := m.reductions[id]
	var ids []billing.FeeRecordID
	for _, r := range m.fees {
		if r.Type == billing.FeeMessCharge && r.StudentID == req.StudentID &&
			r.ChargeDate != nil && req.Overlaps(*r.ChargeDate) {
			ids = append(ids, r.ID)
		}
	}
	return m.deleteFeesLocked(ids), nil
}

func (m *Store) HasApprovedReduction(_ context.Context, studentID billing.StudentID, date billing.DayDate) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, req := range m.reductions {
		if req.StudentID == studentID && req.Status == billing.ReductionApprovedByWarden && req.Overlaps(date) {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// COLLABORATOR SOURCES
// =============================================================================

func (m *Store) GetAttendance(_ context.Context, studentID billing.StudentID, date billing.DayDate) (billing.AttendanceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.attendance[attendanceKey{StudentID: studentID, Date: date.String()}]
	if !ok {
		return "", billing.ErrNotFound
	}
	return status, nil
}

func (m *Store) CountManDays(_ context.Context, month billing.BillingMonth, statuses []billing.AttendanceStatus) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counted := make(map[billing.AttendanceStatus]bool, len(statuses))
	for _, s := range statuses {
		counted[s] = true
	}

	var total int64
	for k, status := range m.attendance {
		if !counted[status] {
			continue
		}
		date, err := billing.ParseDayDate(k.Date)
		if err != nil {
			continue
		}
		if month.Contains(date) {
			total++
		}
	}
	return total, nil
}

func (m *Store) AttendanceStats(_ context.Context, from, to billing.DayDate) (map[billing.AttendanceStatus]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[billing.AttendanceStatus]int64)
	for k, status := range m.attendance {
		date, err := billing.ParseDayDate(k.Date)
		if err != nil {
			continue
		}
		if date.AfterOrEqual(from) && date.BeforeOrEqual(to) {
			stats[status]++
		}
	}
	return stats, nil
}

func (m *Store) SumExpenses(_ context.Context, month billing.BillingMonth) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, e := range m.expenses {
		if month.Contains(e.Date) {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (m *Store) ListExpenses(_ context.Context, month billing.BillingMonth) ([]billing.Expense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Expense
	for _, e := range m.expenses {
		if month.Contains(e.Date) {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *Store) GetStudent(_ context.Context, id billing.StudentID) (*billing.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.students[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return &s, nil
}

func (m *Store) ListActiveStudents(_ context.Context) ([]billing.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Student
	for _, s := range m.students {
		if s.Active {
			result = append(result, s)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// INGEST
// =============================================================================

func (m *Store) SaveStudent(_ context.Context, s billing.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.students[s.ID] = s
	return nil
}

func (m *Store) MarkAttendance(_ context.Context, studentID billing.StudentID, date billing.DayDate, status billing.AttendanceStatus) error {
	if !status.Valid() {
		return &billing.ValidationError{Field: "status", Reason: "unknown attendance status " + string(status)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attendance[attendanceKey{StudentID: studentID, Date: date.String()}] = status
	return nil
}

func (m *Store) AddExpense(_ context.Context, e billing.Expense) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expenses = append(m.expenses, e)
	return nil
}

/*
Package sqlite provides a SQLite-backed implementation of billing.Backend.

PURPOSE:
  Implements the full storage surface (fee ledger, day reductions, and the
  collaborator tables for attendance, expenses and students) using SQLite.
  In production the same patterns apply to PostgreSQL - see store/postgres.

KEY TABLES:
  fee_records:    the fee ledger (one row per charge/credit)
  monthly_totals: per-student monthly aggregate, maintained by delta
  day_reductions: reduction requests with workflow status
  attendance:     per-student per-day status (collaborator-owned input)
  expenses:       dated expense entries (collaborator-owned input)
  students:       student directory slice (collaborator-owned input)

IDEMPOTENCE:
  A partial unique index on (student_id, charge_date) for mess_charge rows
  enforces at most one daily mess charge per student per date at the
  database level. Concurrent daily runs race safely: the loser's insert
  maps to billing.ErrDuplicateCharge.

ATOMICITY:
  Batch inserts, batch deletes, corrections and reduction finalization all
  run inside a single database transaction. Monthly totals are adjusted by
  delta inside the same transaction, so the aggregate can never drift from
  the rows.

MONEY:
  Amounts are stored as fixed 2-decimal strings and summed in Go with
  decimal.Decimal. SQLite's numeric affinity would silently convert to
  float; that is exactly the rounding drift this ledger must not have.

WAL MODE:
  SQLite is opened with WAL for better concurrency: readers don't block
  and crash recovery is cleaner.

USAGE:
  store, err := sqlite.New("./data/messbilling.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - billing/store.go: interface definitions and contracts
  - store/postgres: pgx implementation of the same interfaces
  - billing/store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/hostelworks/messbilling/billing"
)

// Store implements billing.Backend using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ billing.Backend = (*Store)(nil)

// New creates a SQLite store. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Fee ledger
	CREATE TABLE IF NOT EXISTS fee_records (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		fee_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		charge_date TEXT,
		issued_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- CRITICAL: at most one daily mess charge per student per date.
	-- This is the idempotence guarantee for concurrent daily runs.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_mess_charge
		ON fee_records(student_id, charge_date)
		WHERE fee_type = 'mess_charge';

	CREATE INDEX IF NOT EXISTS idx_fee_records_student_type
		ON fee_records(student_id, fee_type, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_fee_records_period
		ON fee_records(year, month);
	-- Batch reconstruction by derived key
	CREATE INDEX IF NOT EXISTS idx_fee_records_batch
		ON fee_records(fee_type, amount, description, created_at);

	-- Per-student monthly aggregate, maintained by delta on every write
	CREATE TABLE IF NOT EXISTS monthly_totals (
		student_id TEXT NOT NULL,
		month INTEGER NOT NULL,
		year INTEGER NOT NULL,
		total TEXT NOT NULL,
		PRIMARY KEY (student_id, month, year)
	);

	-- Day-reduction requests
	CREATE TABLE IF NOT EXISTS day_reductions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		from_date TEXT NOT NULL,
		to_date TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		admin_remarks TEXT NOT NULL DEFAULT '',
		warden_remarks TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_day_reductions_student
		ON day_reductions(student_id, status);

	-- Collaborator inputs
	CREATE TABLE IF NOT EXISTS attendance (
		student_id TEXT NOT NULL,
		date TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (student_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_attendance_date
		ON attendance(date, status);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_expenses_date
		ON expenses(date);

	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		requires_bed BOOLEAN NOT NULL DEFAULT FALSE,
		hostel_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// =============================================================================
// FEE STORE (billing.FeeStore)
// =============================================================================

// InsertFees persists records atomically, keeping monthly totals in step.
func (s *Store) InsertFees(ctx context.Context, records []billing.FeeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		if err := insertFee(ctx, tx, r); err != nil {
			return err
		}
		if err := applyTotalDelta(ctx, tx, r.StudentID, r.Month, r.Year, r.Amount); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertFee(ctx context.Context, db dbtx, r billing.FeeRecord) error {
	var chargeDate any
	if r.ChargeDate != nil {
		chargeDate = r.ChargeDate.String()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO fee_records
		(id, student_id, fee_type, amount, quantity, unit_price, month, year, description, charge_date, issued_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.StudentID,
		r.Type,
		r.Amount.StringFixed(2),
		r.Quantity.String(),
		r.UnitPrice.StringFixed(2),
		r.Month,
		r.Year,
		r.Description,
		chargeDate,
		r.IssuedBy,
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.ErrDuplicateCharge
		}
		return fmt.Errorf("failed to insert fee record: %w", err)
	}
	return nil
}

// applyTotalDelta adjusts the monthly aggregate by delta. Totals are decimal
// strings, so the arithmetic happens in Go inside the surrounding tx.
func applyTotalDelta(ctx context.Context, db dbtx, studentID billing.StudentID, month, year int, delta decimal.Decimal) error {
	var current string
	err := db.QueryRowContext(ctx,
		`SELECT total FROM monthly_totals WHERE student_id = ? AND month = ? AND year = ?`,
		studentID, month, year).Scan(&current)

	switch {
	case err == sql.ErrNoRows:
		_, err = db.ExecContext(ctx,
			`INSERT INTO monthly_totals (student_id, month, year, total) VALUES (?, ?, ?, ?)`,
			studentID, month, year, delta.StringFixed(2))
		return err
	case err != nil:
		return fmt.Errorf("failed to read monthly total: %w", err)
	}

	total, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("corrupt monthly total %q: %w", current, err)
	}
	_, err = db.ExecContext(ctx,
		`UPDATE monthly_totals SET total = ? WHERE student_id = ? AND month = ? AND year = ?`,
		total.Add(delta).StringFixed(2), studentID, month, year)
	return err
}

// DeleteFees removes exactly the given IDs in one transaction. Rows already
// gone count as zero effect, so a concurrent double revert is harmless.
func (s *Store) DeleteFees(ctx context.Context, ids []billing.FeeRecordID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleted, err := deleteFees(ctx, tx, ids)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

func deleteFees(ctx context.Context, db dbtx, ids []billing.FeeRecordID) (int, error) {
	deleted := 0
	for _, id := range ids {
		var studentID billing.StudentID
		var amountStr string
		var month, year int
		err := db.QueryRowContext(ctx,
			`SELECT student_id, amount, month, year FROM fee_records WHERE id = ?`, id).
			Scan(&studentID, &amountStr, &month, &year)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to load fee record %s: %w", id, err)
		}

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return 0, fmt.Errorf("corrupt amount %q on record %s: %w", amountStr, id, err)
		}

		if _, err := db.ExecContext(ctx, `DELETE FROM fee_records WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("failed to delete fee record %s: %w", id, err)
		}
		if err := applyTotalDelta(ctx, db, studentID, month, year, amount.Neg()); err != nil {
			return 0, err
		}
		deleted++
	}
	return deleted, nil
}

const feeColumns = `id, student_id, fee_type, amount, quantity, unit_price, month, year, description, charge_date, issued_by, created_at`

// GetFee returns one record or billing.ErrNotFound.
func (s *Store) GetFee(ctx context.Context, id billing.FeeRecordID) (*billing.FeeRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+feeColumns+` FROM fee_records WHERE id = ?`, id)
	record, err := scanFee(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListFees returns records matching the filter, oldest first.
func (s *Store) ListFees(ctx context.Context, filter billing.FeeFilter) ([]billing.FeeRecord, error) {
	query := `SELECT ` + feeColumns + ` FROM fee_records`
	var conds []string
	var args []any

	if filter.StudentID != nil {
		conds = append(conds, "student_id = ?")
		args = append(args, *filter.StudentID)
	}
	if filter.Type != nil {
		conds = append(conds, "fee_type = ?")
		args = append(args, *filter.Type)
	}
	if filter.Month != nil {
		conds = append(conds, "month = ?")
		args = append(args, *filter.Month)
	}
	if filter.Year != nil {
		conds = append(conds, "year = ?")
		args = append(args, *filter.Year)
	}
	if filter.BatchKey != nil {
		k := *filter.BatchKey
		conds = append(conds, "fee_type = ?", "amount = ?", "description = ?",
			"created_at >= ?", "created_at < ?")
		args = append(args,
			k.Type, k.Amount.StringFixed(2), k.Description,
			k.Minute.Format(time.RFC3339), k.Minute.Add(time.Minute).Format(time.RFC3339))
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list fee records: %w", err)
	}
	defer rows.Close()

	var records []billing.FeeRecord
	for rows.Next() {
		record, err := scanFee(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanFee(sc scanner) (*billing.FeeRecord, error) {
	var r billing.FeeRecord
	var amount, quantity, unitPrice, createdAt string
	var chargeDate sql.NullString

	if err := sc.Scan(&r.ID, &r.StudentID, &r.Type, &amount, &quantity, &unitPrice,
		&r.Month, &r.Year, &r.Description, &chargeDate, &r.IssuedBy, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	if r.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("corrupt quantity %q: %w", quantity, err)
	}
	if r.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
		return nil, fmt.Errorf("corrupt unit price %q: %w", unitPrice, err)
	}
	if chargeDate.Valid {
		d, err := billing.ParseDayDate(chargeDate.String)
		if err != nil {
			return nil, err
		}
		r.ChargeDate = &d
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		r.CreatedAt = t
	}
	return &r, nil
}

// MessChargeExists reports whether a daily charge already exists.
func (s *Store) MessChargeExists(ctx context.Context, studentID billing.StudentID, date billing.DayDate) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM fee_records WHERE fee_type = 'mess_charge' AND student_id = ? AND charge_date = ?)`,
		studentID, date.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check mess charge: %w", err)
	}
	return exists, nil
}

// LatestFeeID returns the most recent record for (student, fee type).
func (s *Store) LatestFeeID(ctx context.Context, studentID billing.StudentID, feeType billing.FeeType) (billing.FeeRecordID, error) {
	var id billing.FeeRecordID
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM fee_records WHERE student_id = ? AND fee_type = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		studentID, feeType).Scan(&id)
	if err == sql.ErrNoRows {
		return "", billing.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find latest fee record: %w", err)
	}
	return id, nil
}

// UpdateFeeAmount corrects one record and applies the amount delta to the
// monthly total in the same transaction.
func (s *Store) UpdateFeeAmount(ctx context.Context, id billing.FeeRecordID, quantity, unitPrice, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var studentID billing.StudentID
	var oldAmountStr string
	var month, year int
	err = tx.QueryRowContext(ctx,
		`SELECT student_id, amount, month, year FROM fee_records WHERE id = ?`, id).
		Scan(&studentID, &oldAmountStr, &month, &year)
	if err == sql.ErrNoRows {
		return billing.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load fee record %s: %w", id, err)
	}

	oldAmount, err := decimal.NewFromString(oldAmountStr)
	if err != nil {
		return fmt.Errorf("corrupt amount %q on record %s: %w", oldAmountStr, id, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE fee_records SET quantity = ?, unit_price = ?, amount = ? WHERE id = ?`,
		quantity.String(), unitPrice.StringFixed(2), amount.StringFixed(2), id)
	if err != nil {
		return fmt.Errorf("failed to update fee record %s: %w", id, err)
	}

	if err := applyTotalDelta(ctx, tx, studentID, month, year, amount.Sub(oldAmount)); err != nil {
		return err
	}
	return tx.Commit()
}

// MonthlyTotal returns the aggregate for one student and month.
func (s *Store) MonthlyTotal(ctx context.Context, studentID billing.StudentID, month, year int) (decimal.Decimal, error) {
	var total string
	err := s.db.QueryRowContext(ctx,
		`SELECT total FROM monthly_totals WHERE student_id = ? AND month = ? AND year = ?`,
		studentID, month, year).Scan(&total)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read monthly total: %w", err)
	}
	return decimal.NewFromString(total)
}

// MonthlyTotals returns the per-student aggregates for a month.
func (s *Store) MonthlyTotals(ctx context.Context, month, year int) (map[billing.StudentID]decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT student_id, total FROM monthly_totals WHERE month = ? AND year = ?`,
		month, year)
	if err != nil {
		return nil, fmt.Errorf("failed to read monthly totals: %w", err)
	}
	defer rows.Close()

	result := make(map[billing.StudentID]decimal.Decimal)
	for rows.Next() {
		var studentID billing.StudentID
		var totalStr string
		if err := rows.Scan(&studentID, &totalStr); err != nil {
			return nil, err
		}
		total, err := decimal.NewFromString(totalStr)
		if err != nil {
			return nil, fmt.Errorf("corrupt monthly total %q: %w", totalStr, err)
		}
		if !total.IsZero() {
			result[studentID] = total
		}
	}
	return result, rows.Err()
}

// =============================================================================
// REDUCTION STORE (billing.ReductionStore)
// =============================================================================

func (s *Store) InsertReduction(ctx context.Context, req *billing.DayReductionRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO day_reductions
		(id, student_id, from_date, to_date, reason, status, admin_remarks, warden_remarks, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.StudentID,
		req.FromDate.String(),
		req.ToDate.String(),
		req.Reason,
		req.Status,
		req.AdminRemarks,
		req.WardenRemarks,
		req.CreatedAt.UTC().Format(time.RFC3339),
		req.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reduction request: %w", err)
	}
	return nil
}

const reductionColumns = `id, student_id, from_date, to_date, reason, status, admin_remarks, warden_remarks, created_at, updated_at`

func (s *Store) GetReduction(ctx context.Context, id billing.ReductionID) (*billing.DayReductionRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reductionColumns+` FROM day_reductions WHERE id = ?`, id)
	req, err := scanReduction(row)
	if err == sql.ErrNoRows {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Store) ListReductions(ctx context.Context, filter billing.ReductionFilter) ([]billing.DayReductionRequest, error) {
	query := `SELECT ` + reductionColumns + ` FROM day_reductions`
	var conds []string
	var args []any

	if filter.StudentID != nil {
		conds = append(conds, "student_id = ?")
		args = append(args, *filter.StudentID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reduction requests: %w", err)
	}
	defer rows.Close()

	var result []billing.DayReductionRequest
	for rows.Next() {
		req, err := scanReduction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}
	return result, rows.Err()
}

func scanReduction(sc scanner) (*billing.DayReductionRequest, error) {
	var req billing.DayReductionRequest
	var fromDate, toDate, createdAt, updatedAt string

	if err := sc.Scan(&req.ID, &req.StudentID, &fromDate, &toDate, &req.Reason,
		&req.Status, &req.AdminRemarks, &req.WardenRemarks, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if req.FromDate, err = billing.ParseDayDate(fromDate); err != nil {
		return nil, err
	}
	if req.ToDate, err = billing.ParseDayDate(toDate); err != nil {
		return nil, err
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		req.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		req.UpdatedAt = t
	}
	return &req, nil
}

// TransitionReduction is a compare-and-set on the status column.
func (s *Store) TransitionReduction(ctx context.Context, id billing.ReductionID, expect, next billing.ReductionStatus, tier billing.Tier, remarks string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transitionReduction(ctx, s.db, id, expect, next, tier, remarks)
}

func transitionReduction(ctx context.Context, db dbtx, id billing.ReductionID, expect, next billing.ReductionStatus, tier billing.Tier, remarks string) error {
	remarksColumn := "admin_remarks"
	if tier == billing.TierWarden {
		remarksColumn = "warden_remarks"
	}

	res, err := db.ExecContext(ctx,
		`UPDATE day_reductions SET status = ?, `+remarksColumn+` = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		next, remarks, time.Now().UTC().Format(time.RFC3339), id, expect)
	if err != nil {
		return fmt.Errorf("failed to transition reduction %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the row is gone or another actor won the race.
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM day_reductions WHERE id = ?)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return billing.ErrNotFound
		}
		return billing.ErrConcurrentModification
	}
	return nil
}

// FinalizeReduction approves at warden tier and removes overlapping mess
// charges in one transaction.
func (s *Store) FinalizeReduction(ctx context.Context, id billing.ReductionID, expect billing.ReductionStatus, remarks string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := transitionReduction(ctx, tx, id, expect, billing.ReductionApprovedByWarden, billing.TierWarden, remarks); err != nil {
		return 0, err
	}

	var studentID billing.StudentID
	var fromDate, toDate string
	if err := tx.QueryRowContext(ctx,
		`SELECT student_id, from_date, to_date FROM day_reductions WHERE id = ?`, id).
		Scan(&studentID, &fromDate, &toDate); err != nil {
		return 0, fmt.Errorf("failed to load reduction window: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM fee_records
		 WHERE fee_type = 'mess_charge' AND student_id = ? AND charge_date >= ? AND charge_date <= ?`,
		studentID, fromDate, toDate)
	if err != nil {
		return 0, fmt.Errorf("failed to find overlapping charges: %w", err)
	}

	var ids []billing.FeeRecordID
	for rows.Next() {
		var recordID billing.FeeRecordID
		if err := rows.Scan(&recordID); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, recordID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	deleted, err := deleteFees(ctx, tx, ids)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// HasApprovedReduction reports whether date falls inside a finalized window.
func (s *Store) HasApprovedReduction(ctx context.Context, studentID billing.StudentID, date billing.DayDate) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM day_reductions
		 WHERE student_id = ? AND status = ? AND from_date <= ? AND to_date >= ?)`,
		studentID, billing.ReductionApprovedByWarden, date.String(), date.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check reduction window: %w", err)
	}
	return exists, nil
}

// =============================================================================
// ATTENDANCE SOURCE (billing.AttendanceSource)
// =============================================================================

func (s *Store) GetAttendance(ctx context.Context, studentID billing.StudentID, date billing.DayDate) (billing.AttendanceStatus, error) {
	var status billing.AttendanceStatus
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM attendance WHERE student_id = ? AND date = ?`,
		studentID, date.String()).Scan(&status)
	if err == sql.ErrNoRows {
		return "", billing.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read attendance: %w", err)
	}
	return status, nil
}

func (s *Store) CountManDays(ctx context.Context, month billing.BillingMonth, statuses []billing.AttendanceStatus) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := []any{month.Start().String(), month.End().String()}
	for _, st := range statuses {
		args = append(args, st)
	}

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance WHERE date >= ? AND date <= ? AND status IN (`+placeholders+`)`,
		args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count man-days: %w", err)
	}
	return count, nil
}

func (s *Store) AttendanceStats(ctx context.Context, from, to billing.DayDate) (map[billing.AttendanceStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM attendance WHERE date >= ? AND date <= ? GROUP BY status`,
		from.String(), to.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read attendance stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[billing.AttendanceStatus]int64)
	for rows.Next() {
		var status billing.AttendanceStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// =============================================================================
// EXPENSE SOURCE (billing.ExpenseSource)
// =============================================================================

// SumExpenses totals the month's entries. Summation happens in Go with
// decimals; SQL SUM would go through float and drift.
func (s *Store) SumExpenses(ctx context.Context, month billing.BillingMonth) (decimal.Decimal, error) {
	expenses, err := s.ListExpenses(ctx, month)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, e := range expenses {
		total = total.Add(e.Amount)
	}
	return total, nil
}

func (s *Store) ListExpenses(ctx context.Context, month billing.BillingMonth) ([]billing.Expense, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, category, amount, description FROM expenses
		 WHERE date >= ? AND date <= ? ORDER BY date ASC`,
		month.Start().String(), month.End().String())
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	var result []billing.Expense
	for rows.Next() {
		var e billing.Expense
		var dateStr, amountStr string
		if err := rows.Scan(&e.ID, &dateStr, &e.Category, &amountStr, &e.Description); err != nil {
			return nil, err
		}
		if e.Date, err = billing.ParseDayDate(dateStr); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("corrupt expense amount %q: %w", amountStr, err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// =============================================================================
// STUDENT DIRECTORY (billing.StudentDirectory)
// =============================================================================

func (s *Store) GetStudent(ctx context.Context, id billing.StudentID) (*billing.Student, error) {
	var st billing.Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, requires_bed, hostel_id, session_id, active FROM students WHERE id = ?`,
		id).Scan(&st.ID, &st.Name, &st.RequiresBed, &st.HostelID, &st.SessionID, &st.Active)
	if err == sql.ErrNoRows {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read student: %w", err)
	}
	return &st, nil
}

func (s *Store) ListActiveStudents(ctx context.Context) ([]billing.Student, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, requires_bed, hostel_id, session_id, active FROM students
		 WHERE active ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}
	defer rows.Close()

	var result []billing.Student
	for rows.Next() {
		var st billing.Student
		if err := rows.Scan(&st.ID, &st.Name, &st.RequiresBed, &st.HostelID, &st.SessionID, &st.Active); err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// =============================================================================
// INGEST (billing.Backend)
// =============================================================================

func (s *Store) SaveStudent(ctx context.Context, st billing.Student) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (id, name, requires_bed, hostel_id, session_id, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			requires_bed = excluded.requires_bed,
			hostel_id = excluded.hostel_id,
			session_id = excluded.session_id,
			active = excluded.active`,
		st.ID, st.Name, st.RequiresBed, st.HostelID, st.SessionID, st.Active)
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

func (s *Store) MarkAttendance(ctx context.Context, studentID billing.StudentID, date billing.DayDate, status billing.AttendanceStatus) error {
	if !status.Valid() {
		return &billing.ValidationError{Field: "status", Reason: "unknown attendance status " + string(status)}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attendance (student_id, date, status) VALUES (?, ?, ?)
		ON CONFLICT(student_id, date) DO UPDATE SET status = excluded.status`,
		studentID, date.String(), status)
	if err != nil {
		return fmt.Errorf("failed to mark attendance: %w", err)
	}
	return nil
}

func (s *Store) AddExpense(ctx context.Context, e billing.Expense) error {
	if !billing.IsMoney(e.Amount) {
		return &billing.ValidationError{Field: "amount", Reason: "not representable at 2 decimal places"}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO expenses (id, date, category, amount, description) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Date.String(), e.Category, e.Amount.StringFixed(2), e.Description)
	if err != nil {
		return fmt.Errorf("failed to add expense: %w", err)
	}
	return nil
}

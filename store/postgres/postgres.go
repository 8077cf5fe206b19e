/*
Package postgres provides a PostgreSQL-backed implementation of
billing.Backend on top of pgx.

PURPOSE:
  Same storage contract as store/sqlite, expressed for a real multi-writer
  deployment: a pgxpool connection pool, server-side transactions, and
  unique-violation detection through pgconn error codes instead of string
  matching.

CONCURRENCY:
  Unlike the SQLite store there is no process-level mutex. PostgreSQL's
  row locking plus the partial unique index carry the guarantees:
  concurrent daily runs race on the index, and a lost compare-and-set on
  a reduction status shows up as zero rows affected.

MONEY:
  Amounts travel as fixed 2-decimal strings, mapped to TEXT columns, and
  all arithmetic happens in Go with decimal.Decimal. NUMERIC would also
  work; TEXT keeps the two stores byte-compatible for the same ledger.

SEE ALSO:
  - billing/store.go: interface definitions and contracts
  - store/sqlite: the single-node implementation of the same interfaces
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/hostelworks/messbilling/billing"
)

// Store implements billing.Backend using a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ billing.Backend = (*Store)(nil)

// New connects to PostgreSQL, verifies the connection and applies the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &Store{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS fee_records (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		fee_type TEXT NOT NULL,
		amount TEXT NOT NULL,
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL,
		month INT NOT NULL,
		year INT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		charge_date TEXT,
		issued_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		seq BIGSERIAL
	);

	-- At most one daily mess charge per student per date.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_mess_charge
		ON fee_records(student_id, charge_date)
		WHERE fee_type = 'mess_charge';

	CREATE INDEX IF NOT EXISTS idx_fee_records_student_type
		ON fee_records(student_id, fee_type, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_fee_records_period
		ON fee_records(year, month);
	CREATE INDEX IF NOT EXISTS idx_fee_records_batch
		ON fee_records(fee_type, amount, description, created_at);

	CREATE TABLE IF NOT EXISTS monthly_totals (
		student_id TEXT NOT NULL,
		month INT NOT NULL,
		year INT NOT NULL,
		total TEXT NOT NULL,
		PRIMARY KEY (student_id, month, year)
	);

	CREATE TABLE IF NOT EXISTS day_reductions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		from_date TEXT NOT NULL,
		to_date TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		admin_remarks TEXT NOT NULL DEFAULT '',
		warden_remarks TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_day_reductions_student
		ON day_reductions(student_id, status);

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
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// dbtx is satisfied by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// =============================================================================
// FEE STORE (billing.FeeStore)
// =============================================================================

func (s *Store) InsertFees(ctx context.Context, records []billing.FeeRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range records {
		if err := insertFee(ctx, tx, r); err != nil {
			return err
		}
		if err := applyTotalDelta(ctx, tx, r.StudentID, r.Month, r.Year, r.Amount); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertFee(ctx context.Context, db dbtx, r billing.FeeRecord) error {
	var chargeDate any
	if r.ChargeDate != nil {
		chargeDate = r.ChargeDate.String()
	}

	_, err := db.Exec(ctx, `
		INSERT INTO fee_records
		(id, student_id, fee_type, amount, quantity, unit_price, month, year, description, charge_date, issued_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
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
		r.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return billing.ErrDuplicateCharge
		}
		return fmt.Errorf("failed to insert fee record: %w", err)
	}
	return nil
}

// applyTotalDelta adjusts the monthly aggregate by delta, locking the row
// for the duration of the surrounding transaction.
func applyTotalDelta(ctx context.Context, db dbtx, studentID billing.StudentID, month, year int, delta decimal.Decimal) error {
	var current string
	err := db.QueryRow(ctx,
		`SELECT total FROM monthly_totals WHERE student_id = $1 AND month = $2 AND year = $3 FOR UPDATE`,
		studentID, month, year).Scan(&current)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// A concurrent first write for this month surfaces as a unique
		// violation and aborts the whole transaction; the caller retries.
		_, err = db.Exec(ctx,
			`INSERT INTO monthly_totals (student_id, month, year, total) VALUES ($1, $2, $3, $4)`,
			studentID, month, year, delta.StringFixed(2))
		return err
	case err != nil:
		return fmt.Errorf("failed to read monthly total: %w", err)
	}

	total, err := decimal.NewFromString(current)
	if err != nil {
		return fmt.Errorf("corrupt monthly total %q: %w", current, err)
	}
	_, err = db.Exec(ctx,
		`UPDATE monthly_totals SET total = $1 WHERE student_id = $2 AND month = $3 AND year = $4`,
		total.Add(delta).StringFixed(2), studentID, month, year)
	return err
}

func (s *Store) DeleteFees(ctx context.Context, ids []billing.FeeRecordID) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	deleted, err := deleteFees(ctx, tx, ids)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
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
		err := db.QueryRow(ctx,
			`SELECT student_id, amount, month, year FROM fee_records WHERE id = $1 FOR UPDATE`, id).
			Scan(&studentID, &amountStr, &month, &year)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to load fee record %s: %w", id, err)
		}

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return 0, fmt.Errorf("corrupt amount %q on record %s: %w", amountStr, id, err)
		}

		if _, err := db.Exec(ctx, `DELETE FROM fee_records WHERE id = $1`, id); err != nil {
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

func (s *Store) GetFee(ctx context.Context, id billing.FeeRecordID) (*billing.FeeRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+feeColumns+` FROM fee_records WHERE id = $1`, id)
	record, err := scanFee(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Store) ListFees(ctx context.Context, filter billing.FeeFilter) ([]billing.FeeRecord, error) {
	query := `SELECT ` + feeColumns + ` FROM fee_records`
	var conds []string
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StudentID != nil {
		conds = append(conds, "student_id = "+arg(*filter.StudentID))
	}
	if filter.Type != nil {
		conds = append(conds, "fee_type = "+arg(*filter.Type))
	}
	if filter.Month != nil {
		conds = append(conds, "month = "+arg(*filter.Month))
	}
	if filter.Year != nil {
		conds = append(conds, "year = "+arg(*filter.Year))
	}
	if filter.BatchKey != nil {
		k := *filter.BatchKey
		conds = append(conds,
			"fee_type = "+arg(k.Type),
			"amount = "+arg(k.Amount.StringFixed(2)),
			"description = "+arg(k.Description),
			"created_at >= "+arg(k.Minute),
			"created_at < "+arg(k.Minute.Add(time.Minute)))
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC, seq ASC"

	rows, err := s.pool.Query(ctx, query, args...)
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

func scanFee(row pgx.Row) (*billing.FeeRecord, error) {
	var r billing.FeeRecord
	var amount, quantity, unitPrice string
	var chargeDate *string
	var createdAt time.Time

	if err := row.Scan(&r.ID, &r.StudentID, &r.Type, &amount, &quantity, &unitPrice,
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
	if chargeDate != nil {
		d, err := billing.ParseDayDate(*chargeDate)
		if err != nil {
			return nil, err
		}
		r.ChargeDate = &d
	}
	r.CreatedAt = createdAt.UTC()
	return &r, nil
}

func (s *Store) MessChargeExists(ctx context.Context, studentID billing.StudentID, date billing.DayDate) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM fee_records WHERE fee_type = 'mess_charge' AND student_id = $1 AND charge_date = $2)`,
		studentID, date.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check mess charge: %w", err)
	}
	return exists, nil
}

func (s *Store) LatestFeeID(ctx context.Context, studentID billing.StudentID, feeType billing.FeeType) (billing.FeeRecordID, error) {
	var id billing.FeeRecordID
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM fee_records WHERE student_id = $1 AND fee_type = $2
		 ORDER BY created_at DESC, seq DESC LIMIT 1`,
		studentID, feeType).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", billing.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find latest fee record: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateFeeAmount(ctx context.Context, id billing.FeeRecordID, quantity, unitPrice, amount decimal.Decimal) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var studentID billing.StudentID
	var oldAmountStr string
	var month, year int
	err = tx.QueryRow(ctx,
		`SELECT student_id, amount, month, year FROM fee_records WHERE id = $1 FOR UPDATE`, id).
		Scan(&studentID, &oldAmountStr, &month, &year)
	if errors.Is(err, pgx.ErrNoRows) {
		return billing.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load fee record %s: %w", id, err)
	}

	oldAmount, err := decimal.NewFromString(oldAmountStr)
	if err != nil {
		return fmt.Errorf("corrupt amount %q on record %s: %w", oldAmountStr, id, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE fee_records SET quantity = $1, unit_price = $2, amount = $3 WHERE id = $4`,
		quantity.String(), unitPrice.StringFixed(2), amount.StringFixed(2), id)
	if err != nil {
		return fmt.Errorf("failed to update fee record %s: %w", id, err)
	}

	if err := applyTotalDelta(ctx, tx, studentID, month, year, amount.Sub(oldAmount)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) MonthlyTotal(ctx context.Context, studentID billing.StudentID, month, year int) (decimal.Decimal, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT total FROM monthly_totals WHERE student_id = $1 AND month = $2 AND year = $3`,
		studentID, month, year).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read monthly total: %w", err)
	}
	return decimal.NewFromString(total)
}

func (s *Store) MonthlyTotals(ctx context.Context, month, year int) (map[billing.StudentID]decimal.Decimal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT student_id, total FROM monthly_totals WHERE month = $1 AND year = $2`,
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO day_reductions
		(id, student_id, from_date, to_date, reason, status, admin_remarks, warden_remarks, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		req.ID,
		req.StudentID,
		req.FromDate.String(),
		req.ToDate.String(),
		req.Reason,
		req.Status,
		req.AdminRemarks,
		req.WardenRemarks,
		req.CreatedAt.UTC(),
		req.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reduction request: %w", err)
	}
	return nil
}

const reductionColumns = `id, student_id, from_date, to_date, reason, status, admin_remarks, warden_remarks, created_at, updated_at`

func (s *Store) GetReduction(ctx context.Context, id billing.ReductionID) (*billing.DayReductionRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+reductionColumns+` FROM day_reductions WHERE id = $1`, id)
	req, err := scanReduction(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
		args = append(args, *filter.StudentID)
		conds = append(conds, fmt.Sprintf("student_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
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

func scanReduction(row pgx.Row) (*billing.DayReductionRequest, error) {
	var req billing.DayReductionRequest
	var fromDate, toDate string
	var createdAt, updatedAt time.Time

	if err := row.Scan(&req.ID, &req.StudentID, &fromDate, &toDate, &req.Reason,
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
	req.CreatedAt = createdAt.UTC()
	req.UpdatedAt = updatedAt.UTC()
	return &req, nil
}

func (s *Store) TransitionReduction(ctx context.Context, id billing.ReductionID, expect, next billing.ReductionStatus, tier billing.Tier, remarks string) error {
	return transitionReduction(ctx, s.pool, id, expect, next, tier, remarks)
}

func transitionReduction(ctx context.Context, db dbtx, id billing.ReductionID, expect, next billing.ReductionStatus, tier billing.Tier, remarks string) error {
	remarksColumn := "admin_remarks"
	if tier == billing.TierWarden {
		remarksColumn = "warden_remarks"
	}

	tag, err := db.Exec(ctx,
		`UPDATE day_reductions SET status = $1, `+remarksColumn+` = $2, updated_at = $3
		 WHERE id = $4 AND status = $5`,
		next, remarks, time.Now().UTC(), id, expect)
	if err != nil {
		return fmt.Errorf("failed to transition reduction %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM day_reductions WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return billing.ErrNotFound
		}
		return billing.ErrConcurrentModification
	}
	return nil
}

func (s *Store) FinalizeReduction(ctx context.Context, id billing.ReductionID, expect billing.ReductionStatus, remarks string) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := transitionReduction(ctx, tx, id, expect, billing.ReductionApprovedByWarden, billing.TierWarden, remarks); err != nil {
		return 0, err
	}

	var studentID billing.StudentID
	var fromDate, toDate string
	if err := tx.QueryRow(ctx,
		`SELECT student_id, from_date, to_date FROM day_reductions WHERE id = $1`, id).
		Scan(&studentID, &fromDate, &toDate); err != nil {
		return 0, fmt.Errorf("failed to load reduction window: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT id FROM fee_records
		 WHERE fee_type = 'mess_charge' AND student_id = $1 AND charge_date >= $2 AND charge_date <= $3`,
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
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return deleted, nil
}

func (s *Store) HasApprovedReduction(ctx context.Context, studentID billing.StudentID, date billing.DayDate) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM day_reductions
		 WHERE student_id = $1 AND status = $2 AND from_date <= $3 AND to_date >= $3)`,
		studentID, billing.ReductionApprovedByWarden, date.String()).Scan(&exists)
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
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM attendance WHERE student_id = $1 AND date = $2`,
		studentID, date.String()).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
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

	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attendance WHERE date >= $1 AND date <= $2 AND status = ANY($3)`,
		month.Start().String(), month.End().String(), statuses).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count man-days: %w", err)
	}
	return count, nil
}

func (s *Store) AttendanceStats(ctx context.Context, from, to billing.DayDate) (map[billing.AttendanceStatus]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM attendance WHERE date >= $1 AND date <= $2 GROUP BY status`,
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
	rows, err := s.pool.Query(ctx,
		`SELECT id, date, category, amount, description FROM expenses
		 WHERE date >= $1 AND date <= $2 ORDER BY date ASC`,
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
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, requires_bed, hostel_id, session_id, active FROM students WHERE id = $1`,
		id).Scan(&st.ID, &st.Name, &st.RequiresBed, &st.HostelID, &st.SessionID, &st.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billing.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read student: %w", err)
	}
	return &st, nil
}

func (s *Store) ListActiveStudents(ctx context.Context) ([]billing.Student, error) {
	rows, err := s.pool.Query(ctx,
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (id, name, requires_bed, hostel_id, session_id, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			requires_bed = EXCLUDED.requires_bed,
			hostel_id = EXCLUDED.hostel_id,
			session_id = EXCLUDED.session_id,
			active = EXCLUDED.active`,
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attendance (student_id, date, status) VALUES ($1, $2, $3)
		ON CONFLICT (student_id, date) DO UPDATE SET status = EXCLUDED.status`,
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO expenses (id, date, category, amount, description) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.Date.String(), e.Category, e.Amount.StringFixed(2), e.Description)
	if err != nil {
		return fmt.Errorf("failed to add expense: %w", err)
	}
	return nil
}

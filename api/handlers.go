/*
handlers.go - HTTP API handlers for the mess billing core

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Rate:
    GET    /api/rate                   Daily rate for a month

  Charges:
    POST   /api/charges/daily          Run the daily charge materializer

  Fees:
    GET    /api/fees                   List ledger records (filterable)
    GET    /api/fees/{id}              Get one record
    POST   /api/fees/{id}/correct      Correct quantity/unit price
    POST   /api/fees/bulk              Create an atomic fee batch
    POST   /api/fees/revert            Revert a batch by key or IDs
    GET    /api/fees/batch             Enumerate a batch by key

  Reductions:
    POST   /api/reductions             Create a day-reduction request
    GET    /api/reductions             List requests (filterable)
    GET    /api/reductions/{id}        Get one request
    POST   /api/reductions/{id}/decision  Apply an authority's decision

  Summary:
    GET    /api/summary                Per-student monthly totals

  Ingest (collaborator-owned inputs):
    POST   /api/students               Upsert a student
    GET    /api/students               List active students
    POST   /api/attendance             Mark one student-day
    POST   /api/expenses               Record an expense entry

ERROR HANDLING:
  Domain errors map to HTTP status via writeDomainError:
  - 400: validation errors, malformed input
  - 404: unknown record/request/student
  - 409: invalid workflow state, stale correction, undefined rate,
         duplicate charge
  - 500: everything else

SECURITY NOTE:
  Currently NO authentication or authorization. The tier field on decisions
  is trusted; an auth layer in front must enforce who may claim which tier.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hostelworks/messbilling/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Backend billing.Backend

	Rates      *billing.RateEngine
	Charges    *billing.ChargeMaterializer
	Ledger     *billing.FeeLedger
	Reductions *billing.ReductionService
}

// NewHandler wires the engine services over one backend.
func NewHandler(backend billing.Backend) *Handler {
	return &Handler{
		Backend:    backend,
		Rates:      billing.NewRateEngine(backend, backend),
		Charges:    billing.NewChargeMaterializer(backend, backend, backend, backend),
		Ledger:     billing.NewFeeLedger(backend, backend),
		Reductions: billing.NewReductionService(backend),
	}
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

// GetDailyRate computes the daily rate for a month.
// GET /api/rate?month=M&year=Y
func (h *Handler) GetDailyRate(w http.ResponseWriter, r *http.Request) {
	month, year, ok := monthYearParams(w, r)
	if !ok {
		return
	}

	result, err := h.Rates.ComputeDailyRate(r.Context(), month, year)
	if err != nil {
		writeDomainError(w, "Failed to compute daily rate", err)
		return
	}

	writeJSON(w, http.StatusOK, toRateDTO(result))
}

// =============================================================================
// CHARGE HANDLERS
// =============================================================================

// ApplyDailyCharges runs the charge materializer for one date. When the rate
// is omitted it is computed from the date's month; an undefined rate is a
// conflict, never a zero charge.
// POST /api/charges/daily
func (h *Handler) ApplyDailyCharges(w http.ResponseWriter, r *http.Request) {
	var req ApplyChargesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, err := billing.ParseDayDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	var rate decimal.Decimal
	if req.Rate != "" {
		rate, err = decimal.NewFromString(req.Rate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid rate", err)
			return
		}
	} else {
		month := billing.MonthOf(date)
		result, err := h.Rates.ComputeDailyRate(r.Context(), month.Month, month.Year)
		if err != nil {
			writeDomainError(w, "Failed to compute daily rate", err)
			return
		}
		if result.Undefined {
			writeError(w, http.StatusConflict, "Daily rate is undefined for this month (zero man-days)", billing.ErrUndefinedRate)
			return
		}
		rate = result.DailyRate
	}

	result, err := h.Charges.ApplyDailyCharges(r.Context(), date, rate, req.IssuedBy)
	if err != nil {
		writeDomainError(w, "Failed to apply daily charges", err)
		return
	}

	chargesApplied.Add(float64(result.Applied))
	chargesSkipped.Add(float64(result.Skipped))

	writeJSON(w, http.StatusOK, ApplyChargesResponse{
		Date:    date.String(),
		Rate:    rate.StringFixed(2),
		Applied: result.Applied,
		Skipped: result.Skipped,
	})
}

// CorrectFee rewrites quantity/unit price on the latest record for its key.
// POST /api/fees/{id}/correct
func (h *Handler) CorrectFee(w http.ResponseWriter, r *http.Request) {
	id := billing.FeeRecordID(chi.URLParam(r, "id"))

	var req CorrectFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var quantity, unitPrice *decimal.Decimal
	if req.Quantity != nil {
		q, err := decimal.NewFromString(*req.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid quantity", err)
			return
		}
		quantity = &q
	}
	if req.UnitPrice != nil {
		p, err := decimal.NewFromString(*req.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid unit_price", err)
			return
		}
		unitPrice = &p
	}

	record, err := h.Charges.CorrectFeeRecord(r.Context(), id, quantity, unitPrice)
	if err != nil {
		writeDomainError(w, "Failed to correct fee record", err)
		return
	}

	writeJSON(w, http.StatusOK, toFeeRecordDTO(*record))
}

// =============================================================================
// FEE HANDLERS
// =============================================================================

// ListFees returns ledger records matching query filters.
// GET /api/fees?student_id=&fee_type=&month=&year=
func (h *Handler) ListFees(w http.ResponseWriter, r *http.Request) {
	var filter billing.FeeFilter

	if v := r.URL.Query().Get("student_id"); v != "" {
		id := billing.StudentID(v)
		filter.StudentID = &id
	}
	if v := r.URL.Query().Get("fee_type"); v != "" {
		ft := billing.FeeType(v)
		filter.Type = &ft
	}
	if v := r.URL.Query().Get("month"); v != "" {
		m, ok := intParam(w, "month", v)
		if !ok {
			return
		}
		filter.Month = &m
	}
	if v := r.URL.Query().Get("year"); v != "" {
		y, ok := intParam(w, "year", v)
		if !ok {
			return
		}
		filter.Year = &y
	}

	records, err := h.Ledger.ListFees(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "Failed to list fee records", err)
		return
	}

	writeJSON(w, http.StatusOK, toFeeRecordDTOs(records))
}

// GetFee returns one ledger record.
// GET /api/fees/{id}
func (h *Handler) GetFee(w http.ResponseWriter, r *http.Request) {
	id := billing.FeeRecordID(chi.URLParam(r, "id"))

	record, err := h.Backend.GetFee(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get fee record", err)
		return
	}

	writeJSON(w, http.StatusOK, toFeeRecordDTO(*record))
}

// CreateBulkFee applies one fee to many students atomically.
// POST /api/fees/bulk
func (h *Handler) CreateBulkFee(w http.ResponseWriter, r *http.Request) {
	var req BulkFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	studentIDs := make([]billing.StudentID, len(req.StudentIDs))
	for i, id := range req.StudentIDs {
		studentIDs[i] = billing.StudentID(id)
	}

	result, err := h.Ledger.CreateBulkFee(r.Context(), billing.BulkFeeInput{
		Type:        billing.FeeType(req.FeeType),
		Amount:      amount,
		Description: req.Description,
		StudentIDs:  studentIDs,
		Month:       req.Month,
		Year:        req.Year,
		IssuedBy:    req.IssuedBy,
	})
	if err != nil {
		writeDomainError(w, "Failed to create fee batch", err)
		return
	}

	batchesCreated.Inc()

	writeJSON(w, http.StatusCreated, BulkFeeResponse{
		BatchKey: result.BatchKey.String(),
		Count:    result.Count,
	})
}

// RevertBatch deletes a batch named by key or by explicit record IDs.
// POST /api/fees/revert
func (h *Handler) RevertBatch(w http.ResponseWriter, r *http.Request) {
	var req RevertBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ids := make([]billing.FeeRecordID, 0, len(req.RecordIDs))
	for _, id := range req.RecordIDs {
		ids = append(ids, billing.FeeRecordID(id))
	}

	if req.BatchKey != "" {
		key, err := billing.ParseBatchKey(req.BatchKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid batch key", err)
			return
		}
		records, err := h.Ledger.BatchRecords(r.Context(), key)
		if err != nil {
			writeDomainError(w, "Failed to enumerate batch", err)
			return
		}
		for _, record := range records {
			ids = append(ids, record.ID)
		}
	}

	result, err := h.Ledger.RevertBatch(r.Context(), ids)
	if err != nil {
		writeDomainError(w, "Failed to revert batch", err)
		return
	}

	recordsReverted.Add(float64(result.Deleted))

	writeJSON(w, http.StatusOK, RevertBatchResponse{Deleted: result.Deleted})
}

// GetBatch enumerates the records of a batch.
// GET /api/fees/batch?key=...
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	key, err := billing.ParseBatchKey(r.URL.Query().Get("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid batch key", err)
		return
	}

	records, err := h.Ledger.BatchRecords(r.Context(), key)
	if err != nil {
		writeDomainError(w, "Failed to enumerate batch", err)
		return
	}

	writeJSON(w, http.StatusOK, toFeeRecordDTOs(records))
}

// MonthlySummary returns per-student totals for a month.
// GET /api/summary?month=M&year=Y
func (h *Handler) MonthlySummary(w http.ResponseWriter, r *http.Request) {
	month, year, ok := monthYearParams(w, r)
	if !ok {
		return
	}

	totals, err := h.Ledger.MonthlySummary(r.Context(), month, year)
	if err != nil {
		writeDomainError(w, "Failed to read monthly summary", err)
		return
	}

	dto := SummaryDTO{Month: month, Year: year, Totals: make(map[string]string, len(totals))}
	for studentID, total := range totals {
		dto.Totals[string(studentID)] = total.StringFixed(2)
	}

	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// REDUCTION HANDLERS
// =============================================================================

// CreateReduction opens a new day-reduction request in pending_admin.
// POST /api/reductions
func (h *Handler) CreateReduction(w http.ResponseWriter, r *http.Request) {
	var req CreateReductionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	from, err := billing.ParseDayDate(req.FromDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from_date format (use YYYY-MM-DD)", err)
		return
	}
	to, err := billing.ParseDayDate(req.ToDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to_date format (use YYYY-MM-DD)", err)
		return
	}

	created, err := h.Reductions.Create(r.Context(), billing.StudentID(req.StudentID), from, to, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to create reduction request", err)
		return
	}

	writeJSON(w, http.StatusCreated, toReductionDTO(created))
}

// ListReductions returns requests matching query filters.
// GET /api/reductions?student_id=&status=
func (h *Handler) ListReductions(w http.ResponseWriter, r *http.Request) {
	var filter billing.ReductionFilter

	if v := r.URL.Query().Get("student_id"); v != "" {
		id := billing.StudentID(v)
		filter.StudentID = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := billing.ReductionStatus(v)
		filter.Status = &status
	}

	requests, err := h.Reductions.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "Failed to list reduction requests", err)
		return
	}

	dtos := make([]ReductionDTO, len(requests))
	for i := range requests {
		dtos[i] = toReductionDTO(&requests[i])
	}

	writeJSON(w, http.StatusOK, dtos)
}

// GetReduction returns one request.
// GET /api/reductions/{id}
func (h *Handler) GetReduction(w http.ResponseWriter, r *http.Request) {
	id := billing.ReductionID(chi.URLParam(r, "id"))

	req, err := h.Reductions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get reduction request", err)
		return
	}

	writeJSON(w, http.StatusOK, toReductionDTO(req))
}

// DecideReduction applies one authority's decision.
// POST /api/reductions/{id}/decision
func (h *Handler) DecideReduction(w http.ResponseWriter, r *http.Request) {
	id := billing.ReductionID(chi.URLParam(r, "id"))

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	updated, err := h.Reductions.Transition(r.Context(), id,
		billing.Tier(req.Tier), billing.Decision(req.Decision), req.Remarks)
	if err != nil {
		writeDomainError(w, "Failed to apply decision", err)
		return
	}

	if updated.Status == billing.ReductionApprovedByWarden {
		reductionsFinalized.Inc()
	}

	writeJSON(w, http.StatusOK, toReductionDTO(updated))
}

// =============================================================================
// INGEST HANDLERS
// =============================================================================

// UpsertStudent creates or updates a student.
// POST /api/students
func (h *Handler) UpsertStudent(w http.ResponseWriter, r *http.Request) {
	var req UpsertStudentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "Student id is required", nil)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	student := billing.Student{
		ID:          billing.StudentID(req.ID),
		Name:        req.Name,
		RequiresBed: req.RequiresBed,
		HostelID:    req.HostelID,
		SessionID:   req.SessionID,
		Active:      active,
	}

	if err := h.Backend.SaveStudent(r.Context(), student); err != nil {
		writeDomainError(w, "Failed to save student", err)
		return
	}

	writeJSON(w, http.StatusCreated, StudentDTO{
		ID:          req.ID,
		Name:        req.Name,
		RequiresBed: req.RequiresBed,
		HostelID:    req.HostelID,
		SessionID:   req.SessionID,
		Active:      active,
	})
}

// ListStudents returns all active students.
// GET /api/students
func (h *Handler) ListStudents(w http.ResponseWriter, r *http.Request) {
	students, err := h.Backend.ListActiveStudents(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list students", err)
		return
	}

	dtos := make([]StudentDTO, len(students))
	for i, s := range students {
		dtos[i] = StudentDTO{
			ID:          string(s.ID),
			Name:        s.Name,
			RequiresBed: s.RequiresBed,
			HostelID:    s.HostelID,
			SessionID:   s.SessionID,
			Active:      s.Active,
		}
	}

	writeJSON(w, http.StatusOK, dtos)
}

// MarkAttendance records one student-day status.
// POST /api/attendance
func (h *Handler) MarkAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, err := billing.ParseDayDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}

	err = h.Backend.MarkAttendance(r.Context(),
		billing.StudentID(req.StudentID), date, billing.AttendanceStatus(req.Status))
	if err != nil {
		writeDomainError(w, "Failed to mark attendance", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

// AddExpense records one mess expense entry.
// POST /api/expenses
func (h *Handler) AddExpense(w http.ResponseWriter, r *http.Request) {
	var req ExpenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	date, err := billing.ParseDayDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	expense := billing.Expense{
		ID:          uuid.NewString(),
		Date:        date,
		Category:    req.Category,
		Amount:      amount,
		Description: req.Description,
	}

	if err := h.Backend.AddExpense(r.Context(), expense); err != nil {
		writeDomainError(w, "Failed to add expense", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": expense.ID})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors to HTTP status.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case billing.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case isValidation(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, billing.ErrInvalidState),
		errors.Is(err, billing.ErrStaleCorrection),
		errors.Is(err, billing.ErrUndefinedRate),
		errors.Is(err, billing.ErrDuplicateCharge):
		writeError(w, http.StatusConflict, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func isValidation(err error) bool {
	var ve *billing.ValidationError
	return errors.As(err, &ve)
}

func monthYearParams(w http.ResponseWriter, r *http.Request) (month, year int, ok bool) {
	month, ok = intParam(w, "month", r.URL.Query().Get("month"))
	if !ok {
		return 0, 0, false
	}
	year, ok = intParam(w, "year", r.URL.Query().Get("year"))
	if !ok {
		return 0, 0, false
	}
	return month, year, true
}

func intParam(w http.ResponseWriter, name, value string) (int, bool) {
	if value == "" {
		writeError(w, http.StatusBadRequest, "Query parameter "+name+" is required", nil)
		return 0, false
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Query parameter "+name+" must be a number", err)
		return 0, false
	}
	return n, true
}

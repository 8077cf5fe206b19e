/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY IN JSON:
  All monetary values travel as fixed 2-decimal strings ("150.00"), never
  JSON numbers. Floats would round-trip through float64 and drift.

TYPES:
  Students:
    StudentDTO, UpsertStudentRequest

  Rate:
    RateDTO

  Charges:
    ApplyChargesRequest, ApplyChargesResponse, CorrectFeeRequest

  Fees:
    FeeRecordDTO, BulkFeeRequest, BulkFeeResponse, RevertBatchRequest

  Reductions:
    ReductionDTO, CreateReductionRequest, DecisionRequest

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain model these map from
*/
package api

import (
	"time"

	"github.com/hostelworks/messbilling/billing"
)

// =============================================================================
// STUDENT TYPES
// =============================================================================

// StudentDTO represents a student in API responses.
type StudentDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RequiresBed bool   `json:"requires_bed"`
	HostelID    string `json:"hostel_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Active      bool   `json:"active"`
}

// UpsertStudentRequest creates or updates a student.
type UpsertStudentRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	RequiresBed bool   `json:"requires_bed"`
	HostelID    string `json:"hostel_id"`
	SessionID   string `json:"session_id"`
	Active      *bool  `json:"active"` // defaults to true when omitted
}

// AttendanceRequest marks one student-day.
type AttendanceRequest struct {
	StudentID string `json:"student_id"`
	Date      string `json:"date"` // YYYY-MM-DD
	Status    string `json:"status"`
}

// ExpenseRequest records one mess expense entry.
type ExpenseRequest struct {
	Date        string `json:"date"` // YYYY-MM-DD
	Category    string `json:"category"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// =============================================================================
// RATE TYPES
// =============================================================================

// RateDTO is the daily-rate computation result.
type RateDTO struct {
	Month         int    `json:"month"`
	Year          int    `json:"year"`
	TotalExpenses string `json:"total_expenses"`
	TotalManDays  int64  `json:"total_man_days"`
	DailyRate     string `json:"daily_rate"`
	Undefined     bool   `json:"undefined"`
}

func toRateDTO(r billing.DailyRateResult) RateDTO {
	return RateDTO{
		Month:         r.Month,
		Year:          r.Year,
		TotalExpenses: r.TotalExpenses.StringFixed(2),
		TotalManDays:  r.TotalManDays,
		DailyRate:     r.DailyRate.StringFixed(2),
		Undefined:     r.Undefined,
	}
}

// =============================================================================
// CHARGE TYPES
// =============================================================================

// ApplyChargesRequest triggers one daily charge run. When rate is omitted it
// is computed from the date's month.
type ApplyChargesRequest struct {
	Date     string `json:"date"` // YYYY-MM-DD
	Rate     string `json:"rate,omitempty"`
	IssuedBy string `json:"issued_by"`
}

// ApplyChargesResponse summarizes one daily charge run.
type ApplyChargesResponse struct {
	Date    string `json:"date"`
	Rate    string `json:"rate"`
	Applied int    `json:"applied"`
	Skipped int    `json:"skipped"`
}

// CorrectFeeRequest rewrites the quantity and/or unit price of a fee record.
// Omitted fields keep their current value.
type CorrectFeeRequest struct {
	Quantity  *string `json:"quantity,omitempty"`
	UnitPrice *string `json:"unit_price,omitempty"`
}

// =============================================================================
// FEE TYPES
// =============================================================================

// FeeRecordDTO represents a ledger row in API responses.
type FeeRecordDTO struct {
	ID          string `json:"id"`
	StudentID   string `json:"student_id"`
	FeeType     string `json:"fee_type"`
	Amount      string `json:"amount"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Month       int    `json:"month"`
	Year        int    `json:"year"`
	Description string `json:"description"`
	ChargeDate  string `json:"charge_date,omitempty"`
	IssuedBy    string `json:"issued_by,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toFeeRecordDTO(r billing.FeeRecord) FeeRecordDTO {
	dto := FeeRecordDTO{
		ID:          string(r.ID),
		StudentID:   string(r.StudentID),
		FeeType:     string(r.Type),
		Amount:      r.Amount.StringFixed(2),
		Quantity:    r.Quantity.String(),
		UnitPrice:   r.UnitPrice.StringFixed(2),
		Month:       r.Month,
		Year:        r.Year,
		Description: r.Description,
		IssuedBy:    r.IssuedBy,
		CreatedAt:   r.CreatedAt.Format(time.RFC3339),
	}
	if r.ChargeDate != nil {
		dto.ChargeDate = r.ChargeDate.String()
	}
	return dto
}

func toFeeRecordDTOs(records []billing.FeeRecord) []FeeRecordDTO {
	dtos := make([]FeeRecordDTO, len(records))
	for i, r := range records {
		dtos[i] = toFeeRecordDTO(r)
	}
	return dtos
}

// BulkFeeRequest applies one fee to many students as an atomic batch.
type BulkFeeRequest struct {
	FeeType     string   `json:"fee_type"`
	Amount      string   `json:"amount"`
	Description string   `json:"description"`
	StudentIDs  []string `json:"student_ids"`
	Month       int      `json:"month"`
	Year        int      `json:"year"`
	IssuedBy    string   `json:"issued_by"`
}

// BulkFeeResponse carries the derived batch key for later undo.
type BulkFeeResponse struct {
	BatchKey string `json:"batch_key"`
	Count    int    `json:"count"`
}

// RevertBatchRequest names a batch either by key or by explicit record IDs.
type RevertBatchRequest struct {
	BatchKey  string   `json:"batch_key,omitempty"`
	RecordIDs []string `json:"record_ids,omitempty"`
}

// RevertBatchResponse reports the actual deletion count.
type RevertBatchResponse struct {
	Deleted int `json:"deleted"`
}

// =============================================================================
// REDUCTION TYPES
// =============================================================================

// ReductionDTO represents a day-reduction request in API responses.
type ReductionDTO struct {
	ID            string `json:"id"`
	StudentID     string `json:"student_id"`
	FromDate      string `json:"from_date"`
	ToDate        string `json:"to_date"`
	Reason        string `json:"reason"`
	Status        string `json:"status"`
	AdminRemarks  string `json:"admin_remarks,omitempty"`
	WardenRemarks string `json:"warden_remarks,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func toReductionDTO(r *billing.DayReductionRequest) ReductionDTO {
	return ReductionDTO{
		ID:            string(r.ID),
		StudentID:     string(r.StudentID),
		FromDate:      r.FromDate.String(),
		ToDate:        r.ToDate.String(),
		Reason:        r.Reason,
		Status:        string(r.Status),
		AdminRemarks:  r.AdminRemarks,
		WardenRemarks: r.WardenRemarks,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     r.UpdatedAt.Format(time.RFC3339),
	}
}

// CreateReductionRequest opens a new day-reduction request.
type CreateReductionRequest struct {
	StudentID string `json:"student_id"`
	FromDate  string `json:"from_date"` // YYYY-MM-DD
	ToDate    string `json:"to_date"`   // YYYY-MM-DD
	Reason    string `json:"reason"`
}

// DecisionRequest applies one authority's decision to a reduction request.
type DecisionRequest struct {
	Tier     string `json:"tier"`     // admin | warden
	Decision string `json:"decision"` // approve | reject
	Remarks  string `json:"remarks"`
}

// =============================================================================
// SUMMARY & ERRORS
// =============================================================================

// SummaryDTO is the monthly per-student fee summary.
type SummaryDTO struct {
	Month  int               `json:"month"`
	Year   int               `json:"year"`
	Totals map[string]string `json:"totals"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

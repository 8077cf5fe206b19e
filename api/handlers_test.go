package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostelworks/messbilling/api"
	"github.com/hostelworks/messbilling/billing/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	handler := api.NewHandler(memory.New())
	server := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(server.Close)
	return server
}

func doJSON(t *testing.T, server *httptest.Server, method, path string, body any, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func seedStudent(t *testing.T, server *httptest.Server, id string, requiresBed bool) {
	t.Helper()
	resp := doJSON(t, server, http.MethodPost, "/api/students", api.UpsertStudentRequest{
		ID:          id,
		Name:        "Student " + id,
		RequiresBed: requiresBed,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// =============================================================================
// RATE & CHARGE FLOW
// =============================================================================

func TestAPI_RateAndDailyCharges_EndToEnd(t *testing.T) {
	// GIVEN: Expenses and attendance for June 2024
	// WHEN: Reading the rate and running a daily charge
	// THEN: The computed rate charges every eligible student exactly once

	server := newTestServer(t)

	seedStudent(t, server, "s1", false)
	seedStudent(t, server, "s2", false)

	resp := doJSON(t, server, http.MethodPost, "/api/expenses", api.ExpenseRequest{
		Date: "2024-06-01", Category: "groceries", Amount: "600.00",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// 30 present student-days -> rate 20.00
	for day := 1; day <= 15; day++ {
		for _, id := range []string{"s1", "s2"} {
			resp := doJSON(t, server, http.MethodPost, "/api/attendance", api.AttendanceRequest{
				StudentID: id,
				Date:      fmt.Sprintf("2024-06-%02d", day),
				Status:    "present",
			}, nil)
			require.Equal(t, http.StatusCreated, resp.StatusCode)
		}
	}

	var rate api.RateDTO
	resp = doJSON(t, server, http.MethodGet, "/api/rate?month=6&year=2024", nil, &rate)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "20.00", rate.DailyRate)
	assert.Equal(t, int64(30), rate.TotalManDays)
	assert.False(t, rate.Undefined)

	var charges api.ApplyChargesResponse
	resp = doJSON(t, server, http.MethodPost, "/api/charges/daily", api.ApplyChargesRequest{
		Date: "2024-06-10", Rate: "20.00", IssuedBy: "warden-1",
	}, &charges)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, charges.Applied)

	// Re-run: idempotent.
	resp = doJSON(t, server, http.MethodPost, "/api/charges/daily", api.ApplyChargesRequest{
		Date: "2024-06-10", Rate: "20.00", IssuedBy: "warden-1",
	}, &charges)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, charges.Applied)
	assert.Equal(t, 2, charges.Skipped)

	var summary api.SummaryDTO
	resp = doJSON(t, server, http.MethodGet, "/api/summary?month=6&year=2024", nil, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "20.00", summary.Totals["s1"])
	assert.Equal(t, "20.00", summary.Totals["s2"])
}

func TestAPI_ChargesWithoutAttendance_UndefinedRateConflict(t *testing.T) {
	// GIVEN: A month with no attendance
	// WHEN: Running charges without an explicit rate
	// THEN: 409 - the rate is undefined, nothing is charged

	server := newTestServer(t)
	seedStudent(t, server, "s1", false)

	var errResp api.ErrorResponse
	resp := doJSON(t, server, http.MethodPost, "/api/charges/daily", api.ApplyChargesRequest{
		Date: "2020-06-10", IssuedBy: "warden-1",
	}, &errResp)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.NotEmpty(t, errResp.Error)
}

// =============================================================================
// BULK FEE FLOW
// =============================================================================

func TestAPI_BulkFee_CreateEnumerateRevert(t *testing.T) {
	// GIVEN: Two students
	// WHEN: Creating a bulk fee, enumerating by key, reverting by key
	// THEN: The batch round-trips and the revert removes exactly its records

	server := newTestServer(t)
	seedStudent(t, server, "s1", false)
	seedStudent(t, server, "s2", false)

	var created api.BulkFeeResponse
	resp := doJSON(t, server, http.MethodPost, "/api/fees/bulk", api.BulkFeeRequest{
		FeeType:     "water_bill",
		Amount:      "75.00",
		Description: "June water bill",
		StudentIDs:  []string{"s1", "s2"},
		Month:       6,
		Year:        2026,
		IssuedBy:    "admin-1",
	}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 2, created.Count)
	require.NotEmpty(t, created.BatchKey)

	var records []api.FeeRecordDTO
	resp = doJSON(t, server, http.MethodGet, "/api/fees/batch?key="+url.QueryEscape(created.BatchKey), nil, &records)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, records, 2)

	var reverted api.RevertBatchResponse
	resp = doJSON(t, server, http.MethodPost, "/api/fees/revert", api.RevertBatchRequest{
		BatchKey: created.BatchKey,
	}, &reverted)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, reverted.Deleted)

	var after []api.FeeRecordDTO
	resp = doJSON(t, server, http.MethodGet, "/api/fees?fee_type=water_bill", nil, &after)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, after)
}

func TestAPI_BulkFee_UnknownStudent_BadRequest(t *testing.T) {
	server := newTestServer(t)
	seedStudent(t, server, "s1", false)

	var errResp api.ErrorResponse
	resp := doJSON(t, server, http.MethodPost, "/api/fees/bulk", api.BulkFeeRequest{
		FeeType:     "fine",
		Amount:      "50.00",
		Description: "mess misconduct",
		StudentIDs:  []string{"s1", "ghost"},
		Month:       6,
		Year:        2026,
	}, &errResp)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetFee_Missing_NotFound(t *testing.T) {
	server := newTestServer(t)

	resp := doJSON(t, server, http.MethodGet, "/api/fees/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// REDUCTION FLOW
// =============================================================================

func TestAPI_ReductionWorkflow_EndToEnd(t *testing.T) {
	// GIVEN: A charged student and a reduction request over two of the days
	// WHEN: Admin approves, then warden approves
	// THEN: The overlapping charges disappear from the ledger

	server := newTestServer(t)
	seedStudent(t, server, "s1", false)

	for day := 9; day <= 12; day++ {
		var charges api.ApplyChargesResponse
		resp := doJSON(t, server, http.MethodPost, "/api/charges/daily", api.ApplyChargesRequest{
			Date: fmt.Sprintf("2026-06-%02d", day), Rate: "20.00", IssuedBy: "warden-1",
		}, &charges)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, 1, charges.Applied)
	}

	var reduction api.ReductionDTO
	resp := doJSON(t, server, http.MethodPost, "/api/reductions", api.CreateReductionRequest{
		StudentID: "s1",
		FromDate:  "2026-06-10",
		ToDate:    "2026-06-11",
		Reason:    "home for festival",
	}, &reduction)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "pending_admin", reduction.Status)

	// Warden cannot act before admin.
	resp = doJSON(t, server, http.MethodPost, "/api/reductions/"+reduction.ID+"/decision", api.DecisionRequest{
		Tier: "warden", Decision: "approve",
	}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var afterAdmin api.ReductionDTO
	resp = doJSON(t, server, http.MethodPost, "/api/reductions/"+reduction.ID+"/decision", api.DecisionRequest{
		Tier: "admin", Decision: "approve", Remarks: "checked",
	}, &afterAdmin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved_by_admin", afterAdmin.Status)

	var afterWarden api.ReductionDTO
	resp = doJSON(t, server, http.MethodPost, "/api/reductions/"+reduction.ID+"/decision", api.DecisionRequest{
		Tier: "warden", Decision: "approve",
	}, &afterWarden)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved_by_warden", afterWarden.Status)

	var remaining []api.FeeRecordDTO
	resp = doJSON(t, server, http.MethodGet, "/api/fees?student_id=s1", nil, &remaining)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, remaining, 2)
	dates := []string{remaining[0].ChargeDate, remaining[1].ChargeDate}
	assert.ElementsMatch(t, []string{"2026-06-09", "2026-06-12"}, dates)
}

func TestAPI_ReductionRejectWithoutRemarks_BadRequest(t *testing.T) {
	server := newTestServer(t)
	seedStudent(t, server, "s1", false)

	var reduction api.ReductionDTO
	resp := doJSON(t, server, http.MethodPost, "/api/reductions", api.CreateReductionRequest{
		StudentID: "s1", FromDate: "2026-06-10", ToDate: "2026-06-11", Reason: "travel",
	}, &reduction)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, server, http.MethodPost, "/api/reductions/"+reduction.ID+"/decision", api.DecisionRequest{
		Tier: "admin", Decision: "reject",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

package careflow

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/platform/auth"
	"github.com/ehr/careflow/internal/platform/middleware"
	"github.com/ehr/careflow/pkg/pagination"
)

func newTestServer(t *testing.T) (*echo.Echo, *fixture) {
	t.Helper()
	f := newFixture(t)
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware())
	NewHandler(f.svc, zerolog.Nop()).RegisterRoutes(api)
	return e, f
}

func do(e *echo.Echo, method, path, roles, body string, hdr ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if roles != "" {
		req.Header.Set(auth.DevRoleHeader, roles)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHandler_RegisterAndTransition(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/workflow/patients", "receptionist", `{"patient_id":"p-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created PatientWorkflowRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID != "p-1" || created.Version != 1 || !created.Flags.Has(FlagRegistered) {
		t.Errorf("unexpected record %+v", created)
	}

	rec = do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/transitions", "doctor", `{"action":"doctor_complete"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("transition: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/transitions", "doctor", `{"action":"doctor_complete"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("repeat: expected 409, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body.Code != CodeOutOfOrder || !body.AlreadyApplied {
		t.Errorf("expected already-applied out_of_order, got %+v", body)
	}
}

func TestHandler_WrongRole(t *testing.T) {
	e, f := newTestServer(t)
	f.advanceTo(t, "p-1", FlagNurseSummaryDone)

	rec := do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/transitions", "nurse", `{"action":"approve"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeWrongRole {
		t.Errorf("expected wrong_role, got %+v", body)
	}
}

func TestHandler_UnknownAction(t *testing.T) {
	e, f := newTestServer(t)
	f.advanceTo(t, "p-1", FlagRegistered)

	rec := do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/transitions", "doctor", `{"action":"discharge"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_ActingRole(t *testing.T) {
	e, f := newTestServer(t)
	f.advanceTo(t, "p-1", FlagRegistered)

	// A user holding both roles picks which one acts.
	rec := do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/transitions", "nurse,doctor", `{"action":"doctor_complete"}`,
		ActingRoleHeader, "nurse")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("acting as nurse: expected 403, got %d", rec.Code)
	}
	rec = do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/transitions", "nurse,doctor", `{"action":"doctor_complete"}`,
		ActingRoleHeader, "doctor")
	if rec.Code != http.StatusOK {
		t.Fatalf("acting as doctor: expected 200, got %d", rec.Code)
	}

	// A role the caller does not hold is refused.
	rec = do(e, http.MethodGet, "/api/v1/workflow/patients", "nurse", "", ActingRoleHeader, "pharmacist")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for an unheld acting role, got %d", rec.Code)
	}
}

func TestHandler_NonWorkflowRoleRejected(t *testing.T) {
	e, _ := newTestServer(t)
	rec := do(e, http.MethodGet, "/api/v1/workflow/patients", "billing", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_ListPending(t *testing.T) {
	e, f := newTestServer(t)
	f.advanceTo(t, "p-1", FlagRegistered)
	f.advanceTo(t, "p-2", FlagDoctorNotesDone)

	rec := do(e, http.MethodGet, "/api/v1/workflow/patients?pending=true", "doctor", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page pagination.Response[*PatientWorkflowRecord]
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].ID != "p-1" {
		t.Errorf("unexpected page %+v", page)
	}

	rec = do(e, http.MethodGet, "/api/v1/workflow/patients?ids=p-1,p-2", "nurse", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Data[0].ID != "p-2" {
		t.Errorf("nurse should only see p-2, got %+v", page)
	}
}

func TestHandler_GetPatient(t *testing.T) {
	e, f := newTestServer(t)
	f.advanceTo(t, "p-1", FlagRegistered)

	if rec := do(e, http.MethodGet, "/api/v1/workflow/patients/p-1", "doctor", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	rec := do(e, http.MethodGet, "/api/v1/workflow/patients/p-1", "pharmacist", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 outside the queue, got %d", rec.Code)
	}
	if body := decodeError(t, rec); body.Code != CodeNotFound {
		t.Errorf("expected not_found, got %+v", body)
	}
}

func TestHandler_Reset(t *testing.T) {
	e, f := newTestServer(t)
	cur := f.advanceTo(t, "p-1", FlagDoctorNotesDone)

	if rec := do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/reset", "doctor", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing version: expected 400, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/reset", "nurse", `{"expected_version":2}`); rec.Code != http.StatusForbidden {
		t.Errorf("nurse reset: expected 403, got %d", rec.Code)
	}
	rec := do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/reset", "doctor", `{"expected_version":1}`)
	if rec.Code != http.StatusConflict || decodeError(t, rec).Code != CodeConflict {
		t.Errorf("stale version: expected 409 conflict, got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/reset", "doctor", `{"expected_version":`+itoa(cur.Version)+`}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_NotificationsAndStats(t *testing.T) {
	e, f := newTestServer(t)
	f.advanceTo(t, "p-1", FlagDispensed)

	rec := do(e, http.MethodGet, "/api/v1/workflow/notifications?limit=10", "receptionist", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var notes []NotificationRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &notes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(notes) != 1 || notes[0].Type != NotifyDispensed {
		t.Errorf("unexpected notifications %+v", notes)
	}

	rec = do(e, http.MethodGet, "/api/v1/workflow/stats", "admin", "")
	var st Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Total != 1 || st.Dispensed != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestHandler_RetryFanoutAdminOnly(t *testing.T) {
	e, _ := newTestServer(t)
	if rec := do(e, http.MethodPost, "/api/v1/workflow/fanout/retry", "doctor", ""); rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/workflow/fanout/retry", "admin", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_AuditTrail(t *testing.T) {
	f := newFixture(t)
	e := echo.New()
	api := e.Group("/api/v1", auth.DevAuthMiddleware(), middleware.Audit(zerolog.Nop(), NewAuditRecorder(f.store)))
	NewHandler(f.svc, zerolog.Nop()).RegisterRoutes(api)

	if rec := do(e, http.MethodPost, "/api/v1/workflow/patients", "receptionist", `{"patient_id":"p-1"}`); rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/transitions", "nurse", `{"action":"doctor_complete"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("nurse: expected 403, got %d", rec.Code)
	}
	if rec := do(e, http.MethodPost, "/api/v1/workflow/patients/p-1/transitions", "doctor", `{"action":"doctor_complete"}`); rec.Code != http.StatusOK {
		t.Fatalf("doctor: expected 200, got %d", rec.Code)
	}
	do(e, http.MethodGet, "/api/v1/workflow/patients", "doctor", "")

	if rec := do(e, http.MethodGet, "/api/v1/workflow/audit", "doctor", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("audit is admin only, got %d", rec.Code)
	}
	rec := do(e, http.MethodGet, "/api/v1/workflow/audit?patient_id=p-1", "admin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var page pagination.Response[AuditRecord]
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 3 || len(page.Data) != 3 {
		t.Fatalf("expected three audited writes, got %d", page.Total)
	}

	want := []struct {
		action  string
		role    Role
		outcome string
		status  int
	}{
		{"doctor_complete", RoleDoctor, "ok", http.StatusOK},
		{"doctor_complete", RoleNurse, CodeWrongRole, http.StatusForbidden},
		{"register", RoleReceptionist, "ok", http.StatusCreated},
	}
	for i, w := range want {
		got := page.Data[i]
		if got.Action != w.action || got.ActingRole != w.role || got.Outcome != w.outcome || got.Status != w.status {
			t.Errorf("entry %d: got %s/%s/%s/%d, want %s/%s/%s/%d", i,
				got.Action, got.ActingRole, got.Outcome, got.Status, w.action, w.role, w.outcome, w.status)
		}
		if got.PatientID != "p-1" {
			t.Errorf("entry %d: expected patient p-1, got %q", i, got.PatientID)
		}
	}
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

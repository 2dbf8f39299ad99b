package careflow

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/platform/auth"
	"github.com/ehr/careflow/internal/platform/middleware"
	"github.com/ehr/careflow/pkg/pagination"
)

// ActingRoleHeader selects which of the caller's roles a request acts as.
const ActingRoleHeader = "X-Acting-Role"

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func roleNames(roles ...Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	wf := api.Group("/workflow", auth.RequireRole(roleNames(Roles()...)...))
	wf.GET("/patients", h.ListPatients)
	wf.GET("/patients/:id", h.GetPatient)
	wf.POST("/patients/:id/transitions", h.Transition)
	wf.GET("/notifications", h.ListNotifications)
	wf.GET("/stats", h.GetStats)

	wf.POST("/patients", h.RegisterPatient, auth.RequireRole(roleNames(PermittedRoles(ActionRegister)...)...))
	wf.POST("/patients/:id/reset", h.ResetPatient, auth.RequireRole(roleNames(resetRoles...)...))
	wf.POST("/fanout/retry", h.RetryFanout, auth.RequireRole(string(RoleAdmin)))
	wf.GET("/audit", h.ListAudit, auth.RequireRole(string(RoleAdmin)))
}

type errorBody struct {
	Error          string `json:"error"`
	Code           string `json:"code"`
	AlreadyApplied bool   `json:"already_applied,omitempty"`
}

func (h *Handler) fail(c echo.Context, err error) error {
	code, status := ErrorCode(err)
	c.Set(middleware.AuditOutcomeKey, code)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Str("code", code).Msg("workflow request failed")
	}
	return c.JSON(status, errorBody{Error: err.Error(), Code: code, AlreadyApplied: IsAlreadyApplied(err)})
}

// actingRole picks the workflow role for this request: the X-Acting-Role
// header if the caller holds it (admins may act as anyone), otherwise the
// first workflow role among the caller's roles.
func actingRole(c echo.Context) (Role, error) {
	role, err := resolveActingRole(c)
	if err == nil {
		c.Set(middleware.AuditRoleKey, string(role))
	}
	return role, err
}

func resolveActingRole(c echo.Context) (Role, error) {
	held := auth.RolesFromContext(c.Request().Context())
	if want := c.Request().Header.Get(ActingRoleHeader); want != "" {
		role, err := ParseRole(want)
		if err != nil {
			return "", &Rejection{Reason: ReasonWrongRole, Role: Role(want)}
		}
		for _, r := range held {
			if r == want || r == string(RoleAdmin) {
				return role, nil
			}
		}
		return "", &Rejection{Reason: ReasonWrongRole, Role: role}
	}
	for _, r := range held {
		if role, err := ParseRole(r); err == nil {
			return role, nil
		}
	}
	return "", &Rejection{Reason: ReasonWrongRole}
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	c.Set(middleware.AuditActionKey, string(ActionRegister))
	role, err := actingRole(c)
	if err != nil {
		return h.fail(c, err)
	}
	var body struct {
		PatientID string `json:"patient_id"`
	}
	if err := c.Bind(&body); err != nil {
		return h.fail(c, ErrBadRequest)
	}
	id := strings.TrimSpace(body.PatientID)
	c.Set(middleware.AuditPatientKey, id)
	rec, err := h.svc.RegisterPatient(c.Request().Context(), id, role)
	if err != nil {
		return h.fail(c, err)
	}
	c.Set(middleware.AuditPatientKey, rec.ID)
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListPatients(c echo.Context) error {
	role, err := actingRole(c)
	if err != nil {
		return h.fail(c, err)
	}
	pg := pagination.FromContext(c)
	f := Filter{Role: role, Limit: pg.Limit, Offset: pg.Offset}
	f.PendingOnly, _ = strconv.ParseBool(c.QueryParam("pending"))
	if ids := c.QueryParam("ids"); ids != "" {
		f.IDs = strings.Split(ids, ",")
	}
	f.AfterID = c.QueryParam("after")
	recs, total, err := h.svc.ListQueue(c.Request().Context(), f)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(recs, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetPatient(c echo.Context) error {
	role, err := actingRole(c)
	if err != nil {
		return h.fail(c, err)
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), c.Param("id"), role)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Transition(c echo.Context) error {
	role, err := actingRole(c)
	if err != nil {
		return h.fail(c, err)
	}
	var body struct {
		Action string `json:"action"`
	}
	if err := c.Bind(&body); err != nil {
		return h.fail(c, ErrBadRequest)
	}
	c.Set(middleware.AuditActionKey, body.Action)
	rec, err := h.svc.RequestTransition(c.Request().Context(), c.Param("id"), Action(body.Action), role)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ResetPatient(c echo.Context) error {
	c.Set(middleware.AuditActionKey, string(ActionReset))
	role, err := actingRole(c)
	if err != nil {
		return h.fail(c, err)
	}
	var body struct {
		ExpectedVersion *int64 `json:"expected_version"`
	}
	if err := c.Bind(&body); err != nil || body.ExpectedVersion == nil {
		return h.fail(c, ErrBadRequest)
	}
	rec, err := h.svc.ResetClinicalNotes(c.Request().Context(), c.Param("id"), role, *body.ExpectedVersion)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListNotifications(c echo.Context) error {
	role, err := actingRole(c)
	if err != nil {
		return h.fail(c, err)
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	out, err := h.svc.Notifications(c.Request().Context(), role, limit)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) GetStats(c echo.Context) error {
	role, err := actingRole(c)
	if err != nil {
		return h.fail(c, err)
	}
	st, err := h.svc.Stats(c.Request().Context(), role)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) RetryFanout(c echo.Context) error {
	c.Set(middleware.AuditActionKey, "fanout_retry")
	n, err := h.svc.RetryPendingFanouts(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"completed": n})
}

// ListAudit pages through the mutation trail, optionally for one patient.
func (h *Handler) ListAudit(c echo.Context) error {
	pg := pagination.FromContext(c)
	q := AuditQuery{PatientID: c.QueryParam("patient_id"), Limit: pg.Limit, Offset: pg.Offset}
	out, total, err := h.svc.AuditLog(c.Request().Context(), q)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, pg.Limit, pg.Offset))
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/platform/auth"
)

// Keys handlers set on the echo context to describe the audited operation.
const (
	AuditActionKey  = "audit_action"
	AuditOutcomeKey = "audit_outcome"
	AuditPatientKey = "audit_patient_id"
	AuditRoleKey    = "audit_acting_role"
)

// AuditEntry describes one mutating API request: who asked for what and how
// it ended.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	ActingRole string
	PatientID  string
	Action     string
	Outcome    string
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit returns Echo middleware that records every mutating request under
// /api/v1/ after it has been handled, including requests refused by role
// checks further down the chain. Reads are not audited.
//
// Entries always go to the structured log; recorder, when non-nil, also
// persists them. A recorder failure is logged and never fails the request.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isAuditable(req.Method, req.URL.Path) {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Path:       req.URL.Path,
				Method:     req.Method,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: responseStatus(c, err),
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Action:     contextString(c, AuditActionKey),
				ActingRole: contextString(c, AuditRoleKey),
				PatientID:  contextString(c, AuditPatientKey),
				Outcome:    contextString(c, AuditOutcomeKey),
				RequestID:  contextString(c, "request_id"),
			}
			if entry.Action == "" {
				entry.Action = httpMethodToAction(req.Method)
			}
			if entry.PatientID == "" {
				entry.PatientID = c.Param("id")
			}
			if entry.Outcome == "" {
				entry.Outcome = outcomeForStatus(entry.StatusCode)
			}

			if recorder != nil {
				rctx := context.WithoutCancel(req.Context())
				if recErr := recorder.RecordAccess(rctx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "workflow_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("acting_role", entry.ActingRole).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("outcome", entry.Outcome).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("audit")

			return err
		}
	}
}

func isAuditable(method, path string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return strings.HasPrefix(path, "/api/v1/")
}

// responseStatus is the status the client will see. An error that has not
// been written yet is rendered later by the echo error handler.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func outcomeForStatus(status int) string {
	switch {
	case status < http.StatusBadRequest:
		return "ok"
	case status == http.StatusUnauthorized:
		return "unauthorized"
	case status == http.StatusForbidden:
		return "wrong_role"
	default:
		return "error"
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

func contextString(c echo.Context, key string) string {
	s, _ := c.Get(key).(string)
	return s
}

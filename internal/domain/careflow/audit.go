package careflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/careflow/internal/platform/middleware"
)

// AuditRecord is one entry of the workflow mutation trail: who acted, as
// which role, on which patient, and with what outcome.
type AuditRecord struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	UserID     string    `json:"user_id,omitempty"`
	Roles      []string  `json:"roles,omitempty"`
	ActingRole Role      `json:"acting_role,omitempty"`
	PatientID  string    `json:"patient_id,omitempty"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Status     int       `json:"status"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	RequestID  string    `json:"request_id,omitempty"`
	RemoteIP   string    `json:"remote_ip,omitempty"`
}

// AuditQuery selects a page of the trail, optionally for one patient.
type AuditQuery struct {
	PatientID string
	Limit     int
	Offset    int
}

// NewAuditRecorder persists audit middleware entries into s.
func NewAuditRecorder(s AuditStore) middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(ctx context.Context, e middleware.AuditEntry) error {
		rec := &AuditRecord{
			ID:         uuid.NewString(),
			At:         e.Timestamp,
			UserID:     e.UserID,
			Roles:      e.UserRoles,
			ActingRole: Role(e.ActingRole),
			PatientID:  e.PatientID,
			Action:     e.Action,
			Outcome:    e.Outcome,
			Status:     e.StatusCode,
			Method:     e.Method,
			Path:       e.Path,
			RequestID:  e.RequestID,
			RemoteIP:   e.IPAddress,
		}
		if err := s.RecordAudit(ctx, rec); err != nil {
			return fmt.Errorf("record audit %s: %w", rec.Action, err)
		}
		return nil
	})
}

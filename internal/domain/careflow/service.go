package careflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/rs/zerolog"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// ValidateID rejects patient ids that could not have been issued by Register.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: invalid patient id %q", ErrBadRequest, id)
	}
	return nil
}

type Service struct {
	store  Store
	gw     *Gateway
	fanout *Fanout
	logger zerolog.Logger
}

func NewService(store Store, gw *Gateway, fanout *Fanout, logger zerolog.Logger) *Service {
	return &Service{store: store, gw: gw, fanout: fanout, logger: logger}
}

// RequestTransition submits action for role. A version conflict caused by a
// concurrent writer is retried once against the fresh record; the retry then
// fails with a precise rejection if the other writer already did the work.
func (s *Service) RequestTransition(ctx context.Context, id string, action Action, role Role) (*PatientWorkflowRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	rec, err := s.gw.Submit(ctx, id, action, role)
	if errors.Is(err, ErrConflict) {
		s.logger.Debug().Str("patient_id", id).Str("action", string(action)).Msg("version conflict, retrying once")
		rec, err = s.gw.Submit(ctx, id, action, role)
	}
	return rec, err
}

func (s *Service) RegisterPatient(ctx context.Context, id string, role Role) (*PatientWorkflowRecord, error) {
	if id != "" {
		if err := ValidateID(id); err != nil {
			return nil, err
		}
	}
	return s.gw.Register(ctx, id, role)
}

func (s *Service) ResetClinicalNotes(ctx context.Context, id string, role Role, expectedVersion int64) (*PatientWorkflowRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if expectedVersion < 0 {
		return nil, fmt.Errorf("%w: expected_version must not be negative", ErrBadRequest)
	}
	return s.gw.Reset(ctx, id, role, expectedVersion)
}

// GetRecord returns the authoritative record if role's queue includes it.
// Records outside the queue are reported as not found.
func (s *Service) GetRecord(ctx context.Context, id string, role Role) (*PatientWorkflowRecord, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	rec, err := s.gw.Fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !VisibleTo(role, rec.Flags) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ListQueue returns the authorized subset for f.Role and the total before paging.
func (s *Service) ListQueue(ctx context.Context, f Filter) ([]*PatientWorkflowRecord, int, error) {
	for _, id := range f.IDs {
		if err := ValidateID(id); err != nil {
			return nil, 0, err
		}
	}
	if f.AfterID != "" {
		if err := ValidateID(f.AfterID); err != nil {
			return nil, 0, err
		}
	}
	recs, total, err := s.store.FetchSet(ctx, f)
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if recs == nil {
		recs = []*PatientWorkflowRecord{}
	}
	return recs, total, nil
}

// Stats counts the patients in role's queue.
func (s *Service) Stats(ctx context.Context, role Role) (Stats, error) {
	recs, _, err := s.ListQueue(ctx, Filter{Role: role})
	if err != nil {
		return Stats{}, err
	}
	return Summarize(recs), nil
}

// Notifications returns the newest notifications addressed to role.
func (s *Service) Notifications(ctx context.Context, role Role, limit int) ([]*NotificationRecord, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	out, err := s.store.FetchNotifications(ctx, role, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if out == nil {
		out = []*NotificationRecord{}
	}
	return out, nil
}

// RetryPendingFanouts runs the fanout retry sweep.
func (s *Service) RetryPendingFanouts(ctx context.Context) (int, error) {
	if s.fanout == nil {
		return 0, nil
	}
	n, err := s.fanout.RetryPending(ctx)
	if n > 0 {
		s.logger.Info().Int("completed", n).Msg("pending fanouts completed")
	}
	return n, err
}

// AuditLog returns a page of the mutation trail, newest first.
func (s *Service) AuditLog(ctx context.Context, q AuditQuery) ([]*AuditRecord, int, error) {
	if q.PatientID != "" {
		if err := ValidateID(q.PatientID); err != nil {
			return nil, 0, err
		}
	}
	out, total, err := s.store.FetchAudit(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if out == nil {
		out = []*AuditRecord{}
	}
	return out, total, nil
}

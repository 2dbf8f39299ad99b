package careflow

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/ehr/careflow/internal/platform/eventbus"
	"github.com/ehr/careflow/internal/platform/metrics"
	"github.com/ehr/careflow/internal/platform/notification"
)

// Publisher is the part of the event bus the workflow core publishes to.
type Publisher interface {
	Publish(ctx context.Context, e eventbus.Event)
}

// Transactor is implemented by stores that can group calls into one
// transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type interest struct {
	typ   NotificationType
	roles []Role
}

var interests = map[Flag]interest{
	FlagRegistered:       {NotifyPatientRegistered, []Role{RoleDoctor}},
	FlagDoctorNotesDone:  {NotifyDoctorNotesComplete, []Role{RoleNurse}},
	FlagNurseSummaryDone: {NotifyNurseSummaryComplete, []Role{RoleDoctor}},
	FlagDoctorApproved:   {NotifyApprovalComplete, []Role{RolePharmacist}},
	FlagDispensed:        {NotifyDispensed, []Role{RoleReceptionist, RoleAdmin}},
}

// InterestedRoles returns the roles notified when flag becomes true.
func InterestedRoles(flag Flag) []Role {
	in, ok := interests[flag]
	if !ok {
		return nil
	}
	out := make([]Role, len(in.roles))
	copy(out, in.roles)
	return out
}

// NotificationTypeFor returns the notification and event type for flag.
func NotificationTypeFor(flag Flag) (NotificationType, bool) {
	in, ok := interests[flag]
	return in.typ, ok
}

var notificationNS = uuid.MustParse("5b0f1a52-1c7e-4f5e-9a51-7f3c2d6c9e10")

// notificationID is derived from the transition so that replaying a fanout
// writes the same rows.
func notificationID(patientID string, version int64, role Role) string {
	name := patientID + "/" + strconv.FormatInt(version, 10) + "/" + string(role)
	return uuid.NewSHA1(notificationNS, []byte(name)).String()
}

// Fanout turns accepted transitions into role-addressed notifications. It
// fires at most once per record version.
type Fanout struct {
	store      NotificationStore
	dispatcher *notification.Dispatcher
	templates  *notification.TemplateEngine
	bus        Publisher
	clock      clock.PassiveClock
	logger     zerolog.Logger

	// RetryAfter is how long a claim must stay incomplete before the sweep
	// takes it over.
	RetryAfter time.Duration

	mu        sync.Mutex
	unclaimed []FanoutClaim
}

// NewFanout builds a Fanout. dispatcher and bus may be nil.
func NewFanout(store NotificationStore, dispatcher *notification.Dispatcher, bus Publisher, clk clock.PassiveClock, logger zerolog.Logger) *Fanout {
	f := &Fanout{
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		clock:      clk,
		logger:     logger,
		RetryAfter: 30 * time.Second,
	}
	if dispatcher != nil {
		f.templates = dispatcher.Templates()
	} else {
		f.templates = notification.NewTemplateEngine()
	}
	return f
}

// OnTransitionAccepted records the fanout for rec's version and returns the
// notifications it produced. A version that was already claimed produces
// none. Errors are for logging only; the transition has already committed.
func (f *Fanout) OnTransitionAccepted(ctx context.Context, rec *PatientWorkflowRecord, flag Flag, actor Role) ([]*NotificationRecord, error) {
	if _, ok := interests[flag]; !ok {
		return nil, nil
	}
	c := FanoutClaim{
		PatientID: rec.ID,
		Version:   rec.Version,
		Flag:      flag,
		Actor:     actor,
		ClaimedAt: f.clock.Now(),
	}

	claimed, err := f.store.ClaimFanout(ctx, c)
	if err != nil {
		f.mu.Lock()
		f.unclaimed = append(f.unclaimed, c)
		f.mu.Unlock()
		metrics.Notifications.WithLabelValues(string(interests[flag].typ), "deferred").Inc()
		return nil, fmt.Errorf("claim fanout %s@%d: %w", rec.ID, rec.Version, err)
	}
	if !claimed {
		metrics.Notifications.WithLabelValues(string(interests[flag].typ), "duplicate").Inc()
		return nil, nil
	}
	return f.run(ctx, c)
}

// Dispatch runs the fanout for a claim that was stored together with its
// transition. If it fails the claim stays incomplete and RetryPending
// finishes it once RetryAfter has passed.
func (f *Fanout) Dispatch(ctx context.Context, c FanoutClaim) ([]*NotificationRecord, error) {
	if _, ok := interests[c.Flag]; !ok {
		return nil, nil
	}
	return f.run(ctx, c)
}

func (f *Fanout) build(c FanoutClaim) []*NotificationRecord {
	in := interests[c.Flag]
	data := map[string]string{
		"patient_id": c.PatientID,
		"actor":      string(c.Actor),
	}
	_, body, err := f.templates.Render(string(in.typ), data)
	if err != nil {
		body = fmt.Sprintf("%s for patient %s", in.typ, c.PatientID)
	}

	out := make([]*NotificationRecord, 0, len(in.roles))
	for _, role := range in.roles {
		out = append(out, &NotificationRecord{
			ID:         notificationID(c.PatientID, c.Version, role),
			TargetRole: role,
			Type:       in.typ,
			PatientID:  c.PatientID,
			Message:    body,
			CreatedAt:  c.ClaimedAt,
		})
	}
	return out
}

func (f *Fanout) persist(ctx context.Context, c FanoutClaim, recs []*NotificationRecord) error {
	write := func(ctx context.Context) error {
		for _, n := range recs {
			if err := f.store.PersistNotification(ctx, n); err != nil {
				return fmt.Errorf("persist notification %s: %w", n.ID, err)
			}
		}
		return f.store.CompleteFanout(ctx, c.PatientID, c.Version)
	}
	if tx, ok := f.store.(Transactor); ok {
		return tx.InTx(ctx, write)
	}
	return write(ctx)
}

// run persists, delivers and announces the notifications for a claim.
func (f *Fanout) run(ctx context.Context, c FanoutClaim) ([]*NotificationRecord, error) {
	recs := f.build(c)
	typ := string(interests[c.Flag].typ)

	if err := f.persist(ctx, c, recs); err != nil {
		metrics.Notifications.WithLabelValues(typ, "failed").Inc()
		return nil, err
	}
	metrics.Notifications.WithLabelValues(typ, "persisted").Add(float64(len(recs)))

	if f.dispatcher != nil {
		for _, n := range recs {
			msg := &notification.Message{
				ID:         n.ID,
				Type:       string(n.Type),
				Recipient:  string(n.TargetRole),
				PatientID:  n.PatientID,
				Body:       n.Message,
				TemplateID: string(n.Type),
			}
			if err := f.dispatcher.Deliver(ctx, msg); err != nil {
				f.logger.Warn().Err(err).Str("notification_id", n.ID).Str("target_role", string(n.TargetRole)).
					Msg("notification delivery failed, will retry")
			}
		}
	}
	if f.bus != nil {
		f.bus.Publish(ctx, eventbus.Event{Type: typ, PatientID: c.PatientID})
	}
	return recs, nil
}

// RetryPending re-runs fanouts that could not be claimed or did not finish.
// It returns how many completed.
func (f *Fanout) RetryPending(ctx context.Context) (int, error) {
	f.mu.Lock()
	unclaimed := f.unclaimed
	f.unclaimed = nil
	f.mu.Unlock()

	done := 0
	var requeue []FanoutClaim
	for _, c := range unclaimed {
		claimed, err := f.store.ClaimFanout(ctx, c)
		if err != nil {
			requeue = append(requeue, c)
			continue
		}
		if !claimed {
			// Someone else holds it; the ledger sweep below will see it if unfinished.
			continue
		}
		if _, err := f.run(ctx, c); err != nil {
			f.logger.Warn().Err(err).Str("patient_id", c.PatientID).Int64("version", c.Version).Msg("fanout retry failed")
			continue
		}
		done++
	}
	if len(requeue) > 0 {
		f.mu.Lock()
		f.unclaimed = append(f.unclaimed, requeue...)
		f.mu.Unlock()
	}

	pending, err := f.store.PendingFanouts(ctx, f.clock.Now().Add(-f.RetryAfter), 100)
	if err != nil {
		metrics.PendingFanouts.Set(float64(len(requeue)))
		return done, fmt.Errorf("list pending fanouts: %w", err)
	}
	failed := len(requeue)
	for _, c := range pending {
		if _, err := f.run(ctx, c); err != nil {
			f.logger.Warn().Err(err).Str("patient_id", c.PatientID).Int64("version", c.Version).Msg("fanout retry failed")
			failed++
			continue
		}
		done++
	}
	metrics.PendingFanouts.Set(float64(failed))
	return done, nil
}

// Deferred returns the number of claims waiting for the store to come back.
func (f *Fanout) Deferred() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.unclaimed)
}

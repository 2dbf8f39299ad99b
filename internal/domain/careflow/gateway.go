package careflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/ehr/careflow/internal/platform/eventbus"
	"github.com/ehr/careflow/internal/platform/metrics"
)

// Notifier receives accepted transitions. *Fanout implements it.
type Notifier interface {
	// OnTransitionAccepted claims and runs the fanout for a transition whose
	// write did not carry a claim.
	OnTransitionAccepted(ctx context.Context, rec *PatientWorkflowRecord, flag Flag, actor Role) ([]*NotificationRecord, error)
	// Dispatch runs a fanout whose claim was committed with the write.
	Dispatch(ctx context.Context, c FanoutClaim) ([]*NotificationRecord, error)
}

// Gateway is the only writer of workflow records. Every mutation is validated
// against freshly read authoritative state and written with compare-and-set
// on the record version.
type Gateway struct {
	store    RecordStore
	notifier Notifier
	bus      Publisher
	clock    clock.PassiveClock
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewGateway builds a Gateway. notifier and bus may be nil.
func NewGateway(store RecordStore, notifier Notifier, bus Publisher, clk clock.PassiveClock, timeout time.Duration, logger zerolog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		store:    store,
		notifier: notifier,
		bus:      bus,
		clock:    clk,
		timeout:  timeout,
		logger:   logger,
	}
}

// Fetch reads the authoritative record.
func (g *Gateway) Fetch(ctx context.Context, id string) (*PatientWorkflowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.read(ctx, id)
}

func (g *Gateway) read(ctx context.Context, id string) (*PatientWorkflowRecord, error) {
	rec, err := g.store.Fetch(ctx, id)
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, ErrNotFound):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}

// detached returns a context that survives the caller's deadline for the
// follow-up work of a write that already reached the store.
func (g *Gateway) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
}

// Submit applies action for role to the patient and returns the new record.
// By the time it returns successfully the fanout for the transition has run.
func (g *Gateway) Submit(ctx context.Context, id string, action Action, role Role) (rec *PatientWorkflowRecord, err error) {
	start := g.clock.Now()
	defer func() { g.observe(action, start, err) }()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cur, err := g.read(ctx, id)
	if err != nil {
		return nil, err
	}
	flags, err := Evaluate(cur.Flags, action, role)
	if err != nil {
		return nil, err
	}
	flag, _ := FlagFor(action)
	next := cur.advance(flags, flag, g.clock.Now())

	claim, claimed, err := g.commit(ctx, id, cur.Version, next, flag, role)
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		rctx, rcancel := g.detached(ctx)
		defer rcancel()
		committed, ok := g.recover(rctx, id, next.Version, func(f Flags) bool { return f.Has(flag) })
		if !ok {
			g.logger.Warn().Err(err).Str("patient_id", id).Str("action", string(action)).
				Msg("transition outcome unknown")
			return nil, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
		}
		g.logger.Info().Str("patient_id", id).Str("action", string(action)).Int64("version", committed.Version).
			Msg("transition write confirmed after transport error")
		next = committed
	}

	g.accepted(ctx, next, flag, role, claim, claimed)
	return next, nil
}

// commit writes next. When the store supports it and the flag notifies
// anyone, the fanout claim for the new version is stored in the same
// transaction, so a write that commits without an answer still leaves a
// ledger entry for the retry sweep.
func (g *Gateway) commit(ctx context.Context, id string, expected int64, next *PatientWorkflowRecord, flag Flag, actor Role) (FanoutClaim, bool, error) {
	committer, ok := g.store.(TransitionCommitter)
	if _, notifies := interests[flag]; !ok || !notifies || g.notifier == nil {
		return FanoutClaim{}, false, g.store.ConditionalWrite(ctx, id, expected, next)
	}
	claim := FanoutClaim{
		PatientID: id,
		Version:   next.Version,
		Flag:      flag,
		Actor:     actor,
		ClaimedAt: g.clock.Now(),
	}
	return claim, true, committer.CommitTransition(ctx, id, expected, next, claim)
}

// recover re-reads once after a write whose outcome is unknown. The write is
// treated as committed only if the record is at exactly the version it would
// have produced and shows its effect.
func (g *Gateway) recover(ctx context.Context, id string, version int64, applied func(Flags) bool) (*PatientWorkflowRecord, bool) {
	rec, err := g.store.Fetch(ctx, id)
	if err != nil {
		return nil, false
	}
	if rec.Version != version || !applied(rec.Flags) {
		return nil, false
	}
	return rec, true
}

func (g *Gateway) accepted(ctx context.Context, rec *PatientWorkflowRecord, flag Flag, actor Role, claim FanoutClaim, claimed bool) {
	if g.notifier == nil {
		return
	}
	fctx, cancel := g.detached(ctx)
	defer cancel()
	var err error
	if claimed {
		_, err = g.notifier.Dispatch(fctx, claim)
	} else {
		_, err = g.notifier.OnTransitionAccepted(fctx, rec, flag, actor)
	}
	if err != nil {
		g.logger.Error().Err(err).Str("patient_id", rec.ID).Int64("version", rec.Version).
			Str("flag", flag.String()).Msg("notification fanout failed, queued for retry")
	}
}

// Register creates a record with every flag false and applies the register
// action to it. An empty id is replaced by a new uuid.
func (g *Gateway) Register(ctx context.Context, id string, role Role) (*PatientWorkflowRecord, error) {
	if !permitted(rules[ActionRegister].roles, role) {
		err := &Rejection{Reason: ReasonWrongRole, Action: ActionRegister, Role: role}
		g.observe(ActionRegister, g.clock.Now(), err)
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	err := g.store.Create(cctx, NewRecord(id, g.clock.Now()))
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyExists):
		g.observe(ActionRegister, g.clock.Now(), err)
		return nil, err
	default:
		err = fmt.Errorf("%w: %v", ErrUnreachable, err)
		g.observe(ActionRegister, g.clock.Now(), err)
		return nil, err
	}
	return g.Submit(ctx, id, ActionRegister, role)
}

// Reset withdraws clinical notes: doctor_notes_done and every later flag are
// cleared. The caller supplies the version it based the decision on; a stale
// version yields ErrConflict.
func (g *Gateway) Reset(ctx context.Context, id string, role Role, expectedVersion int64) (rec *PatientWorkflowRecord, err error) {
	start := g.clock.Now()
	defer func() { g.observe(ActionReset, start, err) }()

	if !permitted(resetRoles, role) {
		return nil, &Rejection{Reason: ReasonWrongRole, Action: ActionReset, Role: role}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cur, err := g.read(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, ErrConflict
	}
	flags, err := EvaluateReset(cur.Flags, role)
	if err != nil {
		return nil, err
	}
	next := cur.rewind(flags, g.clock.Now())

	if err := g.store.ConditionalWrite(ctx, id, expectedVersion, next); err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		rctx, rcancel := g.detached(ctx)
		defer rcancel()
		committed, ok := g.recover(rctx, id, next.Version, func(f Flags) bool { return !f.Has(FlagDoctorNotesDone) })
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnknownOutcome, err)
		}
		next = committed
	}

	g.logger.Info().Str("patient_id", id).Str("role", string(role)).Int64("version", next.Version).
		Msg("clinical notes reset")
	if g.bus != nil {
		bctx, bcancel := g.detached(ctx)
		defer bcancel()
		g.bus.Publish(bctx, eventbus.Event{Type: EventWorkflowReset, PatientID: id})
	}
	return next, nil
}

func (g *Gateway) observe(action Action, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome, _ = ErrorCode(err)
	}
	metrics.Transitions.WithLabelValues(string(action), outcome).Inc()
	metrics.TransitionLatency.WithLabelValues(string(action)).Observe(g.clock.Since(start).Seconds())
}

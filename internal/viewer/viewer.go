// Package viewer is the client side of workflow coordination: one viewing
// context per session, each with its own projection, pollers and event bus.
package viewer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/ehr/careflow/internal/domain/careflow"
	"github.com/ehr/careflow/internal/platform/eventbus"
)

// EventTransitioned is published to other sessions after this session's
// transition is accepted.
const EventTransitioned = "workflow.transitioned"

// Mode selects the projection poll period.
type Mode string

const (
	// ModeDashboard is the generic dashboard shell.
	ModeDashboard Mode = "dashboard"
	// ModeQueue is an actively monitored role queue.
	ModeQueue Mode = "queue"
)

type Config struct {
	Role careflow.Role
	Mode Mode
	// PendingOnly limits the projection to patients awaiting Role.
	PendingOnly bool

	DashboardInterval    time.Duration
	QueueInterval        time.Duration
	NotificationInterval time.Duration
	NotificationLimit    int
}

func (c *Config) defaults() {
	if c.Mode == "" {
		c.Mode = ModeDashboard
	}
	if c.DashboardInterval <= 0 {
		c.DashboardInterval = 30 * time.Second
	}
	if c.QueueInterval <= 0 {
		c.QueueInterval = 15 * time.Second
	}
	if c.NotificationInterval <= 0 {
		c.NotificationInterval = 30 * time.Second
	}
	if c.NotificationLimit <= 0 {
		c.NotificationLimit = 50
	}
}

// PollInterval is the projection poll period for the configured mode.
func (c Config) PollInterval() time.Duration {
	if c.Mode == ModeQueue {
		return c.QueueInterval
	}
	return c.DashboardInterval
}

// ViewingContext is one session's view of the workflow. It owns its cache,
// its pollers and its subscriptions; nothing in it is shared with other
// viewing contexts.
type ViewingContext struct {
	cfg    Config
	api    API
	cache  *Cache
	bus    *eventbus.Bus
	logger zerolog.Logger

	projection    *Poller
	notifications *Poller
	flight        singleflight.Group

	mu     sync.Mutex
	notes  map[string]*careflow.NotificationRecord
	read   map[string]bool
	primed bool

	unsubscribe func()
}

// New builds a viewing context. bus carries hints for this session; give it
// a Stream as its remote channel to hear other sessions.
func New(cfg Config, api API, bus *eventbus.Bus, clk clock.WithTicker, logger zerolog.Logger) *ViewingContext {
	cfg.defaults()
	v := &ViewingContext{
		cfg:    cfg,
		api:    api,
		cache:  NewCache(),
		bus:    bus,
		logger: logger.With().Str("role", string(cfg.Role)).Logger(),
		notes:  make(map[string]*careflow.NotificationRecord),
		read:   make(map[string]bool),
	}
	v.projection = NewPoller(string(cfg.Mode), cfg.PollInterval(), v.refresh, clk, v.logger)
	v.notifications = NewPoller("notifications", cfg.NotificationInterval, v.checkIn, clk, v.logger)
	v.unsubscribe = bus.Subscribe(eventbus.Wildcard, v.onHint)
	return v
}

func (v *ViewingContext) Role() careflow.Role { return v.cfg.Role }

func (v *ViewingContext) Cache() *Cache { return v.cache }

// Run starts the pollers and the cross-session listener and blocks until
// ctx is done.
func (v *ViewingContext) Run(ctx context.Context) error {
	defer v.unsubscribe()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.projection.Run(ctx) })
	g.Go(func() error { return v.notifications.Run(ctx) })
	g.Go(func() error { return v.bus.Run(ctx) })
	return g.Wait()
}

// onHint reacts to any hint, local or from another session, by refreshing
// the projection ahead of the next tick.
func (v *ViewingContext) onHint(e eventbus.Event) {
	v.logger.Debug().Str("type", e.Type).Str("patient_id", e.PatientID).Msg("hint received")
	v.projection.Poke()
}

func (v *ViewingContext) refresh(ctx context.Context) error {
	_, err, _ := v.flight.Do("queue", func() (interface{}, error) {
		recs, err := v.api.FetchQueue(ctx, v.cfg.PendingOnly)
		if err != nil {
			return nil, err
		}
		v.cache.Reconcile(recs)
		return nil, nil
	})
	return err
}

// Refresh fetches the authorized set now.
func (v *ViewingContext) Refresh(ctx context.Context) error {
	return v.refresh(ctx)
}

// refetch replaces one patient's projection with the authoritative record.
func (v *ViewingContext) refetch(ctx context.Context, id string) error {
	_, err, _ := v.flight.Do("patient/"+id, func() (interface{}, error) {
		rec, err := v.api.Fetch(ctx, id)
		switch {
		case err == nil:
			v.cache.Update(rec)
		case errors.Is(err, careflow.ErrNotFound):
			v.cache.Remove(id)
		default:
			return nil, err
		}
		return nil, nil
	})
	return err
}

// RequestTransition advances a patient. The projection is updated
// optimistically when it predicts success, but the server always decides.
func (v *ViewingContext) RequestTransition(ctx context.Context, id string, action careflow.Action) (*careflow.PatientWorkflowRecord, error) {
	if cur, ok := v.cache.Get(id); ok {
		if next, err := careflow.Evaluate(cur.Flags, action, v.cfg.Role); err == nil {
			v.cache.ApplyOptimistic(id, next)
		} else {
			v.cache.Begin(id)
		}
	} else {
		v.cache.Begin(id)
	}

	rec, err := v.api.Transition(ctx, id, action)
	v.cache.Resolve(id, rec, err)
	if err != nil {
		v.logger.Info().Err(err).Str("patient_id", id).Str("action", string(action)).Msg("transition failed")
		if rerr := v.refetch(context.WithoutCancel(ctx), id); rerr != nil {
			v.logger.Warn().Err(rerr).Str("patient_id", id).Msg("refetch after failed transition")
		}
		return nil, err
	}

	v.bus.Publish(ctx, eventbus.Event{Type: EventTransitioned, PatientID: id})
	return rec, nil
}

// GetProjection returns the cached view of id. It may be stale or
// speculative and must not be used for decisions.
func (v *ViewingContext) GetProjection(id string) (careflow.PatientWorkflowRecord, bool) {
	return v.cache.Get(id)
}

func (v *ViewingContext) Projections() []careflow.PatientWorkflowRecord {
	return v.cache.List()
}

// Subscribe registers h for hints of type typ, or every hint for
// eventbus.Wildcard.
func (v *ViewingContext) Subscribe(typ string, h eventbus.Handler) func() {
	return v.bus.Subscribe(typ, h)
}

// PublishLocal notifies this session's subscribers only.
func (v *ViewingContext) PublishLocal(typ, patientID string) {
	v.bus.PublishLocal(eventbus.Event{Type: typ, PatientID: patientID})
}

// checkIn fetches role-addressed notifications. Notifications that arrive
// after the first check-in become local hints.
func (v *ViewingContext) checkIn(ctx context.Context) error {
	recs, err := v.api.Notifications(ctx, v.cfg.NotificationLimit)
	if err != nil {
		return err
	}

	v.mu.Lock()
	var fresh []*careflow.NotificationRecord
	for _, n := range recs {
		if _, ok := v.notes[n.ID]; ok {
			continue
		}
		v.notes[n.ID] = n
		fresh = append(fresh, n)
	}
	announce := v.primed
	v.primed = true
	v.mu.Unlock()

	if announce {
		for _, n := range fresh {
			v.bus.PublishLocal(eventbus.Event{Type: string(n.Type), PatientID: n.PatientID})
		}
	}
	return nil
}

// CheckIn fetches notifications now.
func (v *ViewingContext) CheckIn(ctx context.Context) error {
	return v.checkIn(ctx)
}

// Notifications returns every notification seen, newest first.
func (v *ViewingContext) Notifications() []*careflow.NotificationRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sortedLocked(func(*careflow.NotificationRecord) bool { return true })
}

// Unread returns the notifications not yet marked read, newest first.
func (v *ViewingContext) Unread() []*careflow.NotificationRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.sortedLocked(func(n *careflow.NotificationRecord) bool { return !v.read[n.ID] })
}

func (v *ViewingContext) sortedLocked(keep func(*careflow.NotificationRecord) bool) []*careflow.NotificationRecord {
	out := make([]*careflow.NotificationRecord, 0, len(v.notes))
	for _, n := range v.notes {
		if keep(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// MarkRead marks a notification read for this viewing context only.
func (v *ViewingContext) MarkRead(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.notes[id]; !ok {
		return false
	}
	v.read[id] = true
	return true
}

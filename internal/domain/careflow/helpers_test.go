package careflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/ehr/careflow/internal/platform/eventbus"
	"github.com/ehr/careflow/internal/platform/notification"
)

var testEpoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// flakyStore wraps MemoryStore with injectable failures.
type flakyStore struct {
	*MemoryStore

	mu sync.Mutex
	// fetchErr is returned by Fetch.
	fetchErr error
	// writeErr is returned by ConditionalWrite and CommitTransition; when
	// commitThenFail is set the write is applied first, modelling a lost
	// response.
	writeErr       error
	commitThenFail bool
	// beforeWrite runs once before the next ConditionalWrite.
	beforeWrite func()
	claimErr    error
	persistErr  error
	writes      int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: NewMemoryStore()}
}

func (s *flakyStore) set(fn func(s *flakyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *flakyStore) Fetch(ctx context.Context, id string) (*PatientWorkflowRecord, error) {
	s.mu.Lock()
	err := s.fetchErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.Fetch(ctx, id)
}

// beginWrite consumes the write hook and returns the injected write fault.
func (s *flakyStore) beginWrite() (werr error, commit bool) {
	s.mu.Lock()
	hook := s.beforeWrite
	s.beforeWrite = nil
	werr, commit = s.writeErr, s.commitThenFail
	s.writes++
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return werr, commit
}

func (s *flakyStore) ConditionalWrite(ctx context.Context, id string, expected int64, next *PatientWorkflowRecord) error {
	werr, commit := s.beginWrite()
	if werr != nil {
		if commit {
			if err := s.MemoryStore.ConditionalWrite(ctx, id, expected, next); err != nil {
				return err
			}
		}
		return werr
	}
	return s.MemoryStore.ConditionalWrite(ctx, id, expected, next)
}

// CommitTransition fails as a whole when the claim cannot be written.
func (s *flakyStore) CommitTransition(ctx context.Context, id string, expected int64, next *PatientWorkflowRecord, c FanoutClaim) error {
	werr, commit := s.beginWrite()
	s.mu.Lock()
	cerr := s.claimErr
	s.mu.Unlock()
	if werr != nil {
		if commit && cerr == nil {
			if err := s.MemoryStore.CommitTransition(ctx, id, expected, next, c); err != nil {
				return err
			}
		}
		return werr
	}
	if cerr != nil {
		return cerr
	}
	return s.MemoryStore.CommitTransition(ctx, id, expected, next, c)
}

func (s *flakyStore) ClaimFanout(ctx context.Context, c FanoutClaim) (bool, error) {
	s.mu.Lock()
	err := s.claimErr
	s.mu.Unlock()
	if err != nil {
		return false, err
	}
	return s.MemoryStore.ClaimFanout(ctx, c)
}

func (s *flakyStore) PersistNotification(ctx context.Context, n *NotificationRecord) error {
	s.mu.Lock()
	err := s.persistErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryStore.PersistNotification(ctx, n)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Events() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]eventbus.Event, len(p.events))
	copy(out, p.events)
	return out
}

type fixture struct {
	store  *flakyStore
	clock  *testingclock.FakeClock
	bus    *recordingPublisher
	sender *notification.MockSender
	fanout *Fanout
	gw     *Gateway
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  newFlakyStore(),
		clock:  testingclock.NewFakeClock(testEpoch),
		bus:    &recordingPublisher{},
		sender: &notification.MockSender{},
	}
	logger := zerolog.Nop()
	dispatcher := notification.NewDispatcher(f.sender, notification.NewTemplateEngine(), logger)
	f.fanout = NewFanout(f.store, dispatcher, f.bus, f.clock, logger)
	f.gw = NewGateway(f.store, f.fanout, f.bus, f.clock, time.Second, logger)
	f.svc = NewService(f.store, f.gw, f.fanout, logger)
	return f
}

// advanceTo drives patient id through every action up to and including flag.
func (f *fixture) advanceTo(t *testing.T, id string, flag Flag) *PatientWorkflowRecord {
	t.Helper()
	actors := map[Action]Role{
		ActionDoctorComplete: RoleDoctor,
		ActionNurseComplete:  RoleNurse,
		ActionApprove:        RoleDoctor,
		ActionDispense:       RolePharmacist,
	}
	rec, err := f.gw.Register(context.Background(), id, RoleReceptionist)
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	for next := FlagDoctorNotesDone; next <= flag; next++ {
		a, _ := ActionFor(next)
		if rec, err = f.gw.Submit(context.Background(), id, a, actors[a]); err != nil {
			t.Fatalf("%s on %s: %v", a, id, err)
		}
	}
	return rec
}

func (f *fixture) notifications(t *testing.T, role Role) []*NotificationRecord {
	t.Helper()
	out, err := f.store.FetchNotifications(context.Background(), role, 100)
	if err != nil {
		t.Fatalf("fetch notifications: %v", err)
	}
	return out
}

package viewer

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/ehr/careflow/internal/domain/careflow"
	"github.com/ehr/careflow/internal/platform/auth"
	"github.com/ehr/careflow/internal/platform/eventbus"
	"github.com/ehr/careflow/internal/platform/websocket"
)

type hintRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *hintRecorder) handle(e eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *hintRecorder) list() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]eventbus.Event, len(r.events))
	copy(out, r.events)
	return out
}

func newTestViewer(t *testing.T, role careflow.Role, api API) *ViewingContext {
	t.Helper()
	bus := eventbus.NewBus(nil, zerolog.Nop())
	return New(Config{Role: role}, api, bus, testingclock.NewFakeClock(testEpoch), zerolog.Nop())
}

func TestConfig_PollInterval(t *testing.T) {
	c := Config{}
	c.defaults()
	if c.PollInterval() != 30*time.Second || c.NotificationInterval != 30*time.Second {
		t.Fatalf("unexpected dashboard defaults %+v", c)
	}
	c.Mode = ModeQueue
	if c.PollInterval() != 15*time.Second {
		t.Fatalf("expected 15s queue interval, got %s", c.PollInterval())
	}
}

func TestViewer_RequestTransitionIsOptimistic(t *testing.T) {
	api := newFakeAPI()
	api.queue = []*careflow.PatientWorkflowRecord{record("P-2", 2, 2)}
	v := newTestViewer(t, careflow.RoleNurse, api)
	if err := v.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	var during careflow.PatientWorkflowRecord
	api.transition = func(id string, action careflow.Action) (*careflow.PatientWorkflowRecord, error) {
		during, _ = v.GetProjection(id)
		return record(id, 3, 3), nil
	}

	var hints hintRecorder
	v.Subscribe(EventTransitioned, hints.handle)

	rec, err := v.RequestTransition(context.Background(), "P-2", careflow.ActionNurseComplete)
	if err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}
	if !during.Flags.Has(careflow.FlagNurseSummaryDone) || during.Version != 3 {
		t.Fatalf("expected optimistic projection during the call, got %+v", during)
	}
	if rec.Version != 3 {
		t.Fatalf("expected version 3, got %d", rec.Version)
	}
	got, _ := v.GetProjection("P-2")
	if got.Version != 3 || v.Cache().Speculative("P-2") {
		t.Fatalf("expected authoritative projection, got %+v", got)
	}
	if h := hints.list(); len(h) != 1 || h[0].PatientID != "P-2" {
		t.Fatalf("expected one transition hint, got %+v", h)
	}
}

func TestViewer_FailedTransitionRefetches(t *testing.T) {
	api := newFakeAPI()
	api.queue = []*careflow.PatientWorkflowRecord{record("P-4", 3, 3)}
	v := newTestViewer(t, careflow.RoleDoctor, api)
	v.Refresh(context.Background())

	// Someone else reset the notes meanwhile.
	api.set(func(f *fakeAPI) {
		f.records["P-4"] = record("P-4", 1, 4)
		f.transition = func(string, careflow.Action) (*careflow.PatientWorkflowRecord, error) {
			return nil, careflow.ErrConflict
		}
	})

	_, err := v.RequestTransition(context.Background(), "P-4", careflow.ActionApprove)
	if !errors.Is(err, careflow.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, _ := v.GetProjection("P-4")
	if got.Version != 4 || got.Flags.Has(careflow.FlagDoctorNotesDone) || v.Cache().Speculative("P-4") {
		t.Fatalf("expected refetched authoritative record, got %+v", got)
	}
	if len(v.Cache().Stale()) != 0 {
		t.Fatalf("expected no stale entries, got %v", v.Cache().Stale())
	}
}

func TestViewer_UnreachableKeepsLastAuthoritative(t *testing.T) {
	api := newFakeAPI()
	api.queue = []*careflow.PatientWorkflowRecord{record("P-1", 1, 1)}
	v := newTestViewer(t, careflow.RoleDoctor, api)
	v.Refresh(context.Background())

	api.set(func(f *fakeAPI) {
		f.fetchErr = careflow.ErrUnreachable
		f.queueErr = careflow.ErrUnreachable
		f.transition = func(string, careflow.Action) (*careflow.PatientWorkflowRecord, error) {
			return nil, careflow.ErrUnreachable
		}
	})

	if _, err := v.RequestTransition(context.Background(), "P-1", careflow.ActionDoctorComplete); !errors.Is(err, careflow.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	got, ok := v.GetProjection("P-1")
	if !ok || got.Flags.Has(careflow.FlagDoctorNotesDone) {
		t.Fatalf("expected last authoritative projection, got %+v", got)
	}
	if err := v.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh to fail")
	}
	if _, ok := v.GetProjection("P-1"); !ok {
		t.Fatal("a failed poll must not clear the projection")
	}

	api.set(func(f *fakeAPI) {
		f.queueErr = nil
		f.queue = []*careflow.PatientWorkflowRecord{record("P-1", 2, 2)}
	})
	if err := v.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	got, _ = v.GetProjection("P-1")
	if got.Version != 2 || len(v.Cache().Stale()) != 0 {
		t.Fatalf("expected authoritative version 2, got %+v", got)
	}
}

func TestViewer_LocallyDoneStillAsksServer(t *testing.T) {
	api := newFakeAPI()
	api.queue = []*careflow.PatientWorkflowRecord{record("P-3", 2, 2)}
	v := newTestViewer(t, careflow.RoleDoctor, api)
	v.Refresh(context.Background())

	called := false
	api.transition = func(id string, action careflow.Action) (*careflow.PatientWorkflowRecord, error) {
		called = true
		return nil, &careflow.Rejection{Reason: careflow.ReasonOutOfOrder, AlreadyApplied: true}
	}
	api.records["P-3"] = record("P-3", 2, 2)

	_, err := v.RequestTransition(context.Background(), "P-3", careflow.ActionDoctorComplete)
	if !called {
		t.Fatal("expected the server to decide")
	}
	if !careflow.IsAlreadyApplied(err) {
		t.Fatalf("expected already applied rejection, got %v", err)
	}
}

func TestViewer_RefetchDropsVanishedPatient(t *testing.T) {
	api := newFakeAPI()
	api.queue = []*careflow.PatientWorkflowRecord{record("P-5", 4, 4)}
	v := newTestViewer(t, careflow.RolePharmacist, api)
	v.Refresh(context.Background())

	api.transition = func(string, careflow.Action) (*careflow.PatientWorkflowRecord, error) {
		return nil, careflow.ErrNotFound
	}
	v.RequestTransition(context.Background(), "P-5", careflow.ActionDispense)

	if _, ok := v.GetProjection("P-5"); ok {
		t.Fatal("expected P-5 removed after not found")
	}
}

func TestViewer_NotificationsReadStateIsLocal(t *testing.T) {
	api := newFakeAPI()
	n1 := &careflow.NotificationRecord{ID: "n1", TargetRole: careflow.RoleDoctor, Type: careflow.NotifyNurseSummaryComplete, PatientID: "P-2", CreatedAt: testEpoch}
	api.notes = []*careflow.NotificationRecord{n1}

	a := newTestViewer(t, careflow.RoleDoctor, api)
	b := newTestViewer(t, careflow.RoleDoctor, api)
	var hints hintRecorder
	a.Subscribe(eventbus.Wildcard, hints.handle)

	if err := a.CheckIn(context.Background()); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	b.CheckIn(context.Background())
	if len(hints.list()) != 0 {
		t.Fatal("the first check-in must not raise hints")
	}

	n2 := &careflow.NotificationRecord{ID: "n2", TargetRole: careflow.RoleDoctor, Type: careflow.NotifyPatientRegistered, PatientID: "P-7", CreatedAt: testEpoch.Add(time.Minute)}
	api.set(func(f *fakeAPI) { f.notes = []*careflow.NotificationRecord{n2, n1} })
	a.CheckIn(context.Background())

	h := hints.list()
	if len(h) != 1 || h[0].Type != string(careflow.NotifyPatientRegistered) || h[0].PatientID != "P-7" {
		t.Fatalf("expected one hint for n2, got %+v", h)
	}

	all := a.Notifications()
	if len(all) != 2 || all[0].ID != "n2" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if !a.MarkRead("n2") || a.MarkRead("missing") {
		t.Fatal("unexpected MarkRead result")
	}
	if u := a.Unread(); len(u) != 1 || u[0].ID != "n1" {
		t.Fatalf("expected n1 unread, got %+v", u)
	}
	if u := b.Unread(); len(u) != 1 || u[0].ID != "n1" {
		t.Fatalf("read state leaked between viewing contexts: %+v", u)
	}
}

func TestViewer_HintPokesPoller(t *testing.T) {
	api := newFakeAPI()
	v := newTestViewer(t, careflow.RoleNurse, api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx) }()
	waitFor(t, func() bool { q, _ := api.calls(); return q == 1 })
	waitFor(t, func() bool { return !v.projection.Running() })

	api.set(func(f *fakeAPI) { f.queue = []*careflow.PatientWorkflowRecord{record("P-8", 2, 2)} })
	v.PublishLocal(string(careflow.NotifyDoctorNotesComplete), "P-8")

	waitFor(t, func() bool { _, ok := v.GetProjection("P-8"); return ok })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// startServer runs the workflow API and hint stream over an in-memory store.
func startServer(t *testing.T) (*httptest.Server, *careflow.Service, *websocket.Hub) {
	t.Helper()
	logger := zerolog.Nop()
	store := careflow.NewMemoryStore()
	bus := eventbus.NewBus(nil, logger)
	fanout := careflow.NewFanout(store, nil, bus, clock.RealClock{}, logger)
	gw := careflow.NewGateway(store, fanout, bus, clock.RealClock{}, 5*time.Second, logger)
	svc := careflow.NewService(store, gw, fanout, logger)

	hub := websocket.NewHub(logger)
	t.Cleanup(hub.Relay(bus))

	e := echo.New()
	e.Use(auth.DevAuthMiddleware())
	careflow.NewHandler(svc, logger).RegisterRoutes(e.Group("/api/v1"))
	websocket.NewWebSocketHandler(hub, logger).RegisterRoutes(e.Group(""))

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, svc, hub
}

func startSession(t *testing.T, ctx context.Context, baseURL string, role careflow.Role) *ViewingContext {
	t.Helper()
	logger := zerolog.Nop()
	client := NewClient(ClientConfig{BaseURL: baseURL, Role: role, DevAuth: true})
	wsURL, err := client.WebSocketURL(websocket.TopicWorkflow)
	if err != nil {
		t.Fatalf("WebSocketURL: %v", err)
	}
	bus := eventbus.NewBus(NewStream(wsURL, nil, logger), logger)
	v := New(Config{Role: role}, client, bus, testingclock.NewFakeClock(testEpoch), logger)
	go v.Run(ctx)
	return v
}

// Two sessions share a patient; a doctor's transition reaches the nurse's
// projection through the hint stream while the nurse's poll clock stands
// still.
func TestViewer_CrossSessionHintRefreshesOtherViewer(t *testing.T) {
	srv, svc, hub := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := svc.RegisterPatient(ctx, "P-2", careflow.RoleReceptionist); err != nil {
		t.Fatalf("RegisterPatient: %v", err)
	}

	nurse := startSession(t, ctx, srv.URL, careflow.RoleNurse)
	doctor := startSession(t, ctx, srv.URL, careflow.RoleDoctor)
	waitFor(t, func() bool { return hub.ClientCount() == 2 })
	waitFor(t, func() bool { _, ok := doctor.GetProjection("P-2"); return ok })
	if _, ok := nurse.GetProjection("P-2"); ok {
		t.Fatal("P-2 is not in the nurse queue before doctor notes")
	}

	rec, err := doctor.RequestTransition(ctx, "P-2", careflow.ActionDoctorComplete)
	if err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}
	if !rec.Flags.Has(careflow.FlagDoctorNotesDone) {
		t.Fatalf("expected doctor_notes_done, got %+v", rec.Flags)
	}

	waitFor(t, func() bool {
		got, ok := nurse.GetProjection("P-2")
		return ok && got.Flags.Has(careflow.FlagDoctorNotesDone)
	})

	nurse.CheckIn(ctx)
	notes := nurse.Notifications()
	if len(notes) != 1 || notes[0].Type != careflow.NotifyDoctorNotesComplete || notes[0].PatientID != "P-2" {
		t.Fatalf("expected one doctor.notes_complete notification, got %+v", notes)
	}
}

func TestViewer_RepeatedTransitionIsRejectedOnce(t *testing.T) {
	srv, svc, _ := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.RegisterPatient(ctx, "P-1", careflow.RoleReceptionist)

	client := NewClient(ClientConfig{BaseURL: srv.URL, Role: careflow.RoleDoctor, DevAuth: true})
	v := New(Config{Role: careflow.RoleDoctor}, client, eventbus.NewBus(nil, zerolog.Nop()),
		testingclock.NewFakeClock(testEpoch), zerolog.Nop())
	v.Refresh(ctx)

	if _, err := v.RequestTransition(ctx, "P-1", careflow.ActionDoctorComplete); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	_, err := v.RequestTransition(ctx, "P-1", careflow.ActionDoctorComplete)
	if !errors.Is(err, careflow.ErrOutOfOrder) || !careflow.IsAlreadyApplied(err) {
		t.Fatalf("expected already applied, got %v", err)
	}
	got, _ := v.GetProjection("P-1")
	if got.Version != 2 {
		t.Fatalf("expected exactly one flip (version 2), got %d", got.Version)
	}

	_, err = v.RequestTransition(ctx, "P-1", careflow.ActionDispense)
	if !errors.Is(err, careflow.ErrWrongRole) {
		t.Fatalf("expected ErrWrongRole, got %v", err)
	}
}

package viewer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ehr/careflow/internal/domain/careflow"
)

var testEpoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// record builds a record at version with the first n flags set.
func record(id string, n int, version int64) *careflow.PatientWorkflowRecord {
	rec := careflow.NewRecord(id, testEpoch)
	for i := 0; i < n; i++ {
		rec.Flags = rec.Flags.With(careflow.Flag(i))
	}
	rec.Version = version
	return rec
}

// fakeAPI is an in-memory API with injectable behaviour.
type fakeAPI struct {
	mu         sync.Mutex
	queue      []*careflow.PatientWorkflowRecord
	queueErr   error
	queueCalls int
	records    map[string]*careflow.PatientWorkflowRecord
	fetchErr   error
	fetchCalls int
	notes      []*careflow.NotificationRecord
	notesErr   error
	transition func(id string, action careflow.Action) (*careflow.PatientWorkflowRecord, error)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{records: make(map[string]*careflow.PatientWorkflowRecord)}
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) FetchQueue(context.Context, bool) ([]*careflow.PatientWorkflowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueCalls++
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	out := make([]*careflow.PatientWorkflowRecord, len(f.queue))
	for i, r := range f.queue {
		out[i] = r.Clone()
	}
	return out, nil
}

func (f *fakeAPI) Fetch(_ context.Context, id string) (*careflow.PatientWorkflowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, careflow.ErrNotFound
	}
	return rec.Clone(), nil
}

func (f *fakeAPI) Transition(_ context.Context, id string, action careflow.Action) (*careflow.PatientWorkflowRecord, error) {
	f.mu.Lock()
	fn := f.transition
	f.mu.Unlock()
	return fn(id, action)
}

func (f *fakeAPI) Notifications(context.Context, int) ([]*careflow.NotificationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notesErr != nil {
		return nil, f.notesErr
	}
	out := make([]*careflow.NotificationRecord, len(f.notes))
	copy(out, f.notes)
	return out, nil
}

func (f *fakeAPI) calls() (queue, fetch int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queueCalls, f.fetchCalls
}

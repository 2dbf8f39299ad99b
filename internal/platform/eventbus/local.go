package eventbus

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/platform/metrics"
)

type subscription struct {
	id      uint64
	handler Handler
}

// Local is a synchronous in-process publish/subscribe channel keyed by event
// type. A panicking handler is recovered and the remaining handlers still run.
type Local struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64
	logger zerolog.Logger
}

func NewLocal(logger zerolog.Logger) *Local {
	return &Local{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers h for events of type typ, or every type for Wildcard.
// The returned function removes the subscription and is safe to call twice.
func (l *Local) Subscribe(typ string, h Handler) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs[typ] = append(l.subs[typ], subscription{id: id, handler: h})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.unsubscribe(typ, id) })
	}
}

func (l *Local) unsubscribe(typ string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	subs := l.subs[typ]
	for i, s := range subs {
		if s.id == id {
			l.subs[typ] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(l.subs[typ]) == 0 {
		delete(l.subs, typ)
	}
}

// Publish calls every matching handler on the caller's goroutine.
func (l *Local) Publish(e Event) {
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.subs[e.Type])+len(l.subs[Wildcard]))
	for _, s := range l.subs[e.Type] {
		handlers = append(handlers, s.handler)
	}
	if e.Type != Wildcard {
		for _, s := range l.subs[Wildcard] {
			handlers = append(handlers, s.handler)
		}
	}
	l.mu.RUnlock()

	metrics.Events.WithLabelValues("local", "out").Inc()
	for _, h := range handlers {
		l.call(h, e)
	}
}

func (l *Local) call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().
				Interface("panic", r).
				Str("type", e.Type).
				Str("patient_id", e.PatientID).
				Msg("event handler panicked")
		}
	}()
	h(e)
}

// SubscriberCount returns the number of handlers registered for typ.
func (l *Local) SubscriberCount(typ string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.subs[typ])
}

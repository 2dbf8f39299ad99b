package eventbus

import (
	"context"
	"sync"

	"github.com/ehr/careflow/internal/platform/metrics"
)

// MemoryChannel is a same-process Broadcaster. Each listener has a bounded
// buffer; an event is dropped for a listener whose buffer is full.
type MemoryChannel struct {
	mu        sync.Mutex
	listeners map[int]chan Event
	nextID    int
	buffer    int
}

func NewMemoryChannel(buffer int) *MemoryChannel {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryChannel{listeners: make(map[int]chan Event), buffer: buffer}
}

func (m *MemoryChannel) Broadcast(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.listeners {
		select {
		case ch <- e:
		default:
			metrics.Events.WithLabelValues("memory", "dropped").Inc()
		}
	}
	return nil
}

func (m *MemoryChannel) Listen(ctx context.Context, fn func(Event)) error {
	ch := make(chan Event, m.buffer)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = ch
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-ch:
			fn(e)
		}
	}
}

// ListenerCount returns the number of active listeners.
func (m *MemoryChannel) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

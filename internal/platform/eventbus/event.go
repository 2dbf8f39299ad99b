// Package eventbus carries workflow change hints between components of one
// process and between sessions. Delivery is best effort and at most once;
// receivers treat every event as a prompt to refetch, never as state.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// DefaultChannel is the cross-session channel name.
const DefaultChannel = "careflow-workflow"

// Event is a hint that a patient's workflow changed.
type Event struct {
	Type      string `json:"type"`
	PatientID string `json:"patient_id,omitempty"`
	// Origin identifies the publishing bus so it can drop its own echoes.
	Origin string `json:"origin,omitempty"`
}

type Handler func(Event)

// Broadcaster is a cross-session channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, e Event) error
	// Listen delivers events to fn until ctx is done or the channel fails.
	Listen(ctx context.Context, fn func(Event)) error
}

func encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

func decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	return e, nil
}

// Package websocket streams workflow change hints to connected sessions.
// Sessions subscribe to topics and receive the event bus hints published on
// them; a session may also publish a hint that the server relays to every
// other session.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careflow/internal/platform/auth"
	"github.com/ehr/careflow/internal/platform/eventbus"
	"github.com/ehr/careflow/internal/platform/metrics"
)

// TopicWorkflow carries every workflow hint.
const TopicWorkflow = "workflow"

// TopicForPatient returns the topic that carries hints for one patient.
func TopicForPatient(patientID string) string {
	return "patient/" + patientID
}

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
	sendBuffer   = 256
)

// Frame is one hint as delivered to a session.
type Frame struct {
	Topic string `json:"topic"`
	eventbus.Event
	SentAt time.Time `json:"sent_at"`
}

// ClientMessage is an inbound message from a session.
type ClientMessage struct {
	Action string          `json:"action"`
	Topics []string        `json:"topics,omitempty"`
	Event  *eventbus.Event `json:"event,omitempty"`
}

// Publisher accepts hints published by sessions.
type Publisher interface {
	Publish(ctx context.Context, e eventbus.Event)
}

// Client is a single session connection.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte
}

// Hub tracks sessions and their topic subscriptions. All methods are safe
// for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}

	inbound Publisher
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Relay forwards every hint on bus to subscribed sessions and routes hints
// published by sessions into bus. The returned func detaches the hub.
func (h *Hub) Relay(bus *eventbus.Bus) func() {
	h.mu.Lock()
	h.inbound = bus
	h.mu.Unlock()

	unsubscribe := bus.Subscribe(eventbus.Wildcard, h.Forward)
	return func() {
		unsubscribe()
		h.mu.Lock()
		h.inbound = nil
		h.mu.Unlock()
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; ok {
		return
	}
	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.add(topic, client)
	}
	metrics.Sessions.Inc()
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.remove(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
	metrics.Sessions.Dec()
}

func (h *Hub) add(topic string, client *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) remove(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Subscribe adds topics to a registered client. Topics it already holds are
// ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if topic == "" || contains(client.Topics, topic) {
			continue
		}
		h.add(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		h.remove(topic, client)
	}
	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if !contains(topics, t) {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ProcessMessage handles an inbound message from client.
func (h *Hub) ProcessMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	case "publish":
		if msg.Event == nil || msg.Event.Type == "" {
			return
		}
		h.mu.RLock()
		inbound := h.inbound
		h.mu.RUnlock()
		if inbound == nil {
			// Without a bus the hint only reaches this hub's sessions.
			h.Forward(*msg.Event)
			return
		}
		metrics.Events.WithLabelValues("ws", "in").Inc()
		inbound.Publish(ctx, *msg.Event)
	default:
		h.logger.Debug().Str("client_id", client.ID).Str("action", msg.Action).Msg("ignoring unknown action")
	}
}

// Forward delivers e once to every session subscribed to the workflow topic
// or to the patient's topic.
func (h *Hub) Forward(e eventbus.Event) {
	topics := []string{TopicWorkflow}
	if e.PatientID != "" {
		topics = append(topics, TopicForPatient(e.PatientID))
	}
	h.deliver(e, topics)
}

// Broadcast sends e to the sessions subscribed to topic.
func (h *Hub) Broadcast(topic string, e eventbus.Event) {
	h.deliver(e, []string{topic})
}

func (h *Hub) deliver(e eventbus.Event, topics []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[*Client]struct{})
	for _, topic := range topics {
		subscribers, ok := h.clients[topic]
		if !ok {
			continue
		}
		data, err := json.Marshal(Frame{Topic: topic, Event: e, SentAt: time.Now().UTC()})
		if err != nil {
			h.logger.Error().Err(err).Str("type", e.Type).Msg("failed to marshal frame")
			return
		}
		for client := range subscribers {
			if _, dup := seen[client]; dup {
				continue
			}
			seen[client] = struct{}{}
			select {
			case client.Send <- data:
				metrics.Events.WithLabelValues("ws", "out").Inc()
			default:
				metrics.Events.WithLabelValues("ws", "dropped").Inc()
			}
		}
	}
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of sessions subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades HTTP requests and pumps frames for a Hub.
type WebSocketHandler struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logger}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the connection and subscribes the session to the
// comma-separated topics query parameter, or to the workflow topic when none
// are given.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	topics := []string{TopicWorkflow}
	if raw := c.QueryParam("topics"); raw != "" {
		topics = topics[:0]
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: auth.UserIDFromContext(c.Request().Context()),
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
	}
	wsh.hub.Register(client)
	wsh.logger.Debug().Str("client_id", client.ID).Str("user_id", client.UserID).
		Strs("topics", topics).Msg("session connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(context.WithoutCancel(c.Request().Context()), client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.logger.Debug().Str("client_id", client.ID).Msg("session closed")
	}()

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				wsh.logger.Warn().Err(err).Str("client_id", client.ID).Msg("session read failed")
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(ctx, client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

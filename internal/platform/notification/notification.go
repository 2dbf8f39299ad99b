// Package notification renders workflow notifications from templates and
// delivers them to role-addressed outbound channels with retry.
package notification

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Delivery statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// Message is one outbound delivery to the members of a role.
type Message struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Recipient  string     `json:"recipient"`
	PatientID  string     `json:"patient_id,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	Body       string     `json:"body"`
	TemplateID string     `json:"template_id,omitempty"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// Sender hands a message to an outbound channel.
type Sender interface {
	Send(ctx context.Context, m *Message) error
}

// LogSender writes messages to the log. It is the default when no broker is
// configured.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Send(_ context.Context, m *Message) error {
	s.Logger.Info().
		Str("notification_id", m.ID).
		Str("type", m.Type).
		Str("recipient", m.Recipient).
		Str("patient_id", m.PatientID).
		Msg(m.Body)
	return nil
}

// MockSender is a test double for Sender.
type MockSender struct {
	mu         sync.Mutex
	calls      []Message
	ShouldFail bool
	FailError  string
}

func (m *MockSender) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, *msg)
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

func (m *MockSender) SetFailing(fail bool) {
	m.mu.Lock()
	m.ShouldFail = fail
	m.mu.Unlock()
}

// Calls returns a copy of recorded calls.
func (m *MockSender) Calls() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template. ID is the workflow
// notification type it renders.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the workflow templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "reception.patient_registered",
			Name:    "Patient Registered",
			Subject: "New patient registered",
			Body:    "Patient {{patient_id}} has been registered and is waiting for a doctor.",
		},
		{
			ID:      "doctor.notes_complete",
			Name:    "Doctor Notes Complete",
			Subject: "Doctor notes ready",
			Body:    "Doctor notes for patient {{patient_id}} are complete. A nurse summary is needed.",
		},
		{
			ID:      "nurse.summary_complete",
			Name:    "Nurse Summary Complete",
			Subject: "Nurse summary ready",
			Body:    "The nurse summary for patient {{patient_id}} is complete and awaits doctor approval.",
		},
		{
			ID:      "doctor.approval_complete",
			Name:    "Prescription Approved",
			Subject: "Prescription approved",
			Body:    "The prescription for patient {{patient_id}} is approved and ready to dispense.",
		},
		{
			ID:      "pharmacy.dispensed",
			Name:    "Medicine Dispensed",
			Subject: "Medicine dispensed",
			Body:    "Medicine for patient {{patient_id}} has been dispensed.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

// Dispatcher delivers messages through a Sender and keeps their delivery state
// so failures can be retried.
type Dispatcher struct {
	sender    Sender
	templates *TemplateEngine
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	messages map[string]*Message
}

func NewDispatcher(sender Sender, tpl *TemplateEngine, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:    sender,
		templates: tpl,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		messages:  make(map[string]*Message),
	}
}

func (d *Dispatcher) Templates() *TemplateEngine { return d.templates }

// Deliver sends m. A message whose ID was already delivered is not sent again.
func (d *Dispatcher) Deliver(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}

	d.mu.Lock()
	if prev, ok := d.messages[m.ID]; ok {
		if prev.Status == StatusSent || prev.Status == StatusPending {
			d.mu.Unlock()
			return nil
		}
		m = prev
	} else {
		m.CreatedAt = d.now()
		d.messages[m.ID] = m
	}
	m.Status = StatusPending
	d.mu.Unlock()

	return d.send(ctx, m)
}

func (d *Dispatcher) send(ctx context.Context, m *Message) error {
	err := d.sender.Send(ctx, m)

	d.mu.Lock()
	defer d.mu.Unlock()
	m.Attempts++
	if err != nil {
		m.Status = StatusFailed
		m.Error = err.Error()
		return err
	}
	m.Status = StatusSent
	m.Error = ""
	sentAt := d.now()
	m.SentAt = &sentAt
	return nil
}

// DeliverTemplate renders templateID and delivers the result to recipient.
func (d *Dispatcher) DeliverTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Message, error) {
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	m := &Message{
		Type:       templateID,
		Recipient:  recipient,
		PatientID:  data["patient_id"],
		Subject:    subject,
		Body:       body,
		TemplateID: templateID,
	}
	return m, d.Deliver(ctx, m)
}

func (d *Dispatcher) Get(id string) (*Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.messages[id]
	if !ok {
		return nil, fmt.Errorf("notification %q not found", id)
	}
	cp := *m
	return &cp, nil
}

// ListByRecipient returns the newest messages for recipient, up to limit.
func (d *Dispatcher) ListByRecipient(recipient string, limit int) []*Message {
	d.mu.RLock()
	var out []*Message
	for _, m := range d.messages {
		if m.Recipient == recipient {
			cp := *m
			out = append(out, &cp)
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry re-sends a failed message.
func (d *Dispatcher) Retry(ctx context.Context, id string) error {
	d.mu.Lock()
	m, ok := d.messages[id]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("notification %q not found", id)
	}
	if m.Status != StatusFailed {
		status := m.Status
		d.mu.Unlock()
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, status)
	}
	m.Status = StatusPending
	d.mu.Unlock()

	return d.send(ctx, m)
}

// RetryFailed re-sends every failed message and returns how many went out.
func (d *Dispatcher) RetryFailed(ctx context.Context) int {
	d.mu.RLock()
	var ids []string
	for id, m := range d.messages {
		if m.Status == StatusFailed {
			ids = append(ids, id)
		}
	}
	d.mu.RUnlock()

	sent := 0
	for _, id := range ids {
		if err := d.Retry(ctx, id); err != nil {
			d.logger.Warn().Err(err).Str("notification_id", id).Msg("notification delivery retry failed")
			continue
		}
		sent++
	}
	return sent
}

// Prune forgets delivered messages older than cutoff.
func (d *Dispatcher) Prune(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, m := range d.messages {
		if m.Status == StatusSent && m.CreatedAt.Before(cutoff) {
			delete(d.messages, id)
			n++
		}
	}
	return n
}

// Stats returns counts of messages grouped by status.
func (d *Dispatcher) Stats() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := make(map[string]int)
	for _, m := range d.messages {
		stats[m.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes delivery state over HTTP.
type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

// RegisterRoutes registers delivery routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/deliveries/stats", h.HandleStats)
	g.GET("/deliveries/:id", h.HandleGet)
	g.GET("/deliveries", h.HandleList)
	g.POST("/deliveries/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleGet(c echo.Context) error {
	m, err := h.dispatcher.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, m)
}

// HandleList handles GET /deliveries?recipient=...
func (h *Handler) HandleList(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "recipient query parameter is required"})
	}
	return c.JSON(http.StatusOK, h.dispatcher.ListByRecipient(recipient, 100))
}

func (h *Handler) HandleRetry(c echo.Context) error {
	id := c.Param("id")
	if err := h.dispatcher.Retry(c.Request().Context(), id); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	m, _ := h.dispatcher.Get(id)
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}

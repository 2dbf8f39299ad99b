// Package metrics holds the prometheus collectors shared by the workflow
// server and viewing contexts.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	action    = "action"
	outcome   = "outcome"
	kind      = "type"
	channel   = "channel"
	direction = "direction"
	poller    = "poller"
)

var (
	// Transitions counts submitted transitions by action and outcome code.
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careflow_transitions_total",
		Help: "Transition requests handled by the gateway",
	}, []string{action, outcome})

	// TransitionLatency is the time from submit to the durable write plus fanout.
	TransitionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "careflow_transition_latency_seconds",
		Help:    "Gateway submit latency in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{action})

	// Notifications counts fanout records by notification type and outcome.
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careflow_notifications_total",
		Help: "Notification records produced by fanout",
	}, []string{kind, outcome})

	// PendingFanouts is the number of claimed but incomplete fanouts seen by the last sweep.
	PendingFanouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "careflow_fanout_pending",
		Help: "Fanouts awaiting retry at the last sweep",
	})

	// Polls counts poller runs by outcome (ok, error, skipped).
	Polls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careflow_polls_total",
		Help: "Consistency poller runs",
	}, []string{poller, outcome})

	// Events counts event bus traffic per channel (local, remote) and direction.
	Events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "careflow_events_total",
		Help: "Event bus messages",
	}, []string{channel, direction})

	// Sessions is the number of connected websocket sessions.
	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "careflow_ws_sessions",
		Help: "Connected websocket sessions",
	})
)

func init() {
	prometheus.MustRegister(
		Transitions,
		TransitionLatency,
		Notifications,
		PendingFanouts,
		Polls,
		Events,
		Sessions,
	)
}

func Reset() {
	Transitions.Reset()
	TransitionLatency.Reset()
	Notifications.Reset()
	PendingFanouts.Set(0)
	Polls.Reset()
	Events.Reset()
	Sessions.Set(0)
}

package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket Metrics
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pairline_ws_connections_active",
		Help: "The current number of open WebSocket connections.",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairline_ws_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_ws_frames_received_total",
		Help: "Frames received from clients, by event.",
	}, []string{"event"})
	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairline_ws_frames_dropped_total",
		Help: "Outbound frames dropped because the connection was gone or too slow.",
	})
	ProtocolErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_protocol_errors_total",
		Help: "Client events rejected as malformed or out of sequence, by event.",
	}, []string{"event"})

	// Call Metrics
	CallTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_call_transitions_total",
		Help: "Call session state transitions, by target state and reason.",
	}, []string{"state", "reason"})
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_gate_decisions_total",
		Help: "Capability checks, by capability and outcome.",
	}, []string{"capability", "outcome"})

	// Chat Metrics
	ChatRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairline_chat_relayed_total",
		Help: "Chat messages accepted for relay.",
	})
	ChatPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairline_chat_persist_failures_total",
		Help: "Chat messages that could not be written to the store.",
	})

	// Notification Metrics
	NotificationsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_notifications_published_total",
		Help: "Notifications stored, by kind.",
	}, []string{"kind"})
	NotificationsMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairline_notifications_missed_total",
		Help: "Stored notifications that could not be pushed to an online recipient.",
	})

	// Auth Metrics
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pairline_auth_failures_total",
		Help: "Rejected join or API tokens, by reason.",
	}, []string{"reason"})

	WordlistReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pairline_sanitizer_reloads_total",
		Help: "Successful hot reloads of the blocked word list.",
	})
)

// RegisterOnlineUsers exposes fn as the online user gauge. Registering again
// keeps the first function.
func RegisterOnlineUsers(fn func() int) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pairline_users_online",
		Help: "Users with at least one open connection.",
	}, func() float64 { return float64(fn()) })
	if err := prometheus.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			panic(err)
		}
	}
}

// Outcome labels a boolean result.
func Outcome(ok bool) string {
	if ok {
		return "allowed"
	}
	return "denied"
}

func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Realtime transport
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "signaling_connections_active",
		Help: "The current number of live realtime connections.",
	})
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_connections_total",
		Help: "The total number of realtime connections accepted.",
	})
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_events_received_total",
		Help: "Inbound events by name.",
	}, []string{"event"})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_events_dropped_total",
		Help: "Inbound events discarded because a precondition did not hold.",
	}, []string{"event", "reason"})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signaling_send_failures_total",
		Help: "Outbound frames that could not be queued for a connection.",
	})

	// Presence
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_online_users",
		Help: "Users currently present in the registry.",
	})

	// Calls
	CallsInitiated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calls_initiated_total",
		Help: "Call attempts that reached the ringing state.",
	})
	CallsAnswered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calls_answered_total",
		Help: "Call attempts that became active.",
	})
	CallOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calls_outcomes_total",
		Help: "Terminal call outcomes by persisted status.",
	}, []string{"outcome"})
	RelayedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_relayed_messages_total",
		Help: "Negotiation messages by kind and delivery result.",
	}, []string{"kind", "result"})

	// Persistence
	HistoryWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_history_write_failures_total",
		Help: "Call history rows that could not be persisted.",
	})
	HistoryQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_history_queue_dropped_total",
		Help: "Call outcomes not persisted because the write queue was full.",
	})
	HistoryPublishFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_history_publish_failures_total",
		Help: "Call history rows that could not be published to the event stream.",
	})
)

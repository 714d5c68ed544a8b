package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peermeet_active_rooms",
		Help: "Number of rooms with at least one participant",
	})

	ActiveParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peermeet_active_participants",
		Help: "Number of room participants across all rooms",
	})

	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "peermeet_active_connections",
		Help: "Number of open signaling connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermeet_connections_total",
		Help: "Total signaling connections accepted",
	})

	SignalingMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermeet_signaling_messages_total",
		Help: "Signaling messages handled by the relay",
	}, []string{"type"})

	DroppedMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermeet_dropped_messages_total",
		Help: "Signaling messages dropped by the relay",
	}, []string{"reason"})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermeet_rate_limited_total",
		Help: "Inbound signaling messages rejected by the rate limiter",
	})

	// Negotiation
	NegotiationCollisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermeet_negotiation_collisions_total",
		Help: "Offer collisions by outcome (ignored by impolite side, rolled back by polite side)",
	}, []string{"outcome"})

	ProtocolViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermeet_protocol_violations_total",
		Help: "Negotiation messages received in a state that cannot accept them",
	}, []string{"kind"})

	ICERestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermeet_ice_restarts_total",
		Help: "Total number of ICE restarts",
	})

	LinkStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "peermeet_link_status_transitions_total",
		Help: "Peer link status transitions by target status",
	}, []string{"status"})

	NegotiationStallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermeet_negotiation_stalls_total",
		Help: "Local offers left unanswered past the negotiation timeout",
	})

	// Redis health
	RedisLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "peermeet_redis_latency_ms",
		Help:    "Redis operation latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50},
	})

	RedisErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "peermeet_redis_errors_total",
		Help: "Total Redis errors",
	})
)

// Helper functions

func RecordMessage(msgType string) {
	SignalingMessagesTotal.WithLabelValues(msgType).Inc()
}

func RecordDrop(reason string) {
	DroppedMessagesTotal.WithLabelValues(reason).Inc()
}

func RecordCollision(outcome string) {
	NegotiationCollisionsTotal.WithLabelValues(outcome).Inc()
}

func RecordProtocolViolation(kind string) {
	ProtocolViolationsTotal.WithLabelValues(kind).Inc()
}

func RecordICERestart() {
	ICERestartsTotal.Inc()
}

func RecordLinkStatus(status string) {
	LinkStatusTransitionsTotal.WithLabelValues(status).Inc()
}

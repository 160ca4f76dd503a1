package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meet_active_rooms",
		Help: "Number of rooms with a live routing context",
	})

	ActiveParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meet_active_participants",
		Help: "Number of participants across all rooms",
	})

	ActiveSignalConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meet_active_signal_connections",
		Help: "Number of open signaling WebSocket connections",
	})

	MediaObjectsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_media_objects_created_total",
		Help: "Total number of media engine objects created",
	}, []string{"type"}) // "transport" | "producer" | "consumer"

	SignalMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_signal_messages_total",
		Help: "Total signaling messages",
	}, []string{"type", "direction"}) // direction: "in" | "out"

	RequestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_request_errors_total",
		Help: "Signaling requests answered with an error",
	}, []string{"type", "code"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meet_request_duration_seconds",
		Help:    "Time to answer a signaling request",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
	}, []string{"type"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_events_dropped_total",
		Help: "Push events dropped because the receiver was slow or gone",
	}, []string{"type"})

	RelayPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meet_relay_packets_total",
		Help: "RTP packets handled by producer relays",
	}, []string{"direction"}) // "received" | "forwarded"

	KeyframeRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meet_keyframe_requests_total",
		Help: "PLI packets sent towards publishers",
	})
)

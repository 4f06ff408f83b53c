package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the room coordinator service.
//
// Naming convention: namespace_subsystem_name
// - namespace: burrow (application-level grouping)
// - subsystem: websocket, room, store, blob (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (sessions, rooms, pending destructions)
// - Counter: cumulative events (messages, rate-limited frames, errors)
// - Histogram: latency distributions (broadcast fan-out, store writes)

var (
	// ActiveSessions tracks the current number of live WebSocket sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "websocket",
		Name:      "sessions_active",
		Help:      "Current number of active WebSocket sessions",
	})

	// ActiveRooms tracks the current number of resident room coordinators.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of resident rooms",
	})

	// RoomSessions tracks ready sessions per room.
	RoomSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "room",
		Name:      "sessions_count",
		Help:      "Number of ready sessions in each room",
	}, []string{"room_id"})

	// MessagesIngested counts accepted inbound message frames.
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "room",
		Name:      "messages_total",
		Help:      "Total message frames accepted and broadcast",
	}, []string{"kind"})

	// FramesRejected counts inbound frames dropped before broadcast.
	FramesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "websocket",
		Name:      "frames_rejected_total",
		Help:      "Inbound frames rejected before broadcast",
	}, []string{"reason"})

	// BroadcastDuration tracks fan-out time per broadcast pass.
	BroadcastDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "burrow",
		Subsystem: "room",
		Name:      "broadcast_seconds",
		Help:      "Time spent fanning one frame out to all ready sessions",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	// StoreWriteDuration tracks persistence latency on the ingress path.
	StoreWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "burrow",
		Subsystem: "store",
		Name:      "write_seconds",
		Help:      "Time spent persisting one message",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
	})

	// PendingDestructions tracks rooms with a scheduled self-destruction.
	PendingDestructions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "room",
		Name:      "destructions_pending",
		Help:      "Rooms with an armed destruction timer",
	})

	// RoomsDestroyed counts completed destructions.
	RoomsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "room",
		Name:      "destroyed_total",
		Help:      "Total rooms destroyed",
	})

	// BlobOperations counts blob store round trips by operation and status.
	BlobOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "blob",
		Name:      "operations_total",
		Help:      "Blob store operations",
	}, []string{"op", "status"})

	// RateLimitExceeded counts requests and frames rejected by a limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Requests or frames rejected by rate limiting",
	}, []string{"surface", "limit_type"})

	// RateLimitRequests counts requests that passed a limiter check.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Requests checked by rate limiting",
	}, []string{"surface"})

	// CircuitBreakerState reports breaker state per dependency
	// (0=closed, 1=open, 2=half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "burrow",
		Subsystem: "blob",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts operations dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "burrow",
		Subsystem: "blob",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"dependency"})
)

func IncSession() {
	ActiveSessions.Inc()
}

func DecSession() {
	ActiveSessions.Dec()
}

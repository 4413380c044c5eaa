// Package metrics declares the process's Prometheus metrics.
//
// Naming convention: namespace_subsystem_name
//   - namespace: rhythm_session (application-level grouping)
//   - subsystem: transport, room, engine, wire, federation, circuit_breaker, rate_limit, admin, banstore (feature grouping)
//   - name: specific metric
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks current raw-TCP connections held by the transport.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rhythm_session",
		Subsystem: "transport",
		Name:      "connections_active",
		Help:      "Current number of active TCP connections",
	})

	// AuthenticatedSessions tracks sessions that completed authentication.
	AuthenticatedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rhythm_session",
		Subsystem: "transport",
		Name:      "sessions_authenticated",
		Help:      "Current number of authenticated sessions",
	})

	// ActiveRooms tracks the current number of active rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rhythm_session",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks the number of players in a room, keyed by room id.
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rhythm_session",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of players in each room",
	}, []string{"room_id"})

	// CommandsTotal counts client commands processed by the protocol engine.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rhythm_session",
		Subsystem: "engine",
		Name:      "commands_total",
		Help:      "Total client commands processed",
	}, []string{"command", "status"})

	// CommandProcessingDuration tracks handler latency per command.
	CommandProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rhythm_session",
		Subsystem: "engine",
		Name:      "command_duration_seconds",
		Help:      "Time spent handling a client command",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"command"})

	// CodecDecodeErrors counts malformed frames rejected by the wire codec.
	CodecDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rhythm_session",
		Subsystem: "wire",
		Name:      "decode_errors_total",
		Help:      "Total frames rejected by the codec",
	}, []string{"reason"})

	// FederationPeerState reports each peer's last observed health: 0 offline, 1 online, 2 suspect.
	FederationPeerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rhythm_session",
		Subsystem: "federation",
		Name:      "peer_state",
		Help:      "Last observed state of a federation peer (0=offline,1=online,2=suspect)",
	}, []string{"peer_id"})

	// CircuitBreakerState tracks circuit breaker states: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rhythm_session",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of a circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected while a breaker is open.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rhythm_session",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by a circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded counts requests rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rhythm_session",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests counts requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rhythm_session",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// AdminLockouts counts IPs locked out after repeated failed admin logins.
	AdminLockouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rhythm_session",
		Subsystem: "admin",
		Name:      "lockouts_total",
		Help:      "Total admin login lockouts triggered",
	})

	// BanStoreOperations counts ban-store lookups and mutations by outcome.
	BanStoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rhythm_session",
		Subsystem: "banstore",
		Name:      "operations_total",
		Help:      "Total ban-store operations",
	}, []string{"operation", "status"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}

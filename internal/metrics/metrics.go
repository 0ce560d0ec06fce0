package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starkeeper",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of game-server start sequences begun.",
		}, []string{"id"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starkeeper",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of game-server stop sequences (graceful or kill).",
		}, []string{"id"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starkeeper",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of transitions between lifecycle states.",
		}, []string{"id", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "starkeeper",
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current lifecycle state per server (1 = active state, 0 = inactive).",
		}, []string{"id", "state"},
	)
	playersOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "starkeeper",
			Subsystem: "players",
			Name:      "online",
			Help:      "Players currently in game per server.",
		}, []string{"id"},
	)
	rconRoundTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starkeeper",
			Subsystem: "rcon",
			Name:      "round_trips_total",
			Help:      "Completed RCON update round trips.",
		}, []string{"addr"},
	)
	rconFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "starkeeper",
			Subsystem: "rcon",
			Name:      "failures_total",
			Help:      "Failed RCON update attempts (write error or timeout).",
		}, []string{"addr"},
	)
	registryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "starkeeper",
			Subsystem: "registry",
			Name:      "query_failures_total",
			Help:      "Failed matchmaking registry snapshot queries.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverStarts, serverStops, stateTransitions, currentStates, playersOnline, rconRoundTrips, rconFailures, registryFailures}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(id string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(id).Inc()
	}
}

func IncStop(id string) {
	if regOK.Load() {
		serverStops.WithLabelValues(id).Inc()
	}
}

func RecordStateTransition(id, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(id, from, to).Inc()
	}
}

func SetCurrentState(id, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(id, state).Set(value)
	}
}

func SetPlayersOnline(id string, n int) {
	if regOK.Load() {
		playersOnline.WithLabelValues(id).Set(float64(n))
	}
}

func IncRCONRoundTrip(addr string) {
	if regOK.Load() {
		rconRoundTrips.WithLabelValues(addr).Inc()
	}
}

func IncRCONFailure(addr string) {
	if regOK.Load() {
		rconFailures.WithLabelValues(addr).Inc()
	}
}

func IncRegistryFailure() {
	if regOK.Load() {
		registryFailures.Inc()
	}
}

package prom

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "whistle_coordinator"

	statsSubsystem = "stats"
)

var (
	metrics bool

	reportsIngested  prometheus.Counter
	queriesBilled    prometheus.Counter
	requestsAssigned prometheus.Counter
	dispatchTimeouts prometheus.Counter

	connectedBrowserNodes prometheus.Gauge
)

func Init() {
	metrics = true

	reportsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: statsSubsystem,
		Name:      "reports_ingested",
		Help:      "Number of metrics reports ingested",
	})

	queriesBilled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: statsSubsystem,
		Name:      "queries_billed",
		Help:      "Number of queries debited against user credit",
	})

	requestsAssigned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: statsSubsystem,
		Name:      "requests_assigned",
		Help:      "Number of pending requests assigned to browser nodes",
	})

	dispatchTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: statsSubsystem,
		Name:      "dispatch_timeouts",
		Help:      "Number of pending requests that expired unserved",
	})

	connectedBrowserNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: statsSubsystem,
		Name:      "connected_browser_nodes",
		Help:      "Number of browser nodes currently connected",
	})
}

// IncReportsIngested increments the ingested report count
func IncReportsIngested() {
	if metrics {
		reportsIngested.Inc()
	}
}

// IncQueriesBilled increments the billed query count
func IncQueriesBilled() {
	if metrics {
		queriesBilled.Inc()
	}
}

// IncRequestsAssigned increments the assigned request count
func IncRequestsAssigned() {
	if metrics {
		requestsAssigned.Inc()
	}
}

// IncDispatchTimeouts increments the expired request count
func IncDispatchTimeouts() {
	if metrics {
		dispatchTimeouts.Inc()
	}
}

// IncConnectedNodes increments the connected browser node gauge
func IncConnectedNodes() {
	if metrics {
		connectedBrowserNodes.Inc()
	}
}

// DecConnectedNodes decrements the connected browser node gauge
func DecConnectedNodes() {
	if metrics {
		connectedBrowserNodes.Dec()
	}
}

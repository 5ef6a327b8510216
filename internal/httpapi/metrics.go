package httpapi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"clustercore/internal/clusternode"
)

// Metrics implements clusternode.Metrics and registers every collector
// with a dedicated prometheus.Registry, following the teacher's
// NewServer pattern of building and registering metrics together
// (internal/node/server.go), renamed to the clustercore_ namespace.
type Metrics struct {
	registry *prometheus.Registry

	tickDuration     prometheus.Histogram
	peersKnown       prometheus.Gauge
	slotsOwned       prometheus.Gauge
	currentEpoch     prometheus.Gauge
	healthTransition *prometheus.CounterVec
	electionAttempts prometheus.Counter
	routerVerdicts   *prometheus.CounterVec

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clustercore_tick_duration_seconds",
			Help:    "Time spent processing one gossip scheduler tick.",
			Buckets: prometheus.DefBuckets,
		}),
		peersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clustercore_peers_known",
			Help: "Number of peers in the local directory, including self.",
		}),
		slotsOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clustercore_slots_owned",
			Help: "Number of hash slots currently owned by self.",
		}),
		currentEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clustercore_current_epoch",
			Help: "The cluster's current epoch as last observed by self.",
		}),
		healthTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustercore_health_transitions_total",
			Help: "Count of cluster health state transitions, labeled by the state transitioned to.",
		}, []string{"state"}),
		electionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clustercore_election_attempts_total",
			Help: "Count of election attempts self has entered.",
		}),
		routerVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustercore_router_verdicts_total",
			Help: "Count of router decisions, labeled by verdict.",
		}, []string{"verdict"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clustercore_operator_requests_total",
			Help: "Total number of operator HTTP requests.",
		}, []string{"endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "clustercore_operator_request_duration_seconds",
			Help: "Operator HTTP request duration in seconds.",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.tickDuration,
		m.peersKnown,
		m.slotsOwned,
		m.currentEpoch,
		m.healthTransition,
		m.electionAttempts,
		m.routerVerdicts,
		m.requestTotal,
		m.requestDuration,
	)
	return m
}

func (m *Metrics) ObserveTick(d time.Duration) { m.tickDuration.Observe(d.Seconds()) }
func (m *Metrics) SetPeersKnown(n int)         { m.peersKnown.Set(float64(n)) }
func (m *Metrics) SetSlotsOwned(n int)         { m.slotsOwned.Set(float64(n)) }
func (m *Metrics) SetCurrentEpoch(epoch uint64) { m.currentEpoch.Set(float64(epoch)) }

func (m *Metrics) IncHealthTransition(toFail bool) {
	state := "ok"
	if toFail {
		state = "fail"
	}
	m.healthTransition.WithLabelValues(state).Inc()
}

func (m *Metrics) IncElectionAttempt() { m.electionAttempts.Inc() }

func (m *Metrics) IncRouterVerdict(verdict string) { m.routerVerdicts.WithLabelValues(verdict).Inc() }

var _ clusternode.Metrics = (*Metrics)(nil)

package selector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the prometheus metrics for source selection
type Metrics struct {
	// Replacement decisions by reason
	Replacements *prometheus.CounterVec

	// Retransmission timeouts consumed by ShouldReplaceSource
	RetransmissionTimeouts prometheus.Counter

	// Sources picked, by replica
	Selections *prometheus.CounterVec

	// Replicas that delivered at least one valid block
	ProvenCount *prometheus.CounterVec

	// Current size of the preferred pool
	PreferredReplicas prometheus.Gauge
}

// NewMetrics creates and registers the selector metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Replacements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statetransfer_source_replacements_total",
				Help: "Number of times a source replacement was requested",
			},
			[]string{"reason"},
		),

		RetransmissionTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "statetransfer_retransmission_timeouts_total",
				Help: "Fetch retransmission timeouts counted against the current source",
			},
		),

		Selections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statetransfer_source_selections_total",
				Help: "Number of times a replica was selected as source",
			},
			[]string{"replica"},
		),

		ProvenCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statetransfer_actual_sources_total",
				Help: "Number of times a selected source delivered a valid block",
			},
			[]string{"replica"},
		),

		PreferredReplicas: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "statetransfer_preferred_replicas",
				Help: "Number of replicas in the preferred pool",
			},
		),
	}

	reg.MustRegister(
		m.Replacements,
		m.RetransmissionTimeouts,
		m.Selections,
		m.ProvenCount,
		m.PreferredReplicas,
	)

	return m
}

// TrackReplacement records a replacement decision
func (m *Metrics) TrackReplacement(reason ReplacementReason) {
	if m == nil || !reason.Replace() {
		return
	}
	m.Replacements.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) trackRetransmissionTimeout() {
	if m == nil {
		return
	}
	m.RetransmissionTimeouts.Inc()
}

func (m *Metrics) trackSelection(id ReplicaID, preferred int) {
	if m == nil {
		return
	}
	m.Selections.WithLabelValues(id.String()).Inc()
	m.PreferredReplicas.Set(float64(preferred))
}

func (m *Metrics) trackActualSource(id ReplicaID) {
	if m == nil {
		return
	}
	m.ProvenCount.WithLabelValues(id.String()).Inc()
}

func (m *Metrics) trackPreferred(n int) {
	if m == nil {
		return
	}
	m.PreferredReplicas.Set(float64(n))
}

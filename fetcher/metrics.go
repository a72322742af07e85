package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the prometheus metrics for the fetch driver
type Metrics struct {
	SourceChanges     *prometheus.CounterVec
	BlocksReceived    prometheus.Counter
	InvalidBlocks     prometheus.Counter
	Retransmissions   prometheus.Counter
	SessionsCompleted prometheus.Counter
	SessionDuration   prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SourceChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statetransfer_fetcher_source_changes_total",
				Help: "Source changes performed by the fetcher, by reason",
			},
			[]string{"reason"},
		),
		BlocksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statetransfer_fetcher_blocks_received_total",
			Help: "Valid blocks received and stored",
		}),
		InvalidBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statetransfer_fetcher_invalid_blocks_total",
			Help: "Blocks rejected by the validator",
		}),
		Retransmissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statetransfer_fetcher_retransmissions_total",
			Help: "Fetch requests sent again to the same source",
		}),
		SessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statetransfer_fetcher_sessions_completed_total",
			Help: "State transfer sessions completed",
		}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "statetransfer_fetcher_session_duration_seconds",
			Help:    "Duration of completed state transfer sessions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}

	reg.MustRegister(
		m.SourceChanges,
		m.BlocksReceived,
		m.InvalidBlocks,
		m.Retransmissions,
		m.SessionsCompleted,
		m.SessionDuration,
	)
	return m
}

func (m *Metrics) sourceChange(reason string) {
	if m == nil {
		return
	}
	m.SourceChanges.WithLabelValues(reason).Inc()
}

func (m *Metrics) blockReceived() {
	if m == nil {
		return
	}
	m.BlocksReceived.Inc()
}

func (m *Metrics) invalidBlock() {
	if m == nil {
		return
	}
	m.InvalidBlocks.Inc()
}

func (m *Metrics) retransmission() {
	if m == nil {
		return
	}
	m.Retransmissions.Inc()
}

func (m *Metrics) sessionCompleted(seconds float64) {
	if m == nil {
		return
	}
	m.SessionsCompleted.Inc()
	m.SessionDuration.Observe(seconds)
}

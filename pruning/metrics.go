package pruning

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Requests *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "statetransfer_prune_rate_requests_total",
				Help: "Prune rate change requests sent, by result",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.Requests)
	return m
}

func (m *Metrics) trackRequest(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Requests.WithLabelValues(result).Inc()
}

package kload

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	kindExec   = "exec"
	kindModule = "module"

	resultOK      = "ok"
	resultFailed  = "failed"
	resultApplied = "applied"
	resultSkipped = "skipped"
)

// Metrics counts loads, relocations and rollbacks.
type Metrics struct {
	loads          *prometheus.CounterVec
	relocations    *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec
	permanentBytes prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kload",
			Name:      "loads_total",
			Help:      "Image loads by kind and result.",
		}, []string{"kind", "result"}),
		relocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kload",
			Name:      "relocations_total",
			Help:      "Relocation records by type and result.",
		}, []string{"type", "result"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kload",
			Name:      "rollbacks_total",
			Help:      "Loads that freed partially loaded memory.",
		}, []string{"kind"}),
		permanentBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kload",
			Name:      "permanent_bytes_total",
			Help:      "Bytes of module memory that will never be freed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.loads, m.relocations, m.rollbacks, m.permanentBytes)
	}
	return m
}

func (m *Metrics) load(kind string, err error) {
	if err != nil {
		m.loads.WithLabelValues(kind, resultFailed).Inc()
		return
	}
	m.loads.WithLabelValues(kind, resultOK).Inc()
}

package ipmi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts session activity. A nil *Metrics records nothing.
type Metrics struct {
	Handshakes *prometheus.CounterVec
	Retries    *prometheus.CounterVec
	Dropped    *prometheus.CounterVec
	SOLBytes   *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipmi",
			Name:      "handshakes_total",
			Help:      "RMCP+ session handshakes by result.",
		}, []string{"transport", "result"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipmi",
			Name:      "retries_total",
			Help:      "Requests re-sent after a timeout.",
		}, []string{"transport"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipmi",
			Name:      "dropped_packets_total",
			Help:      "Inbound packets discarded by reason.",
		}, []string{"reason"}),
		SOLBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ipmi",
			Name:      "sol_bytes_total",
			Help:      "Serial over LAN console bytes by direction.",
		}, []string{"direction"}),
	}
	if reg != nil {
		reg.MustRegister(m.Handshakes, m.Retries, m.Dropped, m.SOLBytes)
	}
	return m
}

func (m *Metrics) handshake(transport string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Handshakes.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) retry(transport string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(transport).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) solBytes(direction string, n int) {
	if m == nil {
		return
	}
	m.SOLBytes.WithLabelValues(direction).Add(float64(n))
}

package harness

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports harness activity to Prometheus. A nil *Metrics is valid and records nothing.
type Metrics struct {
	mu sync.Mutex

	responsesTotal       *prometheus.CounterVec
	decodeErrorsTotal    prometheus.Counter
	transportErrorsTotal *prometheus.CounterVec
	sendsTotal           *prometheus.CounterVec
	drainRunning         prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange_tester",
			Subsystem: "harness",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer uses the default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:     registerer,
		responsesTotal: newCounterVec("responses_total", "Responses drained from the exchange by kind", []string{"kind"}),
		decodeErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange_tester",
			Subsystem: "harness",
			Name:      "decode_errors_total",
			Help:      "Inbound payloads that could not be decoded",
		}),
		transportErrorsTotal: newCounterVec("transport_errors_total", "Transport errors seen by the drain loop", []string{"op"}),
		sendsTotal:           newCounterVec("sends_total", "Messages sent to the exchange by batch and result", []string{"batch", "result"}),
		drainRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange_tester",
			Subsystem: "harness",
			Name:      "drain_running",
			Help:      "1 while the drain loop is running",
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.responsesTotal,
		m.decodeErrorsTotal,
		m.transportErrorsTotal,
		m.sendsTotal,
		m.drainRunning,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) response(kind ResponseKind) {
	if m == nil {
		return
	}
	m.responsesTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrorsTotal.Inc()
}

func (m *Metrics) transportError(op string) {
	if m == nil {
		return
	}
	m.transportErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) send(batch string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sendsTotal.WithLabelValues(batch, result).Inc()
}

func (m *Metrics) setRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.drainRunning.Set(1)
		return
	}
	m.drainRunning.Set(0)
}

package stream

import "github.com/prometheus/client_golang/prometheus"

type machineMetrics struct {
	eventsTotal  *prometheus.CounterVec
	runsStarted  prometheus.Counter
	rejoinsTotal prometheus.Counter
	streamErrors prometheus.Counter
}

func newMachineMetrics(reg prometheus.Registerer) *machineMetrics {
	m := &machineMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sais_stream_events_total",
			Help: "Decoded stream events processed, by event kind.",
		}, []string{"kind"}),
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sais_stream_runs_started_total",
			Help: "Runs started through the stream machine.",
		}),
		rejoinsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sais_stream_rejoins_total",
			Help: "Rejoin attempts on in-flight runs.",
		}),
		streamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sais_stream_errors_total",
			Help: "Runs that ended with a recorded error.",
		}),
	}
	reg.MustRegister(m.eventsTotal, m.runsStarted, m.rejoinsTotal, m.streamErrors)
	return m
}

func (m *machineMetrics) event(kind Kind) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *machineMetrics) runStarted(rejoin bool) {
	if m == nil {
		return
	}
	if rejoin {
		m.rejoinsTotal.Inc()
	} else {
		m.runsStarted.Inc()
	}
}

func (m *machineMetrics) errored() {
	if m == nil {
		return
	}
	m.streamErrors.Inc()
}

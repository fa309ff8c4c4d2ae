package protocol

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts dispatch-path events. A nil *Metrics is a no-op, so the
// dispatcher works without a registry wired in.
type Metrics struct {
	dispatches    *prometheus.CounterVec
	unhandled     *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	cacheRebuilds prometheus.Counter
}

// NewMetrics registers the dispatch counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_dispatches_total",
			Help: "Commands dispatched, by protocol and command.",
		}, []string{"protocol", "cmd"}),
		unhandled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_unhandled_commands_total",
			Help: "Dispatches that matched no handler.",
		}, []string{"protocol", "cmd"}),
		handlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_handler_errors_total",
			Help: "Handler invocations that returned an error.",
		}, []string{"protocol", "cmd"}),
		cacheRebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_registry_rebuilds_total",
			Help: "Registry cache rebuilds after tree-shape changes.",
		}),
	}
}

func (m *Metrics) incDispatch(protocol, cmd string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(protocol, cmd).Inc()
}

func (m *Metrics) incUnhandled(protocol, cmd string) {
	if m == nil {
		return
	}
	m.unhandled.WithLabelValues(protocol, cmd).Inc()
}

func (m *Metrics) incHandlerError(protocol, cmd string) {
	if m == nil {
		return
	}
	m.handlerErrors.WithLabelValues(protocol, cmd).Inc()
}

func (m *Metrics) incRebuild() {
	if m == nil {
		return
	}
	m.cacheRebuilds.Inc()
}

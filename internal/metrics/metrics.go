// Package metrics holds the Prometheus collectors exported by scrcpyhub.
//
// All methods are safe to call on a nil *Metrics, so components can be
// constructed without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scrcpyhub"

// Dispatch kinds and results.
const (
	DispatchConnection = "connection"
	DispatchChannel    = "channel"

	ResultClaimed   = "claimed"
	ResultUnhandled = "unhandled"
	ResultRejected  = "rejected"
	ResultOK        = "ok"
	ResultError     = "error"
)

// Metrics contains every collector exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	ChannelsActive    *prometheus.GaugeVec
	DispatchTotal     *prometheus.CounterVec
	CommandsTotal     *prometheus.CounterVec
	TrackerRestarts   *prometheus.CounterVec
	Devices           *prometheus.GaugeVec
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open WebSocket connections",
		}),

		ChannelsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "channels_active",
				Help:      "Number of open multiplexed channels",
			},
			[]string{"code"},
		),

		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Connections and channels offered to the middleware chains",
			},
			[]string{"kind", "result"},
		),

		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Device commands executed by the control center",
			},
			[]string{"type", "result"},
		),

		TrackerRestarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracker_restarts_total",
				Help:      "Scheduled restarts of the device tracking subscription",
			},
			[]string{"platform"},
		),

		Devices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices",
				Help:      "Known devices by state",
			},
			[]string{"platform", "state"},
		),
	}

	m.registry.MustRegister(
		m.ConnectionsActive,
		m.ChannelsActive,
		m.DispatchTotal,
		m.CommandsTotal,
		m.TrackerRestarts,
		m.Devices,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConnectionOpened increments the open connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// ChannelOpened increments the open channel gauge for code.
func (m *Metrics) ChannelOpened(code string) {
	if m == nil {
		return
	}
	m.ChannelsActive.WithLabelValues(code).Inc()
}

// ChannelClosed decrements the open channel gauge for code.
func (m *Metrics) ChannelClosed(code string) {
	if m == nil {
		return
	}
	m.ChannelsActive.WithLabelValues(code).Dec()
}

// Dispatch records the outcome of offering a connection or channel to a chain.
func (m *Metrics) Dispatch(kind, result string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(kind, result).Inc()
}

// Command records the outcome of a device command.
func (m *Metrics) Command(cmdType, result string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(cmdType, result).Inc()
}

// TrackerRestart records a scheduled tracker restart.
func (m *Metrics) TrackerRestart(platform string) {
	if m == nil {
		return
	}
	m.TrackerRestarts.WithLabelValues(platform).Inc()
}

// SetDeviceCounts replaces the per-state device gauges for platform.
func (m *Metrics) SetDeviceCounts(platform string, counts map[string]int) {
	if m == nil {
		return
	}
	m.Devices.DeletePartialMatch(prometheus.Labels{"platform": platform})
	for state, n := range counts {
		m.Devices.WithLabelValues(platform, state).Set(float64(n))
	}
}

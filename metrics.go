package videostream

import (
	"github.com/prometheus/client_golang/prometheus"
)

// hostMetrics holds the host's instrument set. A nil receiver is valid and
// makes every record call a no-op, so hosts without a registry pay nothing.
type hostMetrics struct {
	framesPosted  prometheus.Counter
	framesExpired prometheus.Counter
	sendFailures  prometheus.Counter
	clients       prometheus.Gauge
	locksHeld     prometheus.Gauge
}

// WithMetrics registers the host's counters and gauges with reg and
// enables recording. Pass prometheus.DefaultRegisterer for the usual
// process-wide registry.
func WithMetrics(reg prometheus.Registerer) HostOption {
	return func(h *Host) {
		if reg == nil {
			return
		}
		h.metrics = newHostMetrics(reg)
	}
}

func newHostMetrics(reg prometheus.Registerer) *hostMetrics {
	m := &hostMetrics{
		framesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videostream",
			Subsystem: "host",
			Name:      "frames_posted_total",
			Help:      "Frames published to the table and broadcast to clients.",
		}),
		framesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videostream",
			Subsystem: "host",
			Name:      "frames_expired_total",
			Help:      "Frames reclaimed after their expiry passed with no locks held.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "videostream",
			Subsystem: "host",
			Name:      "send_failures_total",
			Help:      "Broadcasts that failed and caused a client disconnect.",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videostream",
			Subsystem: "host",
			Name:      "clients_connected",
			Help:      "Currently connected clients.",
		}),
		locksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videostream",
			Subsystem: "host",
			Name:      "locks_held",
			Help:      "Frame locks currently held across all clients.",
		}),
	}
	reg.MustRegister(m.framesPosted, m.framesExpired, m.sendFailures, m.clients, m.locksHeld)
	return m
}

func (m *hostMetrics) framePosted() {
	if m != nil {
		m.framesPosted.Inc()
	}
}

func (m *hostMetrics) frameExpired() {
	if m != nil {
		m.framesExpired.Inc()
	}
}

func (m *hostMetrics) sendFailure() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *hostMetrics) clientConnected() {
	if m != nil {
		m.clients.Inc()
	}
}

func (m *hostMetrics) clientDisconnected() {
	if m != nil {
		m.clients.Dec()
	}
}

func (m *hostMetrics) lockAcquired() {
	if m != nil {
		m.locksHeld.Inc()
	}
}

func (m *hostMetrics) lockReleased() {
	if m != nil {
		m.locksHeld.Dec()
	}
}

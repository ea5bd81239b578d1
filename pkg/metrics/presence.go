package metrics

import "github.com/prometheus/client_golang/prometheus"

// PresenceMetrics exposes online users and live connections as gauges.
type PresenceMetrics struct {
	users       prometheus.Gauge
	connections prometheus.Gauge
}

// NewPresenceMetrics registers the presence gauges on the provided registerer.
func NewPresenceMetrics(reg prometheus.Registerer) *PresenceMetrics {
	if reg == nil {
		return &PresenceMetrics{}
	}
	users := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_online_users",
		Help: "Users with at least one live realtime connection.",
	})
	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_connections",
		Help: "Live realtime connections across all users.",
	})
	reg.MustRegister(users, connections)
	return &PresenceMetrics{users: users, connections: connections}
}

// Set records the current presence totals.
func (p *PresenceMetrics) Set(onlineUsers, connections int) {
	if p == nil || p.users == nil {
		return
	}
	p.users.Set(float64(onlineUsers))
	p.connections.Set(float64(connections))
}

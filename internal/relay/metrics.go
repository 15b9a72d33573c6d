package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are registered on a per-server registry so several relays can run
// in one process (tests do).
type metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	members     *prometheus.GaugeVec
	frames      *prometheus.CounterVec
	joins       *prometheus.CounterVec
	saves       *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_relay_connections",
			Help: "Open websocket connections",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "collab_relay_rooms",
			Help: "Rooms held in memory",
		}),
		members: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collab_relay_room_members",
			Help: "Joined channels per room",
		}, []string{"topic"}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_relay_frames_total",
			Help: "Inbound frames by event",
		}, []string{"event"}),
		joins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_relay_joins_total",
			Help: "Join attempts by outcome",
		}, []string{"outcome"}),
		saves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_relay_saves_total",
			Help: "save_workflow requests by outcome",
		}, []string{"outcome"}),
	}
}

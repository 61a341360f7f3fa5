package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_active_connections",
		Help: "Currently open WebSocket connections.",
	})

	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_active_calls",
		Help: "Call sessions currently in flight.",
	})

	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_active_rooms",
		Help: "Broadcast groups with at least one member.",
	})

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rt_messages_total",
			Help: "Inbound client messages by type.",
		},
		[]string{"type"},
	)

	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rt_calls_total",
			Help: "Call outcomes by terminal status.",
		},
		[]string{"status"},
	)

	ReconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rt_reconnect_attempts_total",
			Help: "Session recovery attempts by result.",
		},
		[]string{"result"},
	)

	DisconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rt_disconnects_total",
			Help: "Connection teardowns by reason.",
		},
		[]string{"reason"},
	)
)

// Init registers all collectors in the default registry.
func Init() {
	prometheus.MustRegister(
		ActiveConnections,
		ActiveCalls,
		ActiveRooms,
		MessagesTotal,
		CallsTotal,
		ReconnectAttemptsTotal,
		DisconnectsTotal,
	)
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the domain collectors shared by master and worker.
type Metrics struct {
	XrayRestarts prometheus.Counter
	XrayRunning  prometheus.Gauge
	NodeUsers    prometheus.Gauge
	Activations  *prometheus.CounterVec
	WorkerPushes *prometheus.CounterVec
	Tunnels      prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		XrayRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "xray_restarts_total",
			Help: "Total number of Xray process (re)starts.",
		}),
		XrayRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "xray_running",
			Help: "1 if the supervised Xray process is alive.",
		}),
		NodeUsers: f.NewGauge(prometheus.GaugeOpts{
			Name: "node_active_users",
			Help: "Number of VLESS clients in the current Xray config.",
		}),
		Activations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "activations_total",
			Help: "Activation key redemptions by result.",
		}, []string{"result"}),
		WorkerPushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_pushes_total",
			Help: "User pushes from master to worker nodes.",
		}, []string{"node", "op", "result"}),
		Tunnels: f.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_active_connections",
			Help: "WebSocket connections currently relayed to Xray.",
		}),
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a wsbench run.
type Metrics struct {
	ActiveClients     prometheus.Gauge
	Phase             prometheus.Gauge
	ConsecutiveYellow prometheus.Gauge
	ServerCPU         prometheus.Gauge
	ServerMemoryMB    prometheus.Gauge
	ConnectAttempts   *prometheus.CounterVec
	MessagesTotal     *prometheus.CounterVec
	DisconnectsTotal  prometheus.Counter
	VerdictsTotal     *prometheus.CounterVec
	LatencyMs         prometheus.Histogram
}

// New creates all metrics and registers them with reg. A nil reg creates
// unregistered collectors, which is what most tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsbench_active_clients",
			Help: "Connected clients in the pool",
		}),
		Phase: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsbench_phase",
			Help: "Current ramp phase (0 = baseline)",
		}),
		ConsecutiveYellow: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsbench_consecutive_yellow",
			Help: "Consecutive YELLOW verdicts without an intervening GREEN",
		}),
		ServerCPU: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsbench_server_cpu_percent",
			Help: "Last sampled CPU usage of the server under test",
		}),
		ServerMemoryMB: f.NewGauge(prometheus.GaugeOpts{
			Name: "wsbench_server_memory_mb",
			Help: "Last sampled resident memory of the server under test",
		}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsbench_connect_attempts_total",
			Help: "Connection attempts by result",
		}, []string{"result"}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsbench_messages_total",
			Help: "Workload messages by direction",
		}, []string{"direction"}),
		DisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "wsbench_unexpected_disconnects_total",
			Help: "Connections dropped by the server or network",
		}),
		VerdictsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wsbench_verdicts_total",
			Help: "Measurement window verdicts by status",
		}, []string{"status"}),
		LatencyMs: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wsbench_latency_ms",
			Help:    "RTT or broadcast latency samples in milliseconds",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 14),
		}),
	}
}

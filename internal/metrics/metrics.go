// Package metrics exposes the gateway's Prometheus gauges and counters,
// grounded on the same Registry+Gauges+Counter shape as a node's own
// health logger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every gauge and counter the gateway records. It owns its
// own Registry rather than using the global default, so multiple gateway
// instances in one process (as in tests) never collide.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectedSessions prometheus.Gauge
	ActivePeers       prometheus.Gauge
	GroupNodeCount    *prometheus.GaugeVec
	LatestBlockHeight *prometheus.GaugeVec

	AMOPSendFailures prometheus.Counter
	JSONRPCErrors    *prometheus.CounterVec
}

// New builds and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ConnectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpcgate_connected_sessions",
			Help: "Number of currently connected WebSocket sessions",
		}),
		ActivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rpcgate_active_peers",
			Help: "Number of live gateway-to-gateway peer connections",
		}),
		GroupNodeCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpcgate_group_node_count",
			Help: "Number of nodes currently registered per group",
		}, []string{"group"}),
		LatestBlockHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rpcgate_latest_block_height",
			Help: "Latest known block height per group",
		}, []string{"group"}),
		AMOPSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rpcgate_amop_send_failures_total",
			Help: "Total AMOP unicast sends that exhausted retries across every eligible peer",
		}),
		JSONRPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rpcgate_jsonrpc_errors_total",
			Help: "Total JSON-RPC error responses by error code",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.ConnectedSessions,
		m.ActivePeers,
		m.GroupNodeCount,
		m.LatestBlockHeight,
		m.AMOPSendFailures,
		m.JSONRPCErrors,
	)
	return m
}

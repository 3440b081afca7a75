// Package metrics exposes the per-transport Prometheus counters tracking
// accepted connections, handshake outcomes, and rejected connections.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	AcceptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lafrpc_transport_accepts_total",
			Help: "Total number of connections accepted by a transport.",
		},
		[]string{"transport"},
	)

	HandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lafrpc_transport_handshakes_total",
			Help: "Total number of completed handshakes, by transport and outcome.",
		},
		[]string{"transport", "kind"}, // kind: channel, raw_socket, bad_magic
	)

	RejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lafrpc_transport_rejects_total",
			Help: "Total number of connections rejected before a handshake completed, by reason.",
		},
		[]string{"transport", "reason"}, // reason: tls_handshake (ssl, kcpssl); other rejections are not counted
	)
)

func init() {
	prometheus.MustRegister(AcceptsTotal, HandshakesTotal, RejectsTotal)
}

package interceptor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var handshakeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "lafrpc_handshake_duration_seconds",
		Help:    "Time spent dispatching a single connection's handshake.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"transport", "status"},
)

func init() {
	prometheus.MustRegister(handshakeDuration)
}

// Metrics observes how long handshake dispatch takes, labeled by outcome.
func Metrics(transportName string) Interceptor {
	return func(ctx context.Context, conn any, invoker Invoker) (any, error) {
		start := time.Now()

		resp, err := invoker(ctx, conn)

		status := "ok"
		if err != nil {
			status = "error"
		}
		handshakeDuration.WithLabelValues(transportName, status).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

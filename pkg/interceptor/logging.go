package interceptor

import (
	"context"
	"log/slog"
	"time"
)

// Logging logs the outcome of each handshake dispatch at debug level,
// named by transport.
func Logging(logger *slog.Logger, transportName string) Interceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, conn any, invoker Invoker) (any, error) {
		start := time.Now()

		resp, err := invoker(ctx, conn)

		logger.Debug("handshake dispatch",
			"transport", transportName,
			"duration", time.Since(start),
			"err", err,
		)

		return resp, err
	}
}
